package api

import "time"

// ErrorCode identifies the class of a failed request
type ErrorCode string

const (
	CodeBadRequest         ErrorCode = "BAD_REQUEST"
	CodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"
	CodePersistenceFailed  ErrorCode = "PERSISTENCE_FAILED"
	CodeConfigurationError ErrorCode = "CONFIGURATION_ERROR"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// EntitlementResponse is the user's effective entitlement and feature gates
type EntitlementResponse struct {
	Tier                    string     `json:"tier"`
	IsPro                   bool       `json:"isPro"`
	CanUseMaxMode           bool       `json:"canUseMaxMode"`
	CanExportHD             bool       `json:"canExportHD"`
	RemainingPremiumRenders int        `json:"remainingPremiumRenders"`
	ExpiresAt               *time.Time `json:"expiresAt"`
}

// VerifyRequest is the body of POST /iap/verify
type VerifyRequest struct {
	UserID                string `json:"user_id" validate:"required,user_id"`
	SignedTransactionInfo string `json:"signed_transaction_info" validate:"required"`
	Environment           string `json:"environment,omitempty" validate:"omitempty,oneof=Production Sandbox"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failure
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ProductResponse is an entry of the purchasable catalog
type ProductResponse struct {
	ProductID string `json:"productId"`
	Tier      string `json:"tier"`
}
