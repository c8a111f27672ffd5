package appstore

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TransactionClaims is the decoded payload of a signed transaction
type TransactionClaims struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           *int64 `json:"expiresDate,omitempty"`
	SignedDate            int64  `json:"signedDate"`
	Environment           string `json:"environment"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
	RevocationDate        *int64 `json:"revocationDate,omitempty"`
	Type                  string `json:"type,omitempty"`

	jwt.RegisteredClaims
}

func (c *TransactionClaims) signedAt() int64     { return c.SignedDate }
func (c *TransactionClaims) environment() string { return c.Environment }
func (c *TransactionClaims) bundleID() string    { return c.BundleID }

// NotificationClaims is the decoded payload of an App Store Server Notification V2
type NotificationClaims struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version,omitempty"`
	SignedDate       int64            `json:"signedDate"`
	Data             NotificationData `json:"data"`

	jwt.RegisteredClaims
}

// NotificationData carries the signed transaction of a notification
type NotificationData struct {
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
	SignedRenewalInfo     string `json:"signedRenewalInfo,omitempty"`
}

func (c *NotificationClaims) signedAt() int64     { return c.SignedDate }
func (c *NotificationClaims) environment() string { return c.Data.Environment }
func (c *NotificationClaims) bundleID() string    { return c.Data.BundleID }

// signedClaims is implemented by every payload the verifier accepts
type signedClaims interface {
	jwt.Claims
	signedAt() int64
	environment() string
	bundleID() string
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optionalMillis(ms *int64) *time.Time {
	if ms == nil || *ms <= 0 {
		return nil
	}
	t := millisToTime(*ms)
	return &t
}
