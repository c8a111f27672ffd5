package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Handler provides the HTTP endpoints of the entitlement API
type Handler struct {
	config   Config
	validate *validator.Validate
}

// GetEntitlement returns the user's current entitlement.
//
// The read path never fails: a missing or malformed user_id and any internal
// error all answer with the free tier.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	rec := entitlement.FreeRecord(userID)

	if entitlement.ValidUserID(userID) {
		got, err := h.config.Store.Get(r.Context(), userID)
		if err != nil {
			h.config.Logger.Error("entitlement read failed, serving free default",
				entitlement.Field{Key: "user_id", Value: userID},
				entitlement.Field{Key: "error", Value: err.Error()},
			)
		} else {
			rec = got
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, h.entitlementResponse(rec))
}

// Verify reconciles a signed transaction for the user
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	body := http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := render.DecodeJSON(body, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		msg := "invalid request"
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = "invalid field: " + verrs[0].Field()
		}
		h.writeError(w, r, http.StatusBadRequest, CodeBadRequest, msg)
		return
	}

	env, _ := entitlement.ParseEnvironment(req.Environment)
	rec, err := h.config.Reconciler.Reconcile(r.Context(), req.UserID, req.SignedTransactionInfo, env)
	if err != nil {
		h.handleReconcileError(w, r, req.UserID, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, h.entitlementResponse(rec))
}

// GetProducts returns the purchasable products
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	products := h.config.Catalog.Products()
	resp := make([]ProductResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, ProductResponse{ProductID: p.ProductID, Tier: string(p.Tier)})
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

func (h *Handler) handleReconcileError(w http.ResponseWriter, r *http.Request, userID string, err error) {
	h.config.Logger.Warn("verify failed",
		entitlement.Field{Key: "user_id", Value: userID},
		entitlement.Field{Key: "error", Value: err.Error()},
	)

	// ErrConfiguration must precede ErrVerificationFailed: missing anchors wrap both.
	switch {
	case errors.Is(err, entitlement.ErrBadRequest):
		h.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid request")
	case errors.Is(err, entitlement.ErrConfiguration):
		h.writeError(w, r, http.StatusInternalServerError, CodeConfigurationError,
			"purchase verification is not configured")
	case errors.Is(err, entitlement.ErrVerificationFailed):
		h.writeError(w, r, http.StatusBadRequest, CodeVerificationFailed,
			"purchase could not be confirmed")
	case errors.Is(err, entitlement.ErrPersistenceFailed):
		h.writeError(w, r, http.StatusServiceUnavailable, CodePersistenceFailed,
			"purchase verified but could not be saved, retry with the same transaction")
	default:
		h.writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func (h *Handler) entitlementResponse(rec entitlement.Record) EntitlementResponse {
	features := h.config.Catalog.Features(rec.Tier)
	if !rec.IsPro {
		features = h.config.Catalog.Features(entitlement.TierFree)
	}
	return EntitlementResponse{
		Tier:                    string(rec.Tier),
		IsPro:                   rec.IsPro,
		CanUseMaxMode:           features.CanUseMaxMode,
		CanExportHD:             features.CanExportHD,
		RemainingPremiumRenders: features.PremiumRenders,
		ExpiresAt:               rec.ExpiresAt,
	}
}

// writeError writes an error response with the given status code
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, statusCode int, code ErrorCode, msg string) {
	render.Status(r, statusCode)
	render.JSON(w, r, ErrorResponse{Error: ErrorBody{Code: code, Message: msg}})
}
