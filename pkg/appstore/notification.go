package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/internal/httputil"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// NotificationTypeTest is sent by the "Request a Test Notification" endpoint
const NotificationTypeTest = "TEST"

// Applier persists an already verified transaction for a user
type Applier interface {
	// ApplyIfNewer skips res when the stored record comes from a later signed
	// transaction and reports whether res was applied.
	ApplyIfNewer(ctx context.Context, userID string, res *entitlement.VerificationResult) (entitlement.Record, bool, error)
}

// NotificationConfig holds configuration for the server notification endpoint
type NotificationConfig struct {
	// MaxBodyBytes caps the request body (default: 256KB)
	MaxBodyBytes int64

	// RateLimit is the number of requests allowed per client IP per RateWindow (default: 100)
	RateLimit int

	// RateWindow is the rate limiting window (default: 1 minute)
	RateWindow time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger
}

// NotificationHandler receives App Store Server Notifications V2 and reconciles
// the transaction they carry for the user named by its appAccountToken.
type NotificationHandler struct {
	verifier *Verifier
	applier  Applier
	limiter  *httputil.RateLimiter
	maxBody  int64
	logger   entitlement.Logger
}

type notificationRequest struct {
	SignedPayload string `json:"signedPayload"`
}

type notificationResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// NewNotificationHandler creates a server notification handler
func NewNotificationHandler(verifier *Verifier, applier Applier, config *NotificationConfig) *NotificationHandler {
	if config == nil {
		config = &NotificationConfig{}
	}
	h := &NotificationHandler{
		verifier: verifier,
		applier:  applier,
		maxBody:  config.MaxBodyBytes,
		logger:   config.Logger,
	}
	if h.maxBody <= 0 {
		h.maxBody = 256 << 10
	}
	if h.logger == nil {
		h.logger = &entitlement.NoopLogger{}
	}
	limit, window := config.RateLimit, config.RateWindow
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	h.limiter = httputil.NewRateLimiter(limit, window)
	return h
}

// Handler returns the rate limited HTTP handler
func (h *NotificationHandler) Handler() http.Handler {
	return h.limiter.Middleware(h)
}

func (h *NotificationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respond(w, http.StatusMethodNotAllowed, "rejected", "method not allowed")
		return
	}

	body, err := httputil.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, httputil.ErrPayloadTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		h.respond(w, code, "rejected", err.Error())
		return
	}

	var req notificationRequest
	if err := json.Unmarshal(body, &req); err != nil || req.SignedPayload == "" {
		h.respond(w, http.StatusBadRequest, "rejected", "signedPayload is required")
		return
	}

	ctx := r.Context()
	notification, err := h.verifier.VerifyNotification(ctx, req.SignedPayload)
	if err != nil {
		h.logger.Warn("server notification rejected", entitlement.Field{Key: "error", Value: err.Error()})
		if errors.Is(err, entitlement.ErrConfiguration) {
			h.respond(w, http.StatusInternalServerError, "rejected", "configuration error")
			return
		}
		h.respond(w, http.StatusBadRequest, "rejected", "signed payload could not be verified")
		return
	}

	fields := []entitlement.Field{
		{Key: "notification_uuid", Value: notification.NotificationUUID},
		{Key: "type", Value: notification.NotificationType},
		{Key: "subtype", Value: notification.Subtype},
	}

	if notification.NotificationType == NotificationTypeTest {
		h.logger.Info("test notification received", fields...)
		h.respond(w, http.StatusOK, "ignored", "test notification")
		return
	}
	if notification.Data.SignedTransactionInfo == "" {
		h.logger.Info("notification without transaction ignored", fields...)
		h.respond(w, http.StatusOK, "ignored", "no transaction")
		return
	}

	env, _ := entitlement.ParseEnvironment(notification.Data.Environment)
	res, err := h.verifier.Verify(ctx, notification.Data.SignedTransactionInfo, env)
	if err != nil {
		fields = append(fields, entitlement.Field{Key: "error", Value: err.Error()})
		if errors.Is(err, entitlement.ErrUnknownProduct) {
			h.logger.Info("notification for unknown product ignored", fields...)
			h.respond(w, http.StatusOK, "ignored", "unknown product")
			return
		}
		h.logger.Warn("notification transaction rejected", fields...)
		h.respond(w, http.StatusBadRequest, "rejected", "signed transaction could not be verified")
		return
	}

	userID := res.AppAccountToken
	if !entitlement.ValidUserID(userID) {
		h.logger.Info("notification without account token ignored", fields...)
		h.respond(w, http.StatusOK, "ignored", "no account token")
		return
	}

	rec, applied, err := h.applier.ApplyIfNewer(ctx, userID, res)
	if err != nil {
		fields = append(fields, entitlement.Field{Key: "error", Value: err.Error()})
		h.logger.Error("failed to apply notification", fields...)
		// Non-2xx makes the App Store retry delivery.
		h.respond(w, http.StatusServiceUnavailable, "retry", "persistence failed")
		return
	}

	fields = append(fields,
		entitlement.Field{Key: "user_id", Value: userID},
		entitlement.Field{Key: "tier", Value: string(rec.Tier)},
	)
	if !applied {
		h.logger.Info("stale notification ignored", fields...)
		h.respond(w, http.StatusOK, "ignored", "stale transaction")
		return
	}
	h.logger.Info("notification applied", fields...)
	h.respond(w, http.StatusOK, "processed", "")
}

func (h *NotificationHandler) respond(w http.ResponseWriter, code int, status, reason string) {
	if err := httputil.WriteJSON(w, code, notificationResponse{Status: status, Reason: reason}); err != nil {
		h.logger.Error("failed to write notification response", entitlement.Field{Key: "error", Value: err.Error()})
	}
}
