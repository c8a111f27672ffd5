package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReconcilerConfig holds configuration for the reconciler
type ReconcilerConfig struct {
	// Metrics is used for tracking reconciliations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Reconciler turns a verified signed transaction into the user's persisted entitlement.
// It is the only path by which a user's paid status changes.
type Reconciler struct {
	verifier TransactionVerifier
	store    *Store
	metrics  Metrics
	logger   Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(verifier TransactionVerifier, store *Store, config *ReconcilerConfig) (*Reconciler, error) {
	if verifier == nil {
		return nil, fmt.Errorf("%w: verifier is required", ErrConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if config == nil {
		config = &ReconcilerConfig{}
	}

	r := &Reconciler{
		verifier: verifier,
		store:    store,
		metrics:  config.Metrics,
		logger:   config.Logger,
		now:      config.Now,
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Reconcile verifies token and upserts the resulting entitlement for userID.
//
// The two steps fail distinctly: ErrVerificationFailed means the token must not
// be re-submitted, ErrPersistenceFailed means the same token can be retried.
func (r *Reconciler) Reconcile(ctx context.Context, userID, token string, hint Environment) (Record, error) {
	start := time.Now()
	if userID == "" || token == "" {
		return Record{}, fmt.Errorf("%w: user id and signed transaction are required", ErrBadRequest)
	}

	res, err := r.verifier.Verify(ctx, token, hint)
	if err != nil {
		r.metrics.RecordReconcile("verification_failed", time.Since(start))
		r.logger.Warn("signed transaction rejected",
			Field{"user_id", userID},
			Field{"hint", string(hint)},
			Field{"error", err.Error()},
		)
		if !errors.Is(err, ErrVerificationFailed) {
			err = fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		return Record{}, err
	}

	rec, err := r.Apply(ctx, userID, res)
	if err != nil {
		r.metrics.RecordReconcile("persistence_failed", time.Since(start))
		return Record{}, err
	}
	r.metrics.RecordReconcile("success", time.Since(start))
	return rec, nil
}

// Apply upserts an already verified result for userID and returns the effective record.
// Used by Reconcile and by server notifications that carry their own verified payload.
func (r *Reconciler) Apply(ctx context.Context, userID string, res *VerificationResult) (Record, error) {
	if res == nil {
		return Record{}, fmt.Errorf("%w: empty verification result", ErrVerificationFailed)
	}

	tier := res.Tier
	if res.RevokedAt != nil && !res.RevokedAt.After(r.now()) {
		r.logger.Info("transaction revoked, reconciling to free",
			Field{"user_id", userID},
			Field{"original_transaction_id", res.OriginalTransactionID},
		)
		tier = TierFree
	}

	prev, prevErr := r.store.Get(ctx, userID)
	if prevErr == nil && prev.OriginalTransactionID != "" &&
		prev.OriginalTransactionID != res.OriginalTransactionID {
		r.logger.Info("subscription lineage switched",
			Field{"user_id", userID},
			Field{"from", prev.OriginalTransactionID},
			Field{"to", res.OriginalTransactionID},
		)
	}

	rec, err := r.store.Upsert(ctx, userID, Update{
		Tier:                  tier,
		ExpiresAt:             res.ExpiresAt,
		OriginalTransactionID: res.OriginalTransactionID,
		ProductID:             res.ProductID,
		Environment:           res.Environment,
		SignedAt:              res.SignedAt,
	})
	if err != nil {
		r.logger.Error("failed to persist verified transaction",
			Field{"user_id", userID},
			Field{"transaction_id", res.TransactionID},
			Field{"error", err.Error()},
		)
		return Record{}, err
	}

	if prevErr == nil && prev.Tier != rec.Tier {
		r.metrics.RecordTierChange(string(prev.Tier), string(rec.Tier))
	}
	r.logger.Info("entitlement reconciled",
		Field{"user_id", userID},
		Field{"tier", string(rec.Tier)},
		Field{"product_id", rec.ProductID},
		Field{"environment", string(rec.Environment)},
	)

	return r.store.effective(rec), nil
}

// ApplyIfNewer applies res unless the stored record was built from a
// transaction signed after it. Server notifications can be delivered out of
// order, so an older one must not undo a newer refund or renewal.
// Reports whether res was applied.
func (r *Reconciler) ApplyIfNewer(ctx context.Context, userID string, res *VerificationResult) (Record, bool, error) {
	if res == nil {
		return Record{}, false, fmt.Errorf("%w: empty verification result", ErrVerificationFailed)
	}

	prev, err := r.store.Get(ctx, userID)
	if err != nil {
		return Record{}, false, err
	}
	if !res.SignedAt.IsZero() && prev.SignedAt.After(res.SignedAt) {
		r.logger.Info("stale transaction skipped",
			Field{"user_id", userID},
			Field{"transaction_id", res.TransactionID},
			Field{"signed_at", res.SignedAt},
			Field{"stored_signed_at", prev.SignedAt},
		)
		return prev, false, nil
	}

	rec, err := r.Apply(ctx, userID, res)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}
