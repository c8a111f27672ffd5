package client

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// TokenResult is the outcome of verifying one restored transaction
type TokenResult struct {
	Token       string
	Entitlement *api.EntitlementResponse
	Err         error
}

// Retryable reports whether the token may succeed when re-submitted
func (r TokenResult) Retryable() bool {
	return r.Err != nil && failureEvent(r.Err).Type == EventVerifyPersistenceFailed
}

// RestoreReport aggregates per-token restore outcomes in submission order
type RestoreReport struct {
	Results   []TokenResult
	Succeeded int
	Failed    int
}

// PartialSuccess reports whether some but not all tokens were reconciled
func (r *RestoreReport) PartialSuccess() bool {
	return r.Succeeded > 0 && r.Failed > 0
}

// Err joins the per-token errors, nil when every token was reconciled
func (r *RestoreReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("token %d: %w", len(errs), res.Err))
		}
	}
	return errors.Join(errs...)
}

// Restore re-submits every transaction the platform holds. Tokens are
// verified concurrently, each under its own timeout. A single success moves
// the flow to StateReconciled with the server's final entitlement.
func (f *Flow) Restore(ctx context.Context) (*RestoreReport, error) {
	tokens, err := f.billing.CurrentEntitlements(ctx)
	if err != nil {
		return nil, fmt.Errorf("list platform transactions: %w", err)
	}

	if err := f.Dispatch(Event{Type: EventRestoreStarted}); err != nil {
		return nil, err
	}

	if len(tokens) == 0 {
		_ = f.Dispatch(Event{Type: EventVerifyRejected, Err: ErrNothingToRestore})
		return &RestoreReport{}, ErrNothingToRestore
	}

	return f.settleRestore(ctx, f.verifyAll(ctx, tokens))
}

// settleRestore moves a verifying flow to its outcome for report
func (f *Flow) settleRestore(ctx context.Context, report *RestoreReport) (*RestoreReport, error) {
	switch {
	case report.Succeeded > 0:
		ent, err := f.api.GetEntitlement(ctx, f.config.UserID)
		if err != nil {
			// The writes went through; fall back to the last verify answer.
			f.config.Logger.Warn("Failed to read entitlement after restore",
				entitlement.Field{Key: "error", Value: err},
			)
			ent = lastEntitlement(report)
		}
		_ = f.Dispatch(Event{Type: EventVerifySucceeded, Entitlement: ent})
		if report.PartialSuccess() {
			f.config.Logger.Warn("Restore partially succeeded",
				entitlement.Field{Key: "succeeded", Value: report.Succeeded},
				entitlement.Field{Key: "failed", Value: report.Failed},
			)
		}
		return report, nil
	case len(report.RetryableTokens()) > 0:
		err := report.Err()
		_ = f.Dispatch(Event{Type: EventVerifyPersistenceFailed, Err: err, RetryTokens: report.RetryableTokens()})
		return report, err
	default:
		err := report.Err()
		_ = f.Dispatch(Event{Type: EventVerifyRejected, Err: err})
		return report, err
	}
}

func (f *Flow) verifyAll(ctx context.Context, tokens []string) *RestoreReport {
	results := make([]TokenResult, len(tokens))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.RestoreConcurrency)
	for i, token := range tokens {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, f.config.TokenTimeout)
			defer cancel()

			ent, err := f.api.Verify(tctx, f.config.UserID, token, f.config.Environment)
			results[i] = TokenResult{Token: token, Entitlement: ent, Err: err}
			// per-token failures never cancel siblings
			return nil
		})
	}
	_ = g.Wait()

	report := &RestoreReport{Results: results}
	for _, res := range results {
		if res.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	return report
}

// RetryableTokens returns the tokens that failed but may succeed when re-submitted
func (r *RestoreReport) RetryableTokens() []string {
	var tokens []string
	for _, res := range r.Results {
		if res.Retryable() {
			tokens = append(tokens, res.Token)
		}
	}
	return tokens
}

func lastEntitlement(r *RestoreReport) *api.EntitlementResponse {
	for i := len(r.Results) - 1; i >= 0; i-- {
		if r.Results[i].Err == nil {
			return r.Results[i].Entitlement
		}
	}
	return nil
}
