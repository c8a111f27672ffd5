package entitlement

import "time"

// Metrics defines the interface for tracking verification and reconciliation.
type Metrics interface {
	// RecordVerification records a signed transaction verification attempt.
	// environment is the environment that succeeded, or the last one tried when all
	// attempts failed ("none" when none was tried).
	// status: "success" or "error"
	RecordVerification(environment, status string, duration time.Duration)

	// RecordReconcile records a reconciliation outcome.
	// status: "success", "verification_failed" or "persistence_failed"
	RecordReconcile(status string, duration time.Duration)

	// RecordTierChange records when a user's tier changes.
	RecordTierChange(fromTier, toTier string)

	// RecordExpiry records a lazy expiry downgrade.
	RecordExpiry(tier string)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "record").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordVerification(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordReconcile(_ string, _ time.Duration)                 {}
func (n *NoopMetrics) RecordTierChange(_, _ string)                              {}
func (n *NoopMetrics) RecordExpiry(_ string)                                     {}
func (n *NoopMetrics) RecordCacheHit(_ string)                                   {}
func (n *NoopMetrics) RecordCacheMiss(_ string)                                  {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
