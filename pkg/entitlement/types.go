package entitlement

import (
	"context"
	"regexp"
	"time"
)

var userIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidUserID reports whether id is a lowercase hyphenated UUID.
// Anything else carries no identity.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// PlanTier is the internal plan classification derived from a verified purchase.
// Ordering between tiers is not meaningful; membership determines feature gates.
type PlanTier string

const (
	// TierFree is the default tier for unknown, unpaid and expired users
	TierFree PlanTier = "free"
	// TierPro is the first paid tier
	TierPro PlanTier = "pro"
	// TierMax is the second paid tier
	TierMax PlanTier = "max"
)

// Valid reports whether t is one of the known tiers
func (t PlanTier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierMax:
		return true
	default:
		return false
	}
}

// Paid reports whether t grants a paid entitlement
func (t PlanTier) Paid() bool {
	return t != TierFree && t.Valid()
}

// Environment is the purchase environment that issued a signed transaction
type Environment string

const (
	// EnvironmentSandbox is the test purchase environment
	EnvironmentSandbox Environment = "Sandbox"
	// EnvironmentProduction is the live purchase environment
	EnvironmentProduction Environment = "Production"
)

// ParseEnvironment parses a client-supplied environment hint.
// An empty string is valid and means "no hint".
func ParseEnvironment(s string) (Environment, bool) {
	switch Environment(s) {
	case "":
		return "", true
	case EnvironmentSandbox, EnvironmentProduction:
		return Environment(s), true
	default:
		return "", false
	}
}

// Other returns the opposite environment. An empty environment has no opposite.
func (e Environment) Other() Environment {
	switch e {
	case EnvironmentSandbox:
		return EnvironmentProduction
	case EnvironmentProduction:
		return EnvironmentSandbox
	default:
		return ""
	}
}

// Features are the feature gates a tier unlocks
type Features struct {
	CanUseMaxMode  bool
	CanExportHD    bool
	PremiumRenders int
}

// Product is an immutable entry of the product catalog
type Product struct {
	ProductID string   `json:"productId"`
	Tier      PlanTier `json:"tier"`
}

// Record is the durable per-user entitlement record.
//
// IsPro equals Tier != TierFree at write time. Reads re-derive it as false
// once ExpiresAt is in the past.
type Record struct {
	UserID                string
	Tier                  PlanTier
	IsPro                 bool
	ExpiresAt             *time.Time
	OriginalTransactionID string
	ProductID             string
	Environment           Environment
	UpdatedAt             time.Time

	// SignedAt is when the billing authority signed the last applied
	// transaction. Zero when unknown.
	SignedAt time.Time
}

// Expired reports whether the record has a past expiry at now
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// SubscriptionStatus is the denormalized subscription-status mirror that
// every storage backend writes together with the record.
type SubscriptionStatus struct {
	UserID    string
	Tier      PlanTier
	IsPro     bool
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// StatusOf derives the subscription-status mirror of a record
func StatusOf(rec *Record) SubscriptionStatus {
	return SubscriptionStatus{
		UserID:    rec.UserID,
		Tier:      rec.Tier,
		IsPro:     rec.IsPro,
		ExpiresAt: rec.ExpiresAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// VerificationResult is the transient outcome of verifying a signed transaction.
// It is never persisted directly.
type VerificationResult struct {
	ProductID             string
	OriginalTransactionID string
	TransactionID         string
	Tier                  PlanTier
	ExpiresAt             *time.Time
	Environment           Environment

	// RevokedAt is set when the store refunded or revoked the transaction
	RevokedAt *time.Time

	// SignedAt is when the billing authority signed the payload
	SignedAt time.Time

	// AppAccountToken is the account identifier the client attached at purchase time
	AppAccountToken string
}

// Update holds the fields the reconciler writes through Store.Upsert.
// IsPro and UpdatedAt are always derived by the store.
type Update struct {
	Tier                  PlanTier
	ExpiresAt             *time.Time
	OriginalTransactionID string
	ProductID             string
	Environment           Environment
	SignedAt              time.Time
}

// TransactionVerifier verifies a signed transaction token
type TransactionVerifier interface {
	Verify(ctx context.Context, token string, hint Environment) (*VerificationResult, error)
}

// CacheConfig holds configuration of the last-known-good record cache
type CacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// TTL is how long a cached record may be served when storage fails (default: 5 minutes)
	TTL time.Duration

	// MaxRecords is the maximum number of records to cache (default: 10000)
	MaxRecords int
}

// StoreConfig holds configuration for the entitlement store
type StoreConfig struct {
	// CacheConfig configures the last-known-good cache used by the read path
	CacheConfig *CacheConfig

	// Metrics is used for tracking store operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}
