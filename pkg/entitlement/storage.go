package entitlement

import "context"

// Storage defines the interface for entitlement persistence.
//
// Implementations must write the record and its SubscriptionStatus mirror
// together or not at all.
type Storage interface {
	// GetRecord retrieves the user's entitlement record.
	// Returns ErrRecordNotFound when no row exists for userID.
	GetRecord(ctx context.Context, userID string) (*Record, error)

	// UpsertRecord stores the record keyed by rec.UserID, last write wins,
	// and updates the subscription-status mirror in the same atomic unit.
	UpsertRecord(ctx context.Context, rec *Record) error
}

// StatusReader is implemented by backends that can serve the subscription-status mirror
type StatusReader interface {
	// GetStatus retrieves the mirror row for userID.
	// Returns ErrRecordNotFound when no row exists.
	GetStatus(ctx context.Context, userID string) (*SubscriptionStatus, error)
}

// ConditionalWriter is implemented by backends that can refuse to overwrite a
// newer record. Cache tiers use it so a late write never replaces fresher data.
type ConditionalWriter interface {
	// UpsertRecordIfNewer stores rec unless the stored record has a later
	// UpdatedAt. Reports whether rec was written.
	UpsertRecordIfNewer(ctx context.Context, rec *Record) (bool, error)
}
