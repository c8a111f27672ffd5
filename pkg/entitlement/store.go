package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store owns the per-user entitlement record.
//
// It is the only component that derives IsPro, and it applies lazy expiry on
// every read.
type Store struct {
	storage  Storage
	cache    Cache
	cacheTTL time.Duration
	metrics  Metrics
	logger   Logger
	now      func() time.Time
}

// NewStore creates a new entitlement store over storage
func NewStore(storage Storage, config *StoreConfig) (*Store, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrConfiguration)
	}
	if config == nil {
		config = &StoreConfig{}
	}

	s := &Store{
		storage: storage,
		cache:   NewNoopCache(),
		metrics: config.Metrics,
		logger:  config.Logger,
		now:     config.Now,
	}
	if s.metrics == nil {
		s.metrics = &NoopMetrics{}
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	if s.now == nil {
		s.now = time.Now
	}

	if cc := config.CacheConfig; cc != nil && cc.Enabled {
		s.cacheTTL = cc.TTL
		if s.cacheTTL <= 0 {
			s.cacheTTL = 5 * time.Minute
		}
		lru := NewLRUCache(cc.MaxRecords)
		lru.now = s.now
		s.cache = lru
	}

	return s, nil
}

// FreeRecord returns the synthesized record of a user with no paid entitlement
func FreeRecord(userID string) Record {
	return Record{UserID: userID, Tier: TierFree}
}

// Get returns the user's effective entitlement.
//
// Users without a stored row get a free record. A stored record whose expiry
// has passed is downgraded to free and the downgrade is persisted. When the
// backend fails, the last-known-good cached record is served instead.
func (s *Store) Get(ctx context.Context, userID string) (Record, error) {
	start := time.Now()
	rec, err := s.storage.GetRecord(ctx, userID)
	s.metrics.RecordStorageOperation("get_record", time.Since(start), ignoreNotFound(err))

	switch {
	case errors.Is(err, ErrRecordNotFound):
		return FreeRecord(userID), nil
	case err != nil:
		cached, ok := s.cache.Get(userID)
		if !ok {
			s.metrics.RecordCacheMiss("record")
			return Record{}, fmt.Errorf("%w: get %s: %v", ErrPersistenceFailed, userID, err)
		}
		s.metrics.RecordCacheHit("record")
		s.logger.Warn("serving last-known-good entitlement",
			Field{"user_id", userID},
			Field{"error", err.Error()},
		)
		return s.effective(*cached), nil
	case rec == nil:
		return FreeRecord(userID), nil
	}

	if rec.Tier.Paid() && rec.Expired(s.now()) {
		downgraded, expErr := s.expire(ctx, rec)
		if expErr != nil {
			s.logger.Error("failed to persist expiry downgrade",
				Field{"user_id", userID},
				Field{"error", expErr.Error()},
			)
			return s.effective(*rec), nil
		}
		return downgraded, nil
	}

	s.cache.Set(rec, s.cacheTTL)
	return s.effective(*rec), nil
}

// Upsert writes the user's record from u, last write wins.
// IsPro and UpdatedAt are always derived here.
func (s *Store) Upsert(ctx context.Context, userID string, u Update) (Record, error) {
	if userID == "" {
		return Record{}, fmt.Errorf("%w: empty user id", ErrBadRequest)
	}
	if !u.Tier.Valid() {
		return Record{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidRecord, u.Tier)
	}

	rec := &Record{
		UserID:                userID,
		Tier:                  u.Tier,
		IsPro:                 u.Tier != TierFree,
		ExpiresAt:             u.ExpiresAt,
		OriginalTransactionID: u.OriginalTransactionID,
		ProductID:             u.ProductID,
		Environment:           u.Environment,
		UpdatedAt:             s.now().UTC(),
		SignedAt:              u.SignedAt.UTC(),
	}
	if err := s.write(ctx, rec); err != nil {
		return Record{}, err
	}
	return *rec, nil
}

func (s *Store) expire(ctx context.Context, rec *Record) (Record, error) {
	from := rec.Tier
	downgraded := *rec
	downgraded.Tier = TierFree
	downgraded.IsPro = false
	downgraded.UpdatedAt = s.now().UTC()

	if err := s.write(ctx, &downgraded); err != nil {
		return Record{}, err
	}

	s.metrics.RecordExpiry(string(from))
	s.metrics.RecordTierChange(string(from), string(TierFree))
	s.logger.Info("entitlement expired",
		Field{"user_id", rec.UserID},
		Field{"from_tier", string(from)},
	)
	return downgraded, nil
}

func (s *Store) write(ctx context.Context, rec *Record) error {
	start := time.Now()
	err := s.storage.UpsertRecord(ctx, rec)
	s.metrics.RecordStorageOperation("upsert_record", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", ErrPersistenceFailed, rec.UserID, err)
	}
	s.cache.Set(rec, s.cacheTTL)
	return nil
}

// effective applies lazy expiry to rec without persisting it
func (s *Store) effective(rec Record) Record {
	if rec.Tier.Paid() && rec.Expired(s.now()) {
		rec.Tier = TierFree
		rec.IsPro = false
	}
	return rec
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	return err
}
