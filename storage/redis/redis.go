// Package redis provides a Redis implementation of the entitlement.Storage interface.
// The record and its subscription-status mirror are written by one Lua script,
// so both keys change together.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goentitle:")
	KeyPrefix string

	// RecordTTL is the TTL for record and status keys (0 = no expiration)
	RecordTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "goentitle:",
		RecordTTL: 0,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "goentitle:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	s.scripts["upsert"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local statusKey = KEYS[2]
		local record = ARGV[1]
		local status = ARGV[2]
		local ttl = tonumber(ARGV[3])

		if ttl > 0 then
			redis.call('SET', recordKey, record, 'EX', ttl)
			redis.call('SET', statusKey, status, 'EX', ttl)
		else
			redis.call('SET', recordKey, record)
			redis.call('SET', statusKey, status)
		end
		return 'ok'
	`)

	// version is a zero-padded decimal, so string order is time order.
	s.scripts["upsert_if_newer"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local statusKey = KEYS[2]
		local record = ARGV[1]
		local status = ARGV[2]
		local ttl = tonumber(ARGV[3])
		local version = ARGV[4]

		local current = redis.call('GET', recordKey)
		if current then
			local ok, decoded = pcall(cjson.decode, current)
			if ok and type(decoded) == 'table' and type(decoded.version) == 'string' and decoded.version > version then
				return 0
			end
		end

		if ttl > 0 then
			redis.call('SET', recordKey, record, 'EX', ttl)
			redis.call('SET', statusKey, status, 'EX', ttl)
		else
			redis.call('SET', recordKey, record)
			redis.call('SET', statusKey, status)
		end
		return 1
	`)
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// recordVersion orders records by UpdatedAt
func recordVersion(t time.Time) string {
	if t.IsZero() {
		return fmt.Sprintf("%020d", 0)
	}
	return fmt.Sprintf("%020d", t.UnixNano())
}

// storedRecord is the JSON layout of a record key
type storedRecord struct {
	UserID                string     `json:"userId"`
	Tier                  string     `json:"tier"`
	IsPro                 bool       `json:"isPro"`
	ExpiresAt             *time.Time `json:"expiresAt,omitempty"`
	OriginalTransactionID string     `json:"originalTransactionId,omitempty"`
	ProductID             string     `json:"productId,omitempty"`
	Environment           string     `json:"environment,omitempty"`
	UpdatedAt             time.Time  `json:"updatedAt"`
	SignedAt              *time.Time `json:"signedAt,omitempty"`
	Version               string     `json:"version"`
}

// storedStatus is the JSON layout of a status key
type storedStatus struct {
	UserID    string     `json:"userId"`
	Tier      string     `json:"tier"`
	IsPro     bool       `json:"isPro"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// GetRecord implements entitlement.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*entitlement.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode entitlement: %w", err)
	}
	var signedAt time.Time
	if stored.SignedAt != nil {
		signedAt = *stored.SignedAt
	}

	return &entitlement.Record{
		UserID:                stored.UserID,
		Tier:                  entitlement.PlanTier(stored.Tier),
		IsPro:                 stored.IsPro,
		ExpiresAt:             stored.ExpiresAt,
		OriginalTransactionID: stored.OriginalTransactionID,
		ProductID:             stored.ProductID,
		Environment:           entitlement.Environment(stored.Environment),
		UpdatedAt:             stored.UpdatedAt,
		SignedAt:              signedAt,
	}, nil
}

// UpsertRecord implements entitlement.Storage
func (s *Storage) UpsertRecord(ctx context.Context, rec *entitlement.Record) error {
	if _, err := s.runUpsert(ctx, "upsert", rec); err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// UpsertRecordIfNewer implements entitlement.ConditionalWriter.
// The version check and both writes run in one script.
func (s *Storage) UpsertRecordIfNewer(ctx context.Context, rec *entitlement.Record) (bool, error) {
	written, err := s.runUpsert(ctx, "upsert_if_newer", rec)
	if err != nil {
		return false, fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return written, nil
}

func (s *Storage) runUpsert(ctx context.Context, script string, rec *entitlement.Record) (bool, error) {
	if rec == nil || rec.UserID == "" {
		return false, fmt.Errorf("%w: missing user id", entitlement.ErrInvalidRecord)
	}

	version := recordVersion(rec.UpdatedAt)
	recordData, err := json.Marshal(storedRecord{
		UserID:                rec.UserID,
		Tier:                  string(rec.Tier),
		IsPro:                 rec.IsPro,
		ExpiresAt:             rec.ExpiresAt,
		OriginalTransactionID: rec.OriginalTransactionID,
		ProductID:             rec.ProductID,
		Environment:           string(rec.Environment),
		UpdatedAt:             rec.UpdatedAt,
		SignedAt:              nonZero(rec.SignedAt),
		Version:               version,
	})
	if err != nil {
		return false, fmt.Errorf("encode entitlement: %w", err)
	}

	status := entitlement.StatusOf(rec)
	statusData, err := json.Marshal(storedStatus{
		UserID:    status.UserID,
		Tier:      string(status.Tier),
		IsPro:     status.IsPro,
		ExpiresAt: status.ExpiresAt,
		UpdatedAt: status.UpdatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("encode subscription status: %w", err)
	}

	ttl := int64(s.config.RecordTTL / time.Second)
	keys := []string{s.recordKey(rec.UserID), s.statusKey(rec.UserID)}
	res, err := s.scripts[script].Run(ctx, s.client, keys, recordData, statusData, ttl, version).Result()
	if err != nil {
		return false, err
	}
	written, ok := res.(int64)
	return !ok || written == 1, nil
}

// GetStatus implements entitlement.StatusReader
func (s *Storage) GetStatus(ctx context.Context, userID string) (*entitlement.SubscriptionStatus, error) {
	data, err := s.client.Get(ctx, s.statusKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription status: %w", err)
	}

	var stored storedStatus
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode subscription status: %w", err)
	}

	return &entitlement.SubscriptionStatus{
		UserID:    stored.UserID,
		Tier:      entitlement.PlanTier(stored.Tier),
		IsPro:     stored.IsPro,
		ExpiresAt: stored.ExpiresAt,
		UpdatedAt: stored.UpdatedAt,
	}, nil
}

// Helper functions for key generation

// recordKey and statusKey share the {userID} hash tag so both land on the
// same cluster slot.
func (s *Storage) recordKey(userID string) string {
	return fmt.Sprintf("%sentitlement:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) statusKey(userID string) string {
	return fmt.Sprintf("%sstatus:{%s}", s.config.KeyPrefix, userID)
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
