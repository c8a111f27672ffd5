// Package postgres provides a PostgreSQL implementation of the entitlement.Storage interface.
// The record and its subscription-status mirror are written in one SQL transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema migrations on New
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		if err := Migrate(pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetRecord implements entitlement.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*entitlement.Record, error) {
	// Non-UUID ids cannot match the uuid primary key.
	if !entitlement.ValidUserID(userID) {
		return nil, entitlement.ErrRecordNotFound
	}

	var rec entitlement.Record
	var tier, env string
	var signedAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT user_id::text, tier, is_pro, expires_at, original_transaction_id,
				product_id, environment, updated_at, signed_at
			FROM entitlements WHERE user_id = $1`,
		userID).Scan(
		&rec.UserID,
		&tier,
		&rec.IsPro,
		&rec.ExpiresAt,
		&rec.OriginalTransactionID,
		&rec.ProductID,
		&env,
		&rec.UpdatedAt,
		&signedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	rec.Tier = entitlement.PlanTier(tier)
	rec.Environment = entitlement.Environment(env)
	if signedAt != nil {
		rec.SignedAt = signedAt.UTC()
	}
	normalize(&rec.UpdatedAt, rec.ExpiresAt)
	return &rec, nil
}

// UpsertRecord implements entitlement.Storage.
// Both tables are written in one transaction so the mirror never diverges.
func (s *Storage) UpsertRecord(ctx context.Context, rec *entitlement.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("%w: missing user id", entitlement.ErrInvalidRecord)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO entitlements
				(user_id, tier, is_pro, expires_at, original_transaction_id, product_id, environment, updated_at, signed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				is_pro = EXCLUDED.is_pro,
				expires_at = EXCLUDED.expires_at,
				original_transaction_id = EXCLUDED.original_transaction_id,
				product_id = EXCLUDED.product_id,
				environment = EXCLUDED.environment,
				updated_at = EXCLUDED.updated_at,
				signed_at = EXCLUDED.signed_at`,
		rec.UserID, string(rec.Tier), rec.IsPro, rec.ExpiresAt, rec.OriginalTransactionID,
		rec.ProductID, string(rec.Environment), rec.UpdatedAt, nonZero(rec.SignedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}

	status := entitlement.StatusOf(rec)
	_, err = tx.Exec(ctx,
		`INSERT INTO subscription_status (user_id, tier, is_pro, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				is_pro = EXCLUDED.is_pro,
				expires_at = EXCLUDED.expires_at,
				updated_at = EXCLUDED.updated_at`,
		status.UserID, string(status.Tier), status.IsPro, status.ExpiresAt, status.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit entitlement: %w", err)
	}
	return nil
}

// GetStatus implements entitlement.StatusReader
func (s *Storage) GetStatus(ctx context.Context, userID string) (*entitlement.SubscriptionStatus, error) {
	if !entitlement.ValidUserID(userID) {
		return nil, entitlement.ErrRecordNotFound
	}

	var status entitlement.SubscriptionStatus
	var tier string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id::text, tier, is_pro, expires_at, updated_at
			FROM subscription_status WHERE user_id = $1`,
		userID).Scan(&status.UserID, &tier, &status.IsPro, &status.ExpiresAt, &status.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription status: %w", err)
	}

	status.Tier = entitlement.PlanTier(tier)
	normalize(&status.UpdatedAt, status.ExpiresAt)
	return &status, nil
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// normalize converts scanned timestamps to UTC
func normalize(updatedAt *time.Time, expiresAt *time.Time) {
	*updatedAt = updatedAt.UTC()
	if expiresAt != nil {
		*expiresAt = expiresAt.UTC()
	}
}
