// Package firestore provides a Firestore implementation of the entitlement.Storage interface.
// The record and its subscription-status mirror are written in one Firestore transaction.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	entitlementsCollection string
	statusCollection       string
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitlementsCollection is the Firestore collection for user entitlements
	// Default: "entitlements"
	EntitlementsCollection string

	// StatusCollection is the Firestore collection for the subscription-status mirror
	// Default: "subscription_status"
	StatusCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "entitlements"
	}
	if config.StatusCollection == "" {
		config.StatusCollection = "subscription_status"
	}

	return &Storage{
		client:                 client,
		entitlementsCollection: config.EntitlementsCollection,
		statusCollection:       config.StatusCollection,
	}, nil
}

// GetRecord implements entitlement.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*entitlement.Record, error) {
	data, err := s.get(ctx, s.client.Collection(s.entitlementsCollection).Doc(userID))
	if err != nil {
		return nil, err
	}

	return &entitlement.Record{
		UserID:                userID,
		Tier:                  entitlement.PlanTier(getString(data, "tier")),
		IsPro:                 getBool(data, "isPro"),
		ExpiresAt:             getTimePtr(data, "expiresAt"),
		OriginalTransactionID: getString(data, "originalTransactionId"),
		ProductID:             getString(data, "productId"),
		Environment:           entitlement.Environment(getString(data, "environment")),
		UpdatedAt:             getTime(data, "updatedAt"),
		SignedAt:              getTime(data, "signedAt"),
	}, nil
}

// UpsertRecord implements entitlement.Storage.
// Documents are replaced, not merged, so a cleared expiry does not linger.
func (s *Storage) UpsertRecord(ctx context.Context, rec *entitlement.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("%w: missing user id", entitlement.ErrInvalidRecord)
	}

	recordDoc := s.client.Collection(s.entitlementsCollection).Doc(rec.UserID)
	statusDoc := s.client.Collection(s.statusCollection).Doc(rec.UserID)
	mirror := entitlement.StatusOf(rec)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if err := tx.Set(recordDoc, map[string]interface{}{
			"tier":                  string(rec.Tier),
			"isPro":                 rec.IsPro,
			"expiresAt":             timeOrNil(rec.ExpiresAt),
			"originalTransactionId": rec.OriginalTransactionID,
			"productId":             rec.ProductID,
			"environment":           string(rec.Environment),
			"updatedAt":             rec.UpdatedAt,
			"signedAt":              timeOrNil(nonZero(rec.SignedAt)),
		}); err != nil {
			return err
		}

		return tx.Set(statusDoc, map[string]interface{}{
			"tier":      string(mirror.Tier),
			"isPro":     mirror.IsPro,
			"expiresAt": timeOrNil(mirror.ExpiresAt),
			"updatedAt": mirror.UpdatedAt,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// GetStatus implements entitlement.StatusReader
func (s *Storage) GetStatus(ctx context.Context, userID string) (*entitlement.SubscriptionStatus, error) {
	data, err := s.get(ctx, s.client.Collection(s.statusCollection).Doc(userID))
	if err != nil {
		return nil, err
	}

	return &entitlement.SubscriptionStatus{
		UserID:    userID,
		Tier:      entitlement.PlanTier(getString(data, "tier")),
		IsPro:     getBool(data, "isPro"),
		ExpiresAt: getTimePtr(data, "expiresAt"),
		UpdatedAt: getTime(data, "updatedAt"),
	}, nil
}

func (s *Storage) get(ctx context.Context, doc *firestore.DocumentRef) (map[string]interface{}, error) {
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", doc.Path, err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrRecordNotFound
	}
	return snap.Data(), nil
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		t := v.UTC()
		return &t
	}
	return nil
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
