package firestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// newTestStorage uses unique collection names for each test run
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	suffix := time.Now().UnixNano()
	storage, err := New(setupFirestoreClient(t), Config{
		EntitlementsCollection: fmt.Sprintf("test_entitlements_%d", suffix),
		StatusCollection:       fmt.Sprintf("test_status_%d", suffix),
	})
	require.NoError(t, err)
	return storage
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
}

func TestStorage_GetUpsertRecord(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	userID := uuid.NewString()

	_, err := storage.GetRecord(ctx, userID)
	require.ErrorIs(t, err, entitlement.ErrRecordNotFound)

	exp := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	rec := &entitlement.Record{
		UserID:                userID,
		Tier:                  entitlement.TierPro,
		IsPro:                 true,
		ExpiresAt:             &exp,
		OriginalTransactionID: "2000000000000001",
		ProductID:             entitlement.ProductProMonthly,
		Environment:           entitlement.EnvironmentSandbox,
		UpdatedAt:             time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		SignedAt:              time.Date(2026, 3, 10, 11, 59, 0, 0, time.UTC),
	}
	require.NoError(t, storage.UpsertRecord(ctx, rec))

	got, err := storage.GetRecord(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	mirror, err := storage.GetStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusOf(rec), *mirror)

	// downgrade clears the expiry in both documents
	free := &entitlement.Record{UserID: userID, Tier: entitlement.TierFree, UpdatedAt: rec.UpdatedAt.Add(time.Hour)}
	require.NoError(t, storage.UpsertRecord(ctx, free))

	got, err = storage.GetRecord(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, got.ExpiresAt)
	assert.Empty(t, got.ProductID)

	mirror, err = storage.GetStatus(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, mirror.ExpiresAt)
	assert.False(t, mirror.IsPro)
}

func TestStorage_ConcurrentUpserts(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	userID := uuid.NewString()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, storage.UpsertRecord(ctx, &entitlement.Record{
				UserID:    userID,
				Tier:      entitlement.TierMax,
				IsPro:     true,
				UpdatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}(i)
	}
	wg.Wait()

	rec, err := storage.GetRecord(ctx, userID)
	require.NoError(t, err)
	mirror, err := storage.GetStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, rec.UpdatedAt, mirror.UpdatedAt)
}

func TestStorage_InvalidRecord(t *testing.T) {
	storage := &Storage{}

	require.ErrorIs(t, storage.UpsertRecord(context.Background(), nil), entitlement.ErrInvalidRecord)
	require.ErrorIs(t, storage.UpsertRecord(context.Background(), &entitlement.Record{}), entitlement.ErrInvalidRecord)
}
