package entitlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/memory"
)

// fakeVerifier resolves tokens from a fixed table
type fakeVerifier struct {
	mu      sync.Mutex
	results map[string]*entitlement.VerificationResult
	calls   int
}

func (v *fakeVerifier) Verify(_ context.Context, token string, _ entitlement.Environment) (*entitlement.VerificationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++

	res, ok := v.results[token]
	if !ok {
		return nil, fmt.Errorf("%w: bad signature", entitlement.ErrVerificationFailed)
	}
	resCopy := *res
	return &resCopy, nil
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{results: map[string]*entitlement.VerificationResult{
		"token-pro": {
			ProductID:             entitlement.ProductProMonthly,
			OriginalTransactionID: "1000",
			TransactionID:         "1001",
			Tier:                  entitlement.TierPro,
			ExpiresAt:             timePtr(testNow.Add(30 * 24 * time.Hour)),
			Environment:           entitlement.EnvironmentSandbox,
		},
		"token-max": {
			ProductID:             entitlement.ProductMaxYearly,
			OriginalTransactionID: "2000",
			TransactionID:         "2001",
			Tier:                  entitlement.TierMax,
			ExpiresAt:             timePtr(testNow.Add(365 * 24 * time.Hour)),
			Environment:           entitlement.EnvironmentProduction,
		},
		"token-expired": {
			ProductID:             entitlement.ProductProMonthly,
			OriginalTransactionID: "3000",
			TransactionID:         "3005",
			Tier:                  entitlement.TierPro,
			ExpiresAt:             timePtr(testNow.Add(-time.Hour)),
			Environment:           entitlement.EnvironmentProduction,
		},
		"token-revoked": {
			ProductID:             entitlement.ProductMaxYearly,
			OriginalTransactionID: "4000",
			TransactionID:         "4001",
			Tier:                  entitlement.TierMax,
			ExpiresAt:             timePtr(testNow.Add(time.Hour)),
			Environment:           entitlement.EnvironmentProduction,
			RevokedAt:             timePtr(testNow.Add(-time.Minute)),
		},
	}}
}

func newTestReconciler(t *testing.T, storage entitlement.Storage) (*entitlement.Reconciler, *entitlement.Store, *fakeVerifier) {
	t.Helper()
	store := newTestStore(t, storage, false)
	verifier := newFakeVerifier()
	r, err := entitlement.NewReconciler(verifier, store, &entitlement.ReconcilerConfig{
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return r, store, verifier
}

func TestReconciler_Reconcile(t *testing.T) {
	r, store, _ := newTestReconciler(t, memory.New())
	ctx := context.Background()

	rec, err := r.Reconcile(ctx, "u1", "token-pro", entitlement.EnvironmentProduction)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPro, rec.Tier)
	assert.True(t, rec.IsPro)
	assert.Equal(t, "1000", rec.OriginalTransactionID)
	assert.Equal(t, entitlement.ProductProMonthly, rec.ProductID)
	assert.Equal(t, entitlement.EnvironmentSandbox, rec.Environment)

	stored, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
}

func TestReconciler_Idempotent(t *testing.T) {
	r, store, _ := newTestReconciler(t, memory.New())
	ctx := context.Background()

	first, err := r.Reconcile(ctx, "u1", "token-max", "")
	require.NoError(t, err)
	second, err := r.Reconcile(ctx, "u1", "token-max", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first, stored)
}

func TestReconciler_ConcurrentSameToken(t *testing.T) {
	r, store, _ := newTestReconciler(t, memory.New())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reconcile(ctx, "u1", "token-pro", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPro, rec.Tier)
	assert.Equal(t, "1000", rec.OriginalTransactionID)
}

func TestReconciler_LastWriteWins(t *testing.T) {
	r, store, _ := newTestReconciler(t, memory.New())
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "u1", "token-pro", "")
	require.NoError(t, err)
	rec, err := r.Reconcile(ctx, "u1", "token-max", "")
	require.NoError(t, err)

	assert.Equal(t, entitlement.TierMax, rec.Tier)
	assert.Equal(t, entitlement.ProductMaxYearly, rec.ProductID)
	assert.Equal(t, "2000", rec.OriginalTransactionID)

	stored, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.ProductMaxYearly, stored.ProductID)
}

func TestReconciler_VerificationFailed(t *testing.T) {
	backend := newFlakyStorage()
	r, store, _ := newTestReconciler(t, backend)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "u1", "forged", "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
	assert.NotErrorIs(t, err, entitlement.ErrPersistenceFailed)
	assert.Equal(t, 0, backend.writes)

	rec, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, rec.IsPro)
}

func TestReconciler_PersistenceFailedThenRetry(t *testing.T) {
	backend := newFlakyStorage()
	r, _, verifier := newTestReconciler(t, backend)
	ctx := context.Background()

	backend.setFailures(true, true)
	_, err := r.Reconcile(ctx, "u1", "token-pro", entitlement.EnvironmentSandbox)
	assert.ErrorIs(t, err, entitlement.ErrPersistenceFailed)
	assert.NotErrorIs(t, err, entitlement.ErrVerificationFailed)
	assert.Equal(t, 1, verifier.calls)

	backend.setFailures(false, false)
	rec, err := r.Reconcile(ctx, "u1", "token-pro", entitlement.EnvironmentSandbox)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPro, rec.Tier)
	assert.True(t, rec.IsPro)
}

func TestReconciler_ExpiredTransaction(t *testing.T) {
	r, store, _ := newTestReconciler(t, memory.New())
	ctx := context.Background()

	rec, err := r.Reconcile(ctx, "u1", "token-expired", "")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, rec.Tier)
	assert.False(t, rec.IsPro)

	stored, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, stored.IsPro)
}

func TestReconciler_RevokedTransaction(t *testing.T) {
	r, _, _ := newTestReconciler(t, memory.New())
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "u1", "token-max", "")
	require.NoError(t, err)

	rec, err := r.Reconcile(ctx, "u1", "token-revoked", "")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, rec.Tier)
	assert.False(t, rec.IsPro)
	assert.Equal(t, "4000", rec.OriginalTransactionID)
}

func TestReconciler_BadRequest(t *testing.T) {
	r, _, verifier := newTestReconciler(t, memory.New())

	_, err := r.Reconcile(context.Background(), "", "token-pro", "")
	assert.ErrorIs(t, err, entitlement.ErrBadRequest)
	_, err = r.Reconcile(context.Background(), "u1", "", "")
	assert.ErrorIs(t, err, entitlement.ErrBadRequest)
	assert.Equal(t, 0, verifier.calls)
}

type plainErrVerifier struct{}

func (plainErrVerifier) Verify(context.Context, string, entitlement.Environment) (*entitlement.VerificationResult, error) {
	return nil, errors.New("boom")
}

func TestReconciler_WrapsForeignVerifierErrors(t *testing.T) {
	store := newTestStore(t, memory.New(), false)
	r, err := entitlement.NewReconciler(plainErrVerifier{}, store, nil)
	require.NoError(t, err)

	_, err = r.Reconcile(context.Background(), "u1", "tok", "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
}

func TestNewReconciler_RequiresCollaborators(t *testing.T) {
	store := newTestStore(t, memory.New(), false)

	_, err := entitlement.NewReconciler(nil, store, nil)
	assert.ErrorIs(t, err, entitlement.ErrConfiguration)
	_, err = entitlement.NewReconciler(newFakeVerifier(), nil, nil)
	assert.ErrorIs(t, err, entitlement.ErrConfiguration)
}

func TestReconciler_ApplyIfNewer(t *testing.T) {
	r, store, _ := newTestReconciler(t, memory.New())
	ctx := context.Background()

	revoked := &entitlement.VerificationResult{
		ProductID:             entitlement.ProductProMonthly,
		OriginalTransactionID: "5000",
		TransactionID:         "5002",
		Tier:                  entitlement.TierPro,
		ExpiresAt:             timePtr(testNow.Add(time.Hour)),
		Environment:           entitlement.EnvironmentProduction,
		RevokedAt:             timePtr(testNow.Add(-time.Minute)),
		SignedAt:              testNow,
	}
	rec, applied, err := r.ApplyIfNewer(ctx, "u1", revoked)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, entitlement.TierFree, rec.Tier)
	assert.Equal(t, testNow, rec.SignedAt)

	older := *revoked
	older.TransactionID = "5001"
	older.RevokedAt = nil
	older.SignedAt = testNow.Add(-time.Hour)
	rec, applied, err = r.ApplyIfNewer(ctx, "u1", &older)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, entitlement.TierFree, rec.Tier)

	stored, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, stored.Tier)
	assert.False(t, stored.IsPro)

	// redelivery of the same payload is applied again
	_, applied, err = r.ApplyIfNewer(ctx, "u1", revoked)
	require.NoError(t, err)
	assert.True(t, applied)

	newer := older
	newer.SignedAt = testNow.Add(time.Minute)
	rec, applied, err = r.ApplyIfNewer(ctx, "u1", &newer)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, entitlement.TierPro, rec.Tier)
}

func TestReconciler_ApplyIfNewer_ReadFailure(t *testing.T) {
	backend := newFlakyStorage()
	r, _, _ := newTestReconciler(t, backend)
	backend.setFailures(true, false)

	_, applied, err := r.ApplyIfNewer(context.Background(), "u1", &entitlement.VerificationResult{
		Tier:     entitlement.TierPro,
		SignedAt: testNow,
	})
	require.ErrorIs(t, err, entitlement.ErrPersistenceFailed)
	assert.False(t, applied)
	assert.Equal(t, 0, backend.writes)
}
