package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func TestFlow_Restore_PartialSuccess(t *testing.T) {
	remote := newFakeAPI()
	remote.setErr("tok-bad", &APIError{StatusCode: 400, Code: api.CodeVerificationFailed})
	f, _ := newTestFlow(t, remote, &fakeBilling{restored: []string{"tok-a", "tok-bad", "tok-b"}})

	report, err := f.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, report.PartialSuccess())
	require.Len(t, report.Results, 3)
	assert.Equal(t, "tok-bad", report.Results[1].Token)
	assert.ErrorIs(t, report.Err(), entitlement.ErrVerificationFailed)

	assert.Equal(t, StateReconciled, f.State())
	assert.Equal(t, "pro", f.Entitlement().Tier)
}

func TestFlow_Restore_AllRejected(t *testing.T) {
	remote := newFakeAPI()
	remote.setErr("tok-a", &APIError{StatusCode: 400, Code: api.CodeVerificationFailed})
	f, _ := newTestFlow(t, remote, &fakeBilling{restored: []string{"tok-a"}})

	report, err := f.Restore(context.Background())
	require.ErrorIs(t, err, entitlement.ErrVerificationFailed)
	assert.Equal(t, 0, report.Succeeded)
	assert.False(t, report.PartialSuccess())
	assert.Equal(t, StateRejected, f.State())
}

func TestFlow_Restore_RetryableWins(t *testing.T) {
	remote := newFakeAPI()
	remote.setErr("tok-a", &APIError{StatusCode: 400, Code: api.CodeVerificationFailed})
	remote.setErr("tok-b", &APIError{StatusCode: 503, Code: api.CodePersistenceFailed})
	f, _ := newTestFlow(t, remote, &fakeBilling{restored: []string{"tok-a", "tok-b"}})

	report, err := f.Restore(context.Background())
	require.Error(t, err)
	assert.True(t, report.Results[1].Retryable())
	assert.False(t, report.Results[0].Retryable())
	assert.Equal(t, StateRetryableSyncFailure, f.State())
}

func TestFlow_Restore_NothingToRestore(t *testing.T) {
	f, _ := newTestFlow(t, newFakeAPI(), &fakeBilling{})

	report, err := f.Restore(context.Background())
	require.ErrorIs(t, err, ErrNothingToRestore)
	assert.Empty(t, report.Results)
	assert.Equal(t, StateRejected, f.State())
}

func TestFlow_Restore_ListFailure(t *testing.T) {
	listErr := errors.New("store kit offline")
	f, _ := newTestFlow(t, newFakeAPI(), &fakeBilling{listErr: listErr})

	_, err := f.Restore(context.Background())
	require.ErrorIs(t, err, listErr)
	assert.Equal(t, StateIdle, f.State())
}

func TestFlow_Restore_FallsBackToVerifyAnswer(t *testing.T) {
	remote := newFakeAPI()
	remote.getErr = errors.New("read timeout")
	f, _ := newTestFlow(t, remote, &fakeBilling{restored: []string{"tok-a"}})

	_, err := f.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReconciled, f.State())
	require.NotNil(t, f.Entitlement())
	assert.Equal(t, "pro", f.Entitlement().Tier)
}

// slowAPI blocks Verify for one token until its context is done
type slowAPI struct {
	*fakeAPI
	slow string
}

func (s *slowAPI) Verify(ctx context.Context, userID, token string, env entitlement.Environment) (*api.EntitlementResponse, error) {
	if token == s.slow {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.fakeAPI.Verify(ctx, userID, token, env)
}

func TestFlow_Restore_PerTokenTimeout(t *testing.T) {
	remote := &slowAPI{fakeAPI: newFakeAPI(), slow: "tok-slow"}
	f, err := NewFlow(remote, &fakeBilling{restored: []string{"tok-slow", "tok-a"}}, Config{
		UserID:       uuid.NewString(),
		TokenTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	report, err := f.Restore(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, report.Results[0].Err, context.DeadlineExceeded)
	assert.NoError(t, report.Results[1].Err)
	assert.Equal(t, StateReconciled, f.State())
}

func TestFlow_Restore_AgainstServer(t *testing.T) {
	a := newTestAPI(t)
	userID := uuid.NewString()
	billing := &fakeBilling{restored: []string{
		a.token(t, entitlement.ProductProMonthly),
		"not-a-token",
		a.token(t, entitlement.ProductMaxYearly),
	}}
	f, err := NewFlow(a.client, billing, Config{UserID: userID, Environment: entitlement.EnvironmentSandbox})
	require.NoError(t, err)

	report, err := f.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, StateReconciled, f.State())

	got, err := a.client.GetEntitlement(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, got, f.Entitlement())
	assert.True(t, got.IsPro)
}

func TestFlow_Restore_RetrySyncResubmitsRetryableTokens(t *testing.T) {
	remote := newFakeAPI()
	remote.setErr("tok-a", &APIError{StatusCode: 503, Code: api.CodePersistenceFailed})
	remote.setErr("tok-b", &APIError{StatusCode: 400, Code: api.CodeVerificationFailed})
	f, _ := newTestFlow(t, remote, &fakeBilling{restored: []string{"tok-a", "tok-b"}})

	report, err := f.Restore(context.Background())
	require.ErrorIs(t, err, entitlement.ErrPersistenceFailed)
	assert.Equal(t, []string{"tok-a"}, report.RetryableTokens())
	assert.Equal(t, StateRetryableSyncFailure, f.State())
	assert.Empty(t, f.PendingToken())

	// still failing: the flow stays retryable and keeps the token
	_, err = f.RetrySync(context.Background())
	require.ErrorIs(t, err, entitlement.ErrPersistenceFailed)
	assert.Equal(t, StateRetryableSyncFailure, f.State())

	remote.setErr("tok-a", nil)
	ent, err := f.RetrySync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pro", ent.Tier)
	assert.Equal(t, StateReconciled, f.State())

	remote.mu.Lock()
	calls := append([]string(nil), remote.calls...)
	remote.mu.Unlock()
	assert.NotContains(t, calls, "")
	assert.ElementsMatch(t, []string{"tok-a", "tok-b", "tok-a", "tok-a"}, calls)
}

func TestFlow_RetrySync_NothingPending(t *testing.T) {
	remote := newFakeAPI()
	f, _ := newTestFlow(t, remote, &fakeBilling{})

	_, err := f.RetrySync(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateIdle, f.State())
	assert.Empty(t, remote.calls)
}
