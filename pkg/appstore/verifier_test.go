package appstore_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/appstore"
	"github.com/mihaimyh/goentitle/pkg/appstore/appstoretest"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

type testEnv struct {
	sandbox    *appstoretest.Signer
	production *appstoretest.Signer
	verifier   *appstore.Verifier
}

func splitToken(t *testing.T, token string) []string {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	return parts
}

func newTestEnv(t *testing.T, mutate ...func(*appstore.Config)) *testEnv {
	t.Helper()
	e := &testEnv{
		sandbox:    appstoretest.NewSigner(t),
		production: appstoretest.NewSigner(t),
	}
	config := &appstore.Config{
		Anchors: map[entitlement.Environment]appstore.AnchorStore{
			entitlement.EnvironmentSandbox:    e.sandbox.Anchors(),
			entitlement.EnvironmentProduction: e.production.Anchors(),
		},
		BundleID: appstoretest.BundleID,
	}
	for _, m := range mutate {
		m(config)
	}
	e.verifier = appstore.NewVerifier(config)
	return e
}

func TestVerifier_Verify(t *testing.T) {
	e := newTestEnv(t)
	claims := appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductMaxYearly)
	token := e.production.Sign(t, claims)

	res, err := e.verifier.Verify(context.Background(), token, entitlement.EnvironmentProduction)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierMax, res.Tier)
	assert.Equal(t, entitlement.ProductMaxYearly, res.ProductID)
	assert.Equal(t, claims.OriginalTransactionID, res.OriginalTransactionID)
	assert.Equal(t, claims.TransactionID, res.TransactionID)
	assert.Equal(t, entitlement.EnvironmentProduction, res.Environment)
	assert.Equal(t, claims.AppAccountToken, res.AppAccountToken)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, *claims.ExpiresDate, res.ExpiresAt.UnixMilli())
	assert.Equal(t, claims.SignedDate, res.SignedAt.UnixMilli())
	assert.Nil(t, res.RevokedAt)
}

func TestVerifier_SandboxFallback(t *testing.T) {
	e := newTestEnv(t)
	token := e.sandbox.Sign(t, appstoretest.Transaction(entitlement.EnvironmentSandbox, entitlement.ProductProMonthly))

	for _, hint := range []entitlement.Environment{entitlement.EnvironmentProduction, entitlement.EnvironmentSandbox, ""} {
		res, err := e.verifier.Verify(context.Background(), token, hint)
		require.NoError(t, err, "hint %q", hint)
		assert.Equal(t, entitlement.EnvironmentSandbox, res.Environment)
		assert.Equal(t, entitlement.TierPro, res.Tier)
	}
}

func TestVerifier_SharedRootUsesPayloadEnvironment(t *testing.T) {
	signer := appstoretest.NewSigner(t)
	verifier := appstore.NewVerifier(&appstore.Config{
		Anchors: map[entitlement.Environment]appstore.AnchorStore{
			entitlement.EnvironmentSandbox:    signer.Anchors(),
			entitlement.EnvironmentProduction: signer.Anchors(),
		},
	})
	token := signer.Sign(t, appstoretest.Transaction(entitlement.EnvironmentSandbox, entitlement.ProductProMonthly))

	res, err := verifier.Verify(context.Background(), token, entitlement.EnvironmentProduction)
	require.NoError(t, err)
	assert.Equal(t, entitlement.EnvironmentSandbox, res.Environment)
}

func TestVerifier_UnknownProductFailsClosed(t *testing.T) {
	e := newTestEnv(t)
	token := e.production.Sign(t, appstoretest.Transaction(entitlement.EnvironmentProduction, "com.photoapp.lifetime"))

	res, err := e.verifier.Verify(context.Background(), token, entitlement.EnvironmentProduction)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
	assert.ErrorIs(t, err, entitlement.ErrUnknownProduct)
}

func TestVerifier_UntrustedChain(t *testing.T) {
	e := newTestEnv(t)
	rogue := appstoretest.NewSigner(t)
	token := rogue.Sign(t, appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly))

	_, err := e.verifier.Verify(context.Background(), token, "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
	assert.NotErrorIs(t, err, entitlement.ErrConfiguration)
}

func TestVerifier_BorrowedChainWrongKey(t *testing.T) {
	e := newTestEnv(t)
	rogue := appstoretest.NewSigner(t)
	claims := appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly)
	token := rogue.SignWithChain(t, claims, e.production.Leaf, e.production.Intermediate, e.production.Root)

	_, err := e.verifier.Verify(context.Background(), token, entitlement.EnvironmentProduction)
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
}

func TestVerifier_TamperedPayload(t *testing.T) {
	e := newTestEnv(t)
	token := e.production.Sign(t, appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly))
	other := e.production.Sign(t, appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductMaxYearly))

	// Splice the max payload into the pro signature
	parts := splitToken(t, token)
	otherParts := splitToken(t, other)
	forged := parts[0] + "." + otherParts[1] + "." + parts[2]

	_, err := e.verifier.Verify(context.Background(), forged, entitlement.EnvironmentProduction)
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
}

func TestVerifier_RejectsOtherAlgorithms(t *testing.T) {
	e := newTestEnv(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256,
		appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly))
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = e.verifier.Verify(context.Background(), signed, "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)

	_, err = e.verifier.Verify(context.Background(), "not-a-jws", "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
}

func TestVerifier_MissingChain(t *testing.T) {
	e := newTestEnv(t)
	token := e.production.SignWithChain(t, appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly))

	_, err := e.verifier.Verify(context.Background(), token, "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
}

func TestVerifier_AnchorsUnavailable(t *testing.T) {
	verifier := appstore.NewVerifier(&appstore.Config{
		Anchors: map[entitlement.Environment]appstore.AnchorStore{
			entitlement.EnvironmentSandbox: appstore.NewStaticAnchorStore(),
		},
	})
	signer := appstoretest.NewSigner(t)
	token := signer.Sign(t, appstoretest.Transaction(entitlement.EnvironmentSandbox, entitlement.ProductProMonthly))

	_, err := verifier.Verify(context.Background(), token, entitlement.EnvironmentSandbox)
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
	assert.ErrorIs(t, err, entitlement.ErrConfiguration)
	assert.ErrorIs(t, err, appstore.ErrAnchorsUnavailable)
}

func TestVerifier_MissingAnchorsDoNotMaskRealFailure(t *testing.T) {
	production := appstoretest.NewSigner(t)
	verifier := appstore.NewVerifier(&appstore.Config{
		Anchors: map[entitlement.Environment]appstore.AnchorStore{
			entitlement.EnvironmentProduction: production.Anchors(),
		},
	})
	rogue := appstoretest.NewSigner(t)
	token := rogue.Sign(t, appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly))

	_, err := verifier.Verify(context.Background(), token, entitlement.EnvironmentProduction)
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
	assert.NotErrorIs(t, err, entitlement.ErrConfiguration)
}

func TestVerifier_BundleMismatch(t *testing.T) {
	e := newTestEnv(t)
	claims := appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly)
	claims.BundleID = "com.someone.else"

	_, err := e.verifier.Verify(context.Background(), e.production.Sign(t, claims), "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
}

func TestVerifier_MarkerExtensions(t *testing.T) {
	marked := appstoretest.NewSigner(t)
	unmarked := appstoretest.NewSignerWithoutMarkers(t)
	verifier := appstore.NewVerifier(&appstore.Config{
		Anchors: map[entitlement.Environment]appstore.AnchorStore{
			entitlement.EnvironmentProduction: appstore.NewStaticAnchorStore(marked.Root, unmarked.Root),
		},
		RequireMarkerOIDs: true,
	})
	claims := appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly)

	_, err := verifier.Verify(context.Background(), marked.Sign(t, claims), "")
	assert.NoError(t, err)

	_, err = verifier.Verify(context.Background(), unmarked.Sign(t, claims), "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
}

func TestVerifier_ChainCheckedAtSignedDate(t *testing.T) {
	e := newTestEnv(t, func(c *appstore.Config) {
		// Long after the test certificates expire
		c.Now = func() time.Time { return time.Date(2050, 1, 1, 0, 0, 0, 0, time.UTC) }
	})

	claims := appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly)
	_, err := e.verifier.Verify(context.Background(), e.production.Sign(t, claims), "")
	assert.NoError(t, err)

	claims.SignedDate = time.Date(2045, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	_, err = e.verifier.Verify(context.Background(), e.production.Sign(t, claims), "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)

	claims.SignedDate = 0
	_, err = e.verifier.Verify(context.Background(), e.production.Sign(t, claims), "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
}

func TestVerifier_RevokedAndNonExpiring(t *testing.T) {
	e := newTestEnv(t)
	claims := appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductMaxYearly)
	revoked := time.Now().Add(-time.Hour).UnixMilli()
	claims.RevocationDate = &revoked
	claims.ExpiresDate = nil

	res, err := e.verifier.Verify(context.Background(), e.production.Sign(t, claims), "")
	require.NoError(t, err)
	require.NotNil(t, res.RevokedAt)
	assert.Equal(t, revoked, res.RevokedAt.UnixMilli())
	assert.Nil(t, res.ExpiresAt)
}

func TestVerifier_CancelledContext(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	token := e.production.Sign(t, appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly))
	_, err := e.verifier.Verify(ctx, token, "")
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifier_CheckAnchors(t *testing.T) {
	e := newTestEnv(t)
	assert.NoError(t, e.verifier.CheckAnchors())

	onlySandbox := appstore.NewVerifier(&appstore.Config{
		Anchors: map[entitlement.Environment]appstore.AnchorStore{
			entitlement.EnvironmentSandbox:    appstoretest.NewSigner(t).Anchors(),
			entitlement.EnvironmentProduction: appstore.NewStaticAnchorStore(),
		},
	})
	assert.NoError(t, onlySandbox.CheckAnchors())

	none := appstore.NewVerifier(nil)
	err := none.CheckAnchors()
	assert.ErrorIs(t, err, entitlement.ErrConfiguration)
	assert.ErrorIs(t, err, appstore.ErrAnchorsUnavailable)
}

func TestVerifier_VerifyNotification(t *testing.T) {
	e := newTestEnv(t)
	inner := e.sandbox.Sign(t, appstoretest.Transaction(entitlement.EnvironmentSandbox, entitlement.ProductProMonthly))
	payload := e.sandbox.Sign(t, appstoretest.Notification(entitlement.EnvironmentSandbox, "DID_RENEW", inner))

	n, err := e.verifier.VerifyNotification(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "DID_RENEW", n.NotificationType)
	assert.Equal(t, inner, n.Data.SignedTransactionInfo)

	_, err = e.verifier.VerifyNotification(context.Background(), appstoretest.NewSigner(t).Sign(t,
		appstoretest.Notification(entitlement.EnvironmentSandbox, "DID_RENEW", inner)))
	assert.ErrorIs(t, err, entitlement.ErrVerificationFailed)
}

type verificationLabel struct {
	environment string
	status      string
}

type recordingMetrics struct {
	entitlement.NoopMetrics
	mu     sync.Mutex
	labels []verificationLabel
}

func (m *recordingMetrics) RecordVerification(environment, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = append(m.labels, verificationLabel{environment, status})
}

func TestVerifier_VerificationMetricLabels(t *testing.T) {
	metrics := &recordingMetrics{}
	e := newTestEnv(t, func(c *appstore.Config) { c.Metrics = metrics })
	rogue := appstoretest.NewSigner(t)
	bad := rogue.Sign(t, appstoretest.Transaction(entitlement.EnvironmentProduction, entitlement.ProductProMonthly))
	good := e.sandbox.Sign(t, appstoretest.Transaction(entitlement.EnvironmentSandbox, entitlement.ProductProMonthly))

	_, err := e.verifier.Verify(context.Background(), bad, "")
	require.Error(t, err)
	_, err = e.verifier.Verify(context.Background(), bad, entitlement.EnvironmentSandbox)
	require.Error(t, err)
	_, err = e.verifier.Verify(context.Background(), good, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.verifier.Verify(ctx, good, "")
	require.Error(t, err)

	assert.Equal(t, []verificationLabel{
		{string(entitlement.EnvironmentSandbox), "error"},
		{string(entitlement.EnvironmentProduction), "error"},
		{string(entitlement.EnvironmentSandbox), "success"},
		{"none", "error"},
	}, metrics.labels)
}
