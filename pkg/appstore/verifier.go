// Package appstore verifies App Store signed transactions and server notifications.
//
// Signed payloads are compact JWS strings whose x5c header carries the
// certificate chain (leaf first). The chain must terminate at a trust anchor of
// the environment being tried and the ES256 signature must verify with the leaf key.
package appstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

var (
	// Apple marks the leaf and intermediate certificates of its signing chain
	// with these extensions.
	oidLeafMarker         = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}
	oidIntermediateMarker = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
)

var (
	errMissingChain        = errors.New("missing x5c certificate chain")
	errEnvironmentMismatch = errors.New("payload environment does not match")
	errBundleMismatch      = errors.New("bundle id does not match")
	errMissingMarker       = errors.New("certificate is missing the signing marker extension")
)

// Config holds verifier configuration
type Config struct {
	// Catalog resolves product identifiers to tiers (default: entitlement.DefaultCatalog())
	Catalog *entitlement.Catalog

	// Anchors are the trust anchors per environment.
	// An environment without an anchor store never verifies.
	Anchors map[entitlement.Environment]AnchorStore

	// BundleID, when set, must equal the bundleId claim
	BundleID string

	// RequireMarkerOIDs requires the Apple marker extensions on leaf and intermediate
	RequireMarkerOIDs bool

	// Metrics is used for tracking verifications (default: NoopMetrics)
	Metrics entitlement.Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger

	// Now returns the current time, used when a payload carries no signedDate (default: time.Now)
	Now func() time.Time
}

// Verifier implements entitlement.TransactionVerifier for App Store signed transactions
type Verifier struct {
	catalog     *entitlement.Catalog
	anchors     map[entitlement.Environment]AnchorStore
	bundleID    string
	requireOIDs bool
	metrics     entitlement.Metrics
	logger      entitlement.Logger
	now         func() time.Time
	parser      *jwt.Parser

	poolsMu sync.RWMutex
	pools   map[entitlement.Environment]*x509.CertPool
}

// NewVerifier creates a signed transaction verifier
func NewVerifier(config *Config) *Verifier {
	if config == nil {
		config = &Config{}
	}

	v := &Verifier{
		catalog:     config.Catalog,
		anchors:     config.Anchors,
		bundleID:    config.BundleID,
		requireOIDs: config.RequireMarkerOIDs,
		metrics:     config.Metrics,
		logger:      config.Logger,
		now:         config.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
		pools: make(map[entitlement.Environment]*x509.CertPool),
	}
	if v.catalog == nil {
		v.catalog = entitlement.DefaultCatalog()
	}
	if v.anchors == nil {
		v.anchors = map[entitlement.Environment]AnchorStore{}
	}
	if v.metrics == nil {
		v.metrics = &entitlement.NoopMetrics{}
	}
	if v.logger == nil {
		v.logger = &entitlement.NoopLogger{}
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// CheckAnchors is the startup self-check. At least one environment's anchors must load.
func (v *Verifier) CheckAnchors() error {
	loaded := 0
	for _, env := range []entitlement.Environment{entitlement.EnvironmentProduction, entitlement.EnvironmentSandbox} {
		if _, err := v.rootPool(env); err != nil {
			v.logger.Warn("trust anchors not loaded",
				entitlement.Field{Key: "environment", Value: string(env)},
				entitlement.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("%w: %w for every environment", entitlement.ErrConfiguration, ErrAnchorsUnavailable)
	}
	return nil
}

// Verify implements entitlement.TransactionVerifier.
//
// The hinted environment is tried first and the other one second. The first
// success wins; when both fail the last error is returned.
func (v *Verifier) Verify(ctx context.Context, token string, hint entitlement.Environment) (*entitlement.VerificationResult, error) {
	start := time.Now()

	var lastErr error
	tried := "none"
	for _, env := range attemptOrder(hint) {
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("%w: %w", entitlement.ErrVerificationFailed, err)
			break
		}
		tried = string(env)
		res, err := v.verifyTransaction(token, env)
		if err == nil {
			v.metrics.RecordVerification(string(env), "success", time.Since(start))
			return res, nil
		}
		v.logger.Debug("signed transaction did not verify",
			entitlement.Field{Key: "environment", Value: string(env)},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		lastErr = latestError(lastErr, err)
		// The payload authenticated, so the other environment cannot help.
		if errors.Is(err, entitlement.ErrUnknownProduct) {
			break
		}
	}

	v.metrics.RecordVerification(tried, "error", time.Since(start))
	return nil, lastErr
}

// VerifyNotification verifies a server notification's signedPayload and returns its claims
func (v *Verifier) VerifyNotification(ctx context.Context, signedPayload string) (*NotificationClaims, error) {
	var lastErr error
	for _, env := range attemptOrder("") {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", entitlement.ErrVerificationFailed, err)
		}
		claims := &NotificationClaims{}
		if err := v.verifySigned(signedPayload, env, claims); err != nil {
			lastErr = latestError(lastErr, err)
			continue
		}
		return claims, nil
	}
	return nil, lastErr
}

// latestError keeps the most recent error, except that a missing-anchor error
// never hides a real verification failure from an environment that had anchors.
func latestError(prev, next error) error {
	if prev != nil && errors.Is(next, entitlement.ErrConfiguration) && !errors.Is(prev, entitlement.ErrConfiguration) {
		return prev
	}
	return next
}

func attemptOrder(hint entitlement.Environment) []entitlement.Environment {
	switch hint {
	case entitlement.EnvironmentSandbox, entitlement.EnvironmentProduction:
		return []entitlement.Environment{hint, hint.Other()}
	default:
		return []entitlement.Environment{entitlement.EnvironmentProduction, entitlement.EnvironmentSandbox}
	}
}

func (v *Verifier) verifyTransaction(token string, env entitlement.Environment) (*entitlement.VerificationResult, error) {
	claims := &TransactionClaims{}
	if err := v.verifySigned(token, env, claims); err != nil {
		return nil, err
	}

	tier, ok := v.catalog.TierFor(claims.ProductID)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %q", entitlement.ErrVerificationFailed, entitlement.ErrUnknownProduct, claims.ProductID)
	}
	if claims.OriginalTransactionID == "" || claims.TransactionID == "" {
		return nil, fmt.Errorf("%w: missing transaction identifiers", entitlement.ErrVerificationFailed)
	}

	res := &entitlement.VerificationResult{
		ProductID:             claims.ProductID,
		OriginalTransactionID: claims.OriginalTransactionID,
		TransactionID:         claims.TransactionID,
		Tier:                  tier,
		ExpiresAt:             optionalMillis(claims.ExpiresDate),
		Environment:           env,
		RevokedAt:             optionalMillis(claims.RevocationDate),
		AppAccountToken:       claims.AppAccountToken,
	}
	if claims.SignedDate > 0 {
		res.SignedAt = millisToTime(claims.SignedDate)
	}
	return res, nil
}

// verifySigned verifies token as a payload of env and decodes it into claims
func (v *Verifier) verifySigned(token string, env entitlement.Environment, claims signedClaims) error {
	roots, err := v.rootPool(env)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", entitlement.ErrVerificationFailed, env, err)
	}

	_, err = v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.leafKey(t, claims, roots)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", entitlement.ErrVerificationFailed, env, err)
	}

	if claims.environment() != string(env) {
		return fmt.Errorf("%w: %w: got %q, tried %s",
			entitlement.ErrVerificationFailed, errEnvironmentMismatch, claims.environment(), env)
	}
	if v.bundleID != "" && claims.bundleID() != v.bundleID {
		return fmt.Errorf("%w: %w: %q", entitlement.ErrVerificationFailed, errBundleMismatch, claims.bundleID())
	}
	return nil
}

// leafKey validates the x5c chain against roots and returns the leaf public key
func (v *Verifier) leafKey(t *jwt.Token, claims signedClaims, roots *x509.CertPool) (interface{}, error) {
	chain, err := decodeChain(t.Header["x5c"])
	if err != nil {
		return nil, err
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}

	at := v.now()
	if ms := claims.signedAt(); ms > 0 {
		at = millisToTime(ms)
	}

	leaf := chain[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("certificate chain: %w", err)
	}

	if v.requireOIDs {
		if !hasExtension(leaf, oidLeafMarker) {
			return nil, fmt.Errorf("leaf: %w", errMissingMarker)
		}
		if len(chain) < 2 || !hasExtension(chain[1], oidIntermediateMarker) {
			return nil, fmt.Errorf("intermediate: %w", errMissingMarker)
		}
	}

	key, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("leaf key is %T, want ECDSA", leaf.PublicKey)
	}
	return key, nil
}

func decodeChain(raw interface{}) ([]*x509.Certificate, error) {
	items, ok := raw.([]interface{})
	if !ok || len(items) == 0 {
		return nil, errMissingChain
	}

	chain := make([]*x509.Certificate, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("x5c[%d] is not a string", i)
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

// rootPool returns the pool of env's anchors. Only successful loads are cached.
func (v *Verifier) rootPool(env entitlement.Environment) (*x509.CertPool, error) {
	v.poolsMu.RLock()
	pool, ok := v.pools[env]
	v.poolsMu.RUnlock()
	if ok {
		return pool, nil
	}

	store, ok := v.anchors[env]
	if !ok || store == nil {
		return nil, fmt.Errorf("%w: %w: no anchors configured for %s",
			entitlement.ErrConfiguration, ErrAnchorsUnavailable, env)
	}
	certs, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", entitlement.ErrConfiguration, err)
	}

	pool = x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}

	v.poolsMu.Lock()
	v.pools[env] = pool
	v.poolsMu.Unlock()
	return pool, nil
}
