// Package appstoretest signs App Store style payloads with a locally generated
// certificate chain for tests.
package appstoretest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mihaimyh/goentitle/pkg/appstore"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// BundleID is the bundle identifier of generated payloads
const BundleID = "com.photoapp.ios"

var (
	oidLeafMarker         = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}
	oidIntermediateMarker = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
	asn1Null              = []byte{0x05, 0x00}
)

// Signer holds a root, an intermediate and a leaf certificate and signs with the leaf key
type Signer struct {
	Root         *x509.Certificate
	Intermediate *x509.Certificate
	Leaf         *x509.Certificate

	leafKey *ecdsa.PrivateKey
}

// NewSigner generates a fresh three-certificate chain carrying the signing marker extensions
func NewSigner(tb testing.TB) *Signer {
	return newSigner(tb, true)
}

// NewSignerWithoutMarkers generates a chain without the signing marker extensions
func NewSignerWithoutMarkers(tb testing.TB) *Signer {
	return newSigner(tb, false)
}

func newSigner(tb testing.TB, markers bool) *Signer {
	tb.Helper()

	rootKey := newKey(tb)
	root := issue(tb, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, nil, &rootKey.PublicKey, rootKey)

	interKey := newKey(tb)
	interTmpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Test Intermediate CA"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	if markers {
		interTmpl.ExtraExtensions = []pkix.Extension{{Id: oidIntermediateMarker, Value: asn1Null}}
	}
	inter := issue(tb, interTmpl, root, &interKey.PublicKey, rootKey)

	leafKey := newKey(tb)
	leafTmpl := &x509.Certificate{
		Subject:  pkix.Name{CommonName: "Test Store Signing"},
		KeyUsage: x509.KeyUsageDigitalSignature,
	}
	if markers {
		leafTmpl.ExtraExtensions = []pkix.Extension{{Id: oidLeafMarker, Value: asn1Null}}
	}
	leaf := issue(tb, leafTmpl, inter, &leafKey.PublicKey, interKey)

	return &Signer{Root: root, Intermediate: inter, Leaf: leaf, leafKey: leafKey}
}

func newKey(tb testing.TB) *ecdsa.PrivateKey {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("generate key: %v", err)
	}
	return key
}

func issue(tb testing.TB, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, parentKey *ecdsa.PrivateKey) *x509.Certificate {
	tb.Helper()

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		tb.Fatalf("serial: %v", err)
	}
	tmpl.SerialNumber = serial
	tmpl.NotBefore = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	tmpl.NotAfter = time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC)
	if parent == nil {
		parent = tmpl
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, parentKey)
	if err != nil {
		tb.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatalf("parse certificate: %v", err)
	}
	return cert
}

// Anchors returns an anchor store trusting this signer's root
func (s *Signer) Anchors() appstore.AnchorStore {
	return appstore.NewStaticAnchorStore(s.Root)
}

// Sign signs claims as an ES256 JWS carrying the full chain in x5c
func (s *Signer) Sign(tb testing.TB, claims jwt.Claims) string {
	tb.Helper()
	return s.SignWithChain(tb, claims, s.Leaf, s.Intermediate, s.Root)
}

// SignWithChain signs claims with the leaf key but advertises chain in x5c
func (s *Signer) SignWithChain(tb testing.TB, claims jwt.Claims, chain ...*x509.Certificate) string {
	tb.Helper()

	x5c := make([]string, 0, len(chain))
	for _, c := range chain {
		x5c = append(x5c, base64.StdEncoding.EncodeToString(c.Raw))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["x5c"] = x5c
	signed, err := token.SignedString(s.leafKey)
	if err != nil {
		tb.Fatalf("sign: %v", err)
	}
	return signed
}

// Transaction builds valid transaction claims for productID in env, signed now
// and expiring in 30 days.
func Transaction(env entitlement.Environment, productID string) *appstore.TransactionClaims {
	now := time.Now().UTC()
	expires := now.Add(30 * 24 * time.Hour).UnixMilli()
	return &appstore.TransactionClaims{
		TransactionID:         "2000000" + randomDigits(6),
		OriginalTransactionID: "1000000" + randomDigits(6),
		ProductID:             productID,
		BundleID:              BundleID,
		PurchaseDate:          now.UnixMilli(),
		ExpiresDate:           &expires,
		SignedDate:            now.UnixMilli(),
		Environment:           string(env),
		AppAccountToken:       uuid.NewString(),
		Type:                  "Auto-Renewable Subscription",
	}
}

// Notification builds notification claims in env wrapping signedTransactionInfo
func Notification(env entitlement.Environment, notificationType, signedTransactionInfo string) *appstore.NotificationClaims {
	return &appstore.NotificationClaims{
		NotificationType: notificationType,
		NotificationUUID: uuid.NewString(),
		Version:          "2.0",
		SignedDate:       time.Now().UTC().UnixMilli(),
		Data: appstore.NotificationData{
			BundleID:              BundleID,
			Environment:           string(env),
			SignedTransactionInfo: signedTransactionInfo,
		},
	}
}

func randomDigits(n int) string {
	ten := big.NewInt(10)
	out := make([]byte, n)
	for i := range out {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			d = big.NewInt(0)
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out)
}
