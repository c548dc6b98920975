// Package verifytest builds throwaway x5c certificate chains and signs
// App Store style notifications with them, for use in tests.
package verifytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Cert is a certificate together with its private key.
type Cert struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// Chain is a root, intermediate and leaf issued in that order.
type Chain struct {
	Root         Cert
	Intermediate Cert
	Leaf         Cert
}

// Options tweak the generated chain.
type Options struct {
	// IntermediateNotAfter overrides the intermediate expiry (default +1 year).
	IntermediateNotAfter time.Time
	// LeafOCSPServer sets the leaf AIA OCSP responder URL.
	LeafOCSPServer string
	// LeafExtension and IntermediateExtension add marker extensions when non-empty.
	LeafExtension         asn1.ObjectIdentifier
	IntermediateExtension asn1.ObjectIdentifier
}

var serial int64

func nextSerial() *big.Int {
	serial++
	return big.NewInt(time.Now().UnixNano() + serial)
}

// NewChain generates a fresh chain with default options.
func NewChain(t testing.TB) *Chain {
	return NewChainWithOptions(t, Options{})
}

// NewChainWithOptions generates a fresh chain.
func NewChainWithOptions(t testing.TB, opts Options) *Chain {
	t.Helper()
	now := time.Now()

	root := issue(t, &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, nil)

	interNotAfter := opts.IntermediateNotAfter
	if interNotAfter.IsZero() {
		interNotAfter = now.Add(365 * 24 * time.Hour)
	}
	interTmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: "Test Intermediate CA"},
		NotBefore:             now.Add(-2 * time.Hour),
		NotAfter:              interNotAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	if len(opts.IntermediateExtension) > 0 {
		interTmpl.ExtraExtensions = []pkix.Extension{{Id: opts.IntermediateExtension, Value: []byte{0x05, 0x00}}}
	}
	intermediate := issue(t, interTmpl, &root)

	leafTmpl := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: "Test Notification Signer"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(180 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if opts.LeafOCSPServer != "" {
		leafTmpl.OCSPServer = []string{opts.LeafOCSPServer}
	}
	if len(opts.LeafExtension) > 0 {
		leafTmpl.ExtraExtensions = []pkix.Extension{{Id: opts.LeafExtension, Value: []byte{0x05, 0x00}}}
	}
	leaf := issue(t, leafTmpl, &intermediate)

	return &Chain{Root: root, Intermediate: intermediate, Leaf: leaf}
}

// NewLeaf issues an additional leaf from issuer.
func NewLeaf(t testing.TB, issuer Cert) Cert {
	t.Helper()
	now := time.Now()
	return issue(t, &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: "Extra Leaf"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, &issuer)
}

func issue(t testing.TB, tmpl *x509.Certificate, parent *Cert) Cert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	parentCert, parentKey := tmpl, key
	if parent != nil {
		parentCert, parentKey = parent.Cert, parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("create certificate %q: %v", tmpl.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return Cert{Cert: cert, Key: key}
}

// X5C returns the base64 DER encoding of certs in the given order.
func X5C(certs ...*x509.Certificate) []string {
	out := make([]string, 0, len(certs))
	for _, c := range certs {
		out = append(out, base64.StdEncoding.EncodeToString(c.Raw))
	}
	return out
}

// DefaultX5C is leaf, intermediate, root.
func (c *Chain) DefaultX5C() []string {
	return X5C(c.Leaf.Cert, c.Intermediate.Cert, c.Root.Cert)
}

// Sign produces an ES256 compact token over claims carrying the full x5c chain.
func (c *Chain) Sign(t testing.TB, claims any) string {
	t.Helper()
	return SignWith(t, c.Leaf.Key, c.DefaultX5C(), claims)
}

// SignNested produces an ES256 token without an x5c header, as used for the
// signedTransactionInfo and signedRenewalInfo fields.
func (c *Chain) SignNested(t testing.TB, claims any) string {
	t.Helper()
	return SignWith(t, c.Leaf.Key, nil, claims)
}

// SignWith signs claims with key, attaching x5c when non-nil.
func SignWith(t testing.TB, key *ecdsa.PrivateKey, x5c []string, claims any) string {
	t.Helper()
	mc := toMapClaims(t, claims)
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, mc)
	if x5c != nil {
		tok.Header["x5c"] = x5c
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toMapClaims(t testing.TB, claims any) jwt.MapClaims {
	t.Helper()
	if mc, ok := claims.(jwt.MapClaims); ok {
		return mc
	}
	data, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	var mc jwt.MapClaims
	if err := json.Unmarshal(data, &mc); err != nil {
		t.Fatalf("claims must encode to a json object: %v", err)
	}
	return mc
}

// Body wraps a signed payload the way the App Store posts it.
func Body(signedPayload string) []byte {
	data, _ := json.Marshal(map[string]string{"signedPayload": signedPayload})
	return data
}
