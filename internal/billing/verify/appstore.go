package verify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rcourtman/subledger/internal/billing/jws"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/rs/zerolog/log"
)

// Marker extensions Apple places on App Store signing certificates.
var (
	AppleLeafMarkerOID         = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}
	AppleIntermediateMarkerOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
)

const expectedChainLength = 3 // leaf, intermediate, root

// AppStoreVerifier authenticates App Store Server Notifications V2.
type AppStoreVerifier struct {
	root            *x509.Certificate
	alg             string
	leafOID         asn1.ObjectIdentifier
	intermediateOID asn1.ObjectIdentifier
	revocation      RevocationChecker
	now             func() time.Time
}

// AppStoreOption customises an AppStoreVerifier.
type AppStoreOption func(*AppStoreVerifier)

// WithMarkerOIDs requires the given extensions on the leaf and intermediate certificates.
func WithMarkerOIDs(leaf, intermediate asn1.ObjectIdentifier) AppStoreOption {
	return func(v *AppStoreVerifier) {
		v.leafOID = leaf
		v.intermediateOID = intermediate
	}
}

// WithRevocationChecker enables best-effort revocation checking.
func WithRevocationChecker(c RevocationChecker) AppStoreOption {
	return func(v *AppStoreVerifier) { v.revocation = c }
}

// WithClock overrides the time used for certificate validity checks.
func WithClock(now func() time.Time) AppStoreOption {
	return func(v *AppStoreVerifier) { v.now = now }
}

// NewAppStoreVerifier creates a verifier trusting only root.
func NewAppStoreVerifier(root *x509.Certificate, opts ...AppStoreOption) (*AppStoreVerifier, error) {
	if root == nil {
		return nil, fmt.Errorf("pinned root certificate is required")
	}
	if !root.IsCA || !root.BasicConstraintsValid {
		return nil, fmt.Errorf("pinned root %q is not a CA certificate", root.Subject.CommonName)
	}
	v := &AppStoreVerifier{
		root: root,
		alg:  jwt.SigningMethodES256.Alg(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

type signedPayloadBody struct {
	SignedPayload string `json:"signedPayload"`
}

// ExtractSignedPayload pulls the compact token out of a notification body.
func ExtractSignedPayload(body []byte) (string, error) {
	var b signedPayloadBody
	if err := json.Unmarshal(body, &b); err != nil {
		return "", berrors.Malformed("appstore.body", fmt.Errorf("decode notification body: %w", err))
	}
	if strings.TrimSpace(b.SignedPayload) == "" {
		return "", berrors.Malformed("appstore.body", fmt.Errorf("signedPayload is empty"))
	}
	return b.SignedPayload, nil
}

// Verify extracts signedPayload from the request body and verifies it. The
// signature header is unused; the token carries its own signature.
func (v *AppStoreVerifier) Verify(ctx context.Context, body []byte, _ string) error {
	signed, err := ExtractSignedPayload(body)
	if err != nil {
		return err
	}
	return v.VerifyToken(ctx, signed)
}

// VerifyToken verifies a compact token against its embedded x5c chain.
func (v *AppStoreVerifier) VerifyToken(ctx context.Context, compact string) error {
	tok, err := jws.Decode(compact)
	if err != nil {
		return err
	}
	if tok.Header.Alg != v.alg {
		return berrors.Authenticity("appstore.header", "unexpected algorithm %q", tok.Header.Alg)
	}

	chain, err := decodeChain(tok.Header.X5C)
	if err != nil {
		return err
	}
	if err := v.validateChain(ctx, chain); err != nil {
		return err
	}

	leafKey, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok || leafKey.Curve != elliptic.P256() {
		return berrors.Authenticity("appstore.leaf_key", "leaf public key is not ECDSA P-256")
	}

	_, err = jwt.Parse(compact, func(*jwt.Token) (any, error) {
		return leafKey, nil
	}, jwt.WithValidMethods([]string{v.alg}), jwt.WithoutClaimsValidation())
	if err != nil {
		return berrors.Authenticity("appstore.signature", "%v", err)
	}
	return nil
}

func decodeChain(x5c []string) ([]*x509.Certificate, error) {
	if len(x5c) != expectedChainLength {
		return nil, berrors.Authenticity("appstore.chain", "x5c carries %d certificates, want %d", len(x5c), expectedChainLength)
	}
	chain := make([]*x509.Certificate, 0, len(x5c))
	for i, encoded := range x5c {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, berrors.Authenticity("appstore.chain", "certificate %d is not base64 DER: %v", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, berrors.Authenticity("appstore.chain", "certificate %d: %v", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

func (v *AppStoreVerifier) validateChain(ctx context.Context, chain []*x509.Certificate) error {
	leaf, intermediate, root := chain[0], chain[1], chain[2]
	now := v.now()

	if !bytes.Equal(root.Raw, v.root.Raw) {
		return berrors.Authenticity("appstore.chain", "chain root %q is not the pinned root", root.Subject.CommonName)
	}

	for i, cert := range chain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return berrors.Authenticity("appstore.chain", "certificate %d (%s) is outside its validity window", i, cert.Subject.CommonName)
		}
		if i > 0 && (!cert.BasicConstraintsValid || !cert.IsCA) {
			return berrors.Authenticity("appstore.chain", "certificate %d (%s) is not a CA", i, cert.Subject.CommonName)
		}
	}

	if len(v.leafOID) > 0 && !hasExtension(leaf, v.leafOID) {
		return berrors.Authenticity("appstore.chain", "leaf missing marker extension %s", v.leafOID)
	}
	if len(v.intermediateOID) > 0 && !hasExtension(intermediate, v.intermediateOID) {
		return berrors.Authenticity("appstore.chain", "intermediate missing marker extension %s", v.intermediateOID)
	}

	roots := x509.NewCertPool()
	roots.AddCert(v.root)
	intermediates := x509.NewCertPool()
	intermediates.AddCert(intermediate)

	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return berrors.Authenticity("appstore.chain", "%v", err)
	}
	// Verify may build a path that skips the supplied intermediate if the leaf
	// were signed directly by the root; require the exact presented path.
	if err := leaf.CheckSignatureFrom(intermediate); err != nil {
		return berrors.Authenticity("appstore.chain", "leaf not issued by intermediate: %v", err)
	}

	return v.checkRevocation(ctx, []revocationPair{
		{cert: leaf, issuer: intermediate},
		{cert: intermediate, issuer: root},
	})
}

type revocationPair struct {
	cert   *x509.Certificate
	issuer *x509.Certificate
}

// checkRevocation soft-fails: only a definitive "revoked" answer rejects the
// chain. Unreachable responders and unknown answers are logged and accepted.
func (v *AppStoreVerifier) checkRevocation(ctx context.Context, pairs []revocationPair) error {
	if v.revocation == nil {
		return nil
	}
	for _, p := range pairs {
		status, err := v.revocation.Check(ctx, p.cert, p.issuer)
		if err != nil {
			log.Warn().Err(err).
				Str("subject", p.cert.Subject.CommonName).
				Msg("Revocation check unavailable; accepting certificate (soft-fail)")
			continue
		}
		switch status {
		case StatusRevoked:
			return berrors.Authenticity("appstore.revocation", "certificate %s is revoked", p.cert.Subject.CommonName)
		case StatusUnknown:
			log.Warn().
				Str("subject", p.cert.Subject.CommonName).
				Msg("Revocation status unknown; accepting certificate (soft-fail)")
		}
	}
	return nil
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

// LoadRootCertificate reads a pinned root from a PEM or DER file.
func LoadRootCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pinned root: %w", err)
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("parse pinned root: %w", err)
	}
	return cert, nil
}
