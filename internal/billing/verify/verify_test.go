package verify

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rcourtman/subledger/internal/billing/verify/verifytest"
	berrors "github.com/rcourtman/subledger/internal/errors"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

func TestStripeVerifierAcceptsValidSignature(t *testing.T) {
	const secret = "whsec_test_secret"
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	v := NewStripeVerifier(secret, 0)
	require.NoError(t, v.Verify(context.Background(), signed.Payload, signed.Header))
}

func TestStripeVerifierFailsClosed(t *testing.T) {
	const secret = "whsec_test_secret"
	payload := []byte(`{"id":"evt_1"}`)
	fresh := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: payload, Secret: secret, Timestamp: time.Now(), Scheme: "v1",
	})
	stale := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: payload, Secret: secret, Timestamp: time.Now().Add(-time.Hour), Scheme: "v1",
	})
	wrongSecret := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: payload, Secret: "whsec_other", Timestamp: time.Now(), Scheme: "v1",
	})

	cases := []struct {
		name     string
		verifier *StripeVerifier
		body     []byte
		header   string
	}{
		{"missing secret", NewStripeVerifier("", 0), fresh.Payload, fresh.Header},
		{"missing header", NewStripeVerifier(secret, 0), fresh.Payload, ""},
		{"malformed header", NewStripeVerifier(secret, 0), fresh.Payload, "garbage"},
		{"expired timestamp", NewStripeVerifier(secret, 5*time.Minute), stale.Payload, stale.Header},
		{"wrong secret", NewStripeVerifier(secret, 0), wrongSecret.Payload, wrongSecret.Header},
		{"tampered body", NewStripeVerifier(secret, 0), []byte(`{"id":"evt_2"}`), fresh.Header},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.verifier.Verify(context.Background(), tc.body, tc.header)
			require.Error(t, err)
			assert.True(t, errors.Is(err, berrors.ErrNotAuthentic), "got %v", err)
		})
	}
}

func newVerifier(t *testing.T, chain *verifytest.Chain, opts ...AppStoreOption) *AppStoreVerifier {
	t.Helper()
	v, err := NewAppStoreVerifier(chain.Root.Cert, opts...)
	require.NoError(t, err)
	return v
}

var sampleClaims = map[string]any{
	"notificationType": "DID_RENEW",
	"notificationUUID": "5b7e6f3c-0000-4000-8000-000000000001",
	"signedDate":       1700000000000,
}

func TestAppStoreVerifierAcceptsPinnedChain(t *testing.T) {
	chain := verifytest.NewChain(t)
	v := newVerifier(t, chain)

	body := verifytest.Body(chain.Sign(t, sampleClaims))
	require.NoError(t, v.Verify(context.Background(), body, ""))
}

func TestAppStoreVerifierRejectsBadChains(t *testing.T) {
	chain := verifytest.NewChain(t)
	other := verifytest.NewChain(t)
	expired := verifytest.NewChainWithOptions(t, verifytest.Options{
		IntermediateNotAfter: time.Now().Add(-time.Minute),
	})

	cases := []struct {
		name   string
		pinned *verifytest.Chain
		token  string
	}{
		{
			name:   "missing intermediate",
			pinned: chain,
			token:  verifytest.SignWith(t, chain.Leaf.Key, verifytest.X5C(chain.Leaf.Cert, chain.Root.Cert), sampleClaims),
		},
		{
			name:   "not rooted at pinned root",
			pinned: chain,
			token:  other.Sign(t, sampleClaims),
		},
		{
			name:   "pinned root swapped into foreign chain",
			pinned: chain,
			token:  verifytest.SignWith(t, other.Leaf.Key, verifytest.X5C(other.Leaf.Cert, other.Intermediate.Cert, chain.Root.Cert), sampleClaims),
		},
		{
			name:   "expired intermediate",
			pinned: expired,
			token:  expired.Sign(t, sampleClaims),
		},
		{
			name:   "no x5c header",
			pinned: chain,
			token:  chain.SignNested(t, sampleClaims),
		},
		{
			name:   "leaf signed by a different key than x5c leaf",
			pinned: chain,
			token:  verifytest.SignWith(t, other.Leaf.Key, chain.DefaultX5C(), sampleClaims),
		},
		{
			name:   "garbage certificate",
			pinned: chain,
			token:  verifytest.SignWith(t, chain.Leaf.Key, []string{"AAAA", "BBBB", "CCCC"}, sampleClaims),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newVerifier(t, tc.pinned)
			err := v.VerifyToken(context.Background(), tc.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, berrors.ErrNotAuthentic), "got %v", err)
		})
	}
}

func TestAppStoreVerifierRejectsUnexpectedAlgorithm(t *testing.T) {
	chain := verifytest.NewChain(t)
	v := newVerifier(t, chain)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"notificationType": "TEST"})
	tok.Header["x5c"] = chain.DefaultX5C()
	signed, err := tok.SignedString([]byte("shared"))
	require.NoError(t, err)

	err = v.VerifyToken(context.Background(), signed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, berrors.ErrNotAuthentic))
}

func TestAppStoreVerifierRejectsTamperedPayload(t *testing.T) {
	chain := verifytest.NewChain(t)
	v := newVerifier(t, chain)

	good := chain.Sign(t, sampleClaims)
	forged := chain.Sign(t, map[string]any{"notificationType": "REFUND"})

	goodParts := strings.Split(good, ".")
	forgedParts := strings.Split(forged, ".")
	spliced := goodParts[0] + "." + forgedParts[1] + "." + goodParts[2]

	err := v.VerifyToken(context.Background(), spliced)
	require.Error(t, err)
	assert.True(t, errors.Is(err, berrors.ErrNotAuthentic))
}

func TestAppStoreVerifierMalformedBodyIsDistinct(t *testing.T) {
	chain := verifytest.NewChain(t)
	v := newVerifier(t, chain)

	for _, body := range []string{`not json`, `{}`, `{"signedPayload":"a.b"}`} {
		err := v.Verify(context.Background(), []byte(body), "")
		require.Error(t, err, body)
		assert.True(t, errors.Is(err, berrors.ErrMalformedPayload), "body %s got %v", body, err)
		assert.False(t, errors.Is(err, berrors.ErrNotAuthentic))
	}
}

func TestAppStoreVerifierMarkerExtensions(t *testing.T) {
	plain := verifytest.NewChain(t)
	marked := verifytest.NewChainWithOptions(t, verifytest.Options{
		LeafExtension:         AppleLeafMarkerOID,
		IntermediateExtension: AppleIntermediateMarkerOID,
	})

	v := newVerifier(t, plain, WithMarkerOIDs(AppleLeafMarkerOID, AppleIntermediateMarkerOID))
	err := v.VerifyToken(context.Background(), plain.Sign(t, sampleClaims))
	assert.True(t, errors.Is(err, berrors.ErrNotAuthentic))

	v = newVerifier(t, marked, WithMarkerOIDs(AppleLeafMarkerOID, AppleIntermediateMarkerOID))
	assert.NoError(t, v.VerifyToken(context.Background(), marked.Sign(t, sampleClaims)))
}

func TestAppStoreVerifierRespectsClock(t *testing.T) {
	chain := verifytest.NewChain(t)
	v := newVerifier(t, chain, WithClock(func() time.Time { return time.Now().Add(2 * 365 * 24 * time.Hour) }))

	err := v.VerifyToken(context.Background(), chain.Sign(t, sampleClaims))
	assert.True(t, errors.Is(err, berrors.ErrNotAuthentic))
}

type stubRevocation struct {
	status RevocationStatus
	err    error
	calls  int
}

func (s *stubRevocation) Check(context.Context, *x509.Certificate, *x509.Certificate) (RevocationStatus, error) {
	s.calls++
	return s.status, s.err
}

func TestAppStoreVerifierRevocationPolicy(t *testing.T) {
	chain := verifytest.NewChain(t)
	token := chain.Sign(t, sampleClaims)

	revoked := &stubRevocation{status: StatusRevoked}
	err := newVerifier(t, chain, WithRevocationChecker(revoked)).VerifyToken(context.Background(), token)
	assert.True(t, errors.Is(err, berrors.ErrNotAuthentic))

	unreachable := &stubRevocation{err: errors.New("dial tcp: i/o timeout")}
	assert.NoError(t, newVerifier(t, chain, WithRevocationChecker(unreachable)).VerifyToken(context.Background(), token))
	assert.Equal(t, 2, unreachable.calls)

	unknown := &stubRevocation{status: StatusUnknown}
	assert.NoError(t, newVerifier(t, chain, WithRevocationChecker(unknown)).VerifyToken(context.Background(), token))
}

func TestOCSPCheckerAgainstResponder(t *testing.T) {
	var chain *verifytest.Chain
	status := ocsp.Good
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := ocsp.CreateResponse(chain.Intermediate.Cert, chain.Intermediate.Cert, ocsp.Response{
			Status:       status,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
			RevokedAt:    time.Now().Add(-time.Minute),
		}, chain.Intermediate.Key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	}))
	defer srv.Close()

	chain = verifytest.NewChainWithOptions(t, verifytest.Options{LeafOCSPServer: srv.URL})
	checker := NewOCSPChecker(2 * time.Second)

	got, err := checker.Check(context.Background(), chain.Leaf.Cert, chain.Intermediate.Cert)
	require.NoError(t, err)
	assert.Equal(t, StatusGood, got)

	status = ocsp.Revoked
	got, err = checker.Check(context.Background(), chain.Leaf.Cert, chain.Intermediate.Cert)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got)

	v := newVerifier(t, chain, WithRevocationChecker(checker))
	err = v.VerifyToken(context.Background(), chain.Sign(t, sampleClaims))
	assert.True(t, errors.Is(err, berrors.ErrNotAuthentic))

	// No responder on the intermediate: unknown without error.
	got, err = checker.Check(context.Background(), chain.Intermediate.Cert, chain.Root.Cert)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, got)
}

func TestOCSPCheckerUnreachableResponderSoftFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	chain := verifytest.NewChainWithOptions(t, verifytest.Options{LeafOCSPServer: url})
	checker := NewOCSPChecker(500 * time.Millisecond)

	_, err := checker.Check(context.Background(), chain.Leaf.Cert, chain.Intermediate.Cert)
	assert.Error(t, err)

	v := newVerifier(t, chain, WithRevocationChecker(checker))
	assert.NoError(t, v.VerifyToken(context.Background(), chain.Sign(t, sampleClaims)))
}

func TestLoadRootCertificatePEMAndDER(t *testing.T) {
	chain := verifytest.NewChain(t)
	dir := t.TempDir()

	derPath := filepath.Join(dir, "root.cer")
	require.NoError(t, os.WriteFile(derPath, chain.Root.Cert.Raw, 0o600))
	pemPath := filepath.Join(dir, "root.pem")
	require.NoError(t, os.WriteFile(pemPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: chain.Root.Cert.Raw}), 0o600))

	for _, p := range []string{derPath, pemPath} {
		cert, err := LoadRootCertificate(p)
		require.NoError(t, err)
		assert.True(t, cert.Equal(chain.Root.Cert))
	}

	_, err := LoadRootCertificate(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)
}

func TestNewAppStoreVerifierRequiresCARoot(t *testing.T) {
	chain := verifytest.NewChain(t)
	_, err := NewAppStoreVerifier(nil)
	assert.Error(t, err)
	_, err = NewAppStoreVerifier(chain.Leaf.Cert)
	assert.Error(t, err)
}
