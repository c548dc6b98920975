package verify

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"
)

// RevocationStatus is the answer of a revocation responder.
type RevocationStatus int

const (
	StatusUnknown RevocationStatus = iota
	StatusGood
	StatusRevoked
)

func (s RevocationStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// RevocationChecker reports whether cert (issued by issuer) has been revoked.
// An error means the status could not be determined.
type RevocationChecker interface {
	Check(ctx context.Context, cert, issuer *x509.Certificate) (RevocationStatus, error)
}

const ocspResponseLimit = 64 * 1024

// OCSPChecker queries the responder named in the certificate's AIA extension.
type OCSPChecker struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewOCSPChecker creates a checker with a per-query timeout.
func NewOCSPChecker(timeout time.Duration) *OCSPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OCSPChecker{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Check returns StatusUnknown without error when the certificate names no responder.
func (c *OCSPChecker) Check(ctx context.Context, cert, issuer *x509.Certificate) (RevocationStatus, error) {
	if len(cert.OCSPServer) == 0 {
		return StatusUnknown, nil
	}

	reqBytes, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return StatusUnknown, fmt.Errorf("build ocsp request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cert.OCSPServer[0], bytes.NewReader(reqBytes))
	if err != nil {
		return StatusUnknown, fmt.Errorf("create ocsp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusUnknown, fmt.Errorf("ocsp request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusUnknown, fmt.Errorf("ocsp responder returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, ocspResponseLimit))
	if err != nil {
		return StatusUnknown, fmt.Errorf("read ocsp response: %w", err)
	}

	parsed, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return StatusUnknown, fmt.Errorf("parse ocsp response: %w", err)
	}
	switch parsed.Status {
	case ocsp.Good:
		return StatusGood, nil
	case ocsp.Revoked:
		return StatusRevoked, nil
	default:
		return StatusUnknown, nil
	}
}
