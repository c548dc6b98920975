// Package verify authenticates inbound payment-platform notifications.
//
// Two modes exist: a shared-secret HMAC over the raw body (card processor) and
// an ES256 compact token whose header embeds an x5c certificate chain that must
// terminate at a pinned root (app store). Both modes fail closed.
package verify

import (
	"context"
	"strings"
	"time"

	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureVerifier authenticates a raw notification body.
type SignatureVerifier interface {
	Verify(ctx context.Context, body []byte, signatureHeader string) error
}

// StripeVerifier checks the Stripe-Signature header (timestamp + v1 HMAC-SHA256)
// against a per-deployment webhook secret.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier. A zero tolerance uses the Stripe default
// of five minutes.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Verify rejects missing secrets, missing or malformed headers, stale timestamps
// and signature mismatches alike.
func (v *StripeVerifier) Verify(_ context.Context, body []byte, signatureHeader string) error {
	if v.secret == "" {
		return berrors.Authenticity("stripe.verify", "webhook secret not configured")
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return berrors.Authenticity("stripe.verify", "missing Stripe-Signature header")
	}
	if err := webhook.ValidatePayloadWithTolerance(body, signatureHeader, v.secret, v.tolerance); err != nil {
		return berrors.Authenticity("stripe.verify", "%v", err)
	}
	return nil
}
