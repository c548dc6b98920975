package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rcourtman/subledger/internal/billing/notify"
	"github.com/rcourtman/subledger/internal/billing/ports"
	berrors "github.com/rcourtman/subledger/internal/errors"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeProcessor is the card-processor adapter backed by the Stripe API.
type StripeProcessor struct {
	createCustomer        func(params *stripe.CustomerParams) (*stripe.Customer, error)
	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	updateSubscription    func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// NewStripeProcessor creates an adapter authenticated with apiKey.
func NewStripeProcessor(apiKey string) (*StripeProcessor, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe api key not configured")
	}
	sc := client.New(apiKey, nil)
	return &StripeProcessor{
		createCustomer:        sc.Customers.New,
		createCheckoutSession: sc.CheckoutSessions.New,
		updateSubscription:    sc.Subscriptions.Update,
	}, nil
}

// CreateCustomer creates a processor customer tagged with the user id.
func (p *StripeProcessor) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email = strings.TrimSpace(email); email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(notify.MetadataUserID, userID)
	params.SetIdempotencyKey("subledger-customer-" + userID)

	cust, err := p.createCustomer(params)
	if err != nil {
		return "", stripeError("stripe.create_customer", err)
	}
	if cust == nil || strings.TrimSpace(cust.ID) == "" {
		return "", fmt.Errorf("stripe returned empty customer id")
	}
	return cust.ID, nil
}

// CreateCheckoutSession opens a subscription checkout. The user, order and
// price ids ride along as metadata on both the session and the subscription
// so every later webhook can be routed back to the user.
func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req ports.CheckoutSessionRequest) (*ports.CheckoutSession, error) {
	metadata := map[string]string{
		notify.MetadataUserID:  req.UserID,
		notify.MetadataOrderID: req.OrderID,
		notify.MetadataPriceID: req.PriceID,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
		Metadata: metadata,
	}
	params.Context = ctx
	params.SetIdempotencyKey("subledger-checkout-" + req.OrderID)

	session, err := p.createCheckoutSession(params)
	if err != nil {
		return nil, stripeError("stripe.create_checkout_session", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return nil, fmt.Errorf("stripe returned empty checkout URL")
	}
	return &ports.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CancelAtPeriodEnd stops renewal of subscriptionID without revoking the
// current period.
func (p *StripeProcessor) CancelAtPeriodEnd(ctx context.Context, subscriptionID, reason string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	if reason != "" {
		params.AddMetadata("cancel_reason", reason)
	}
	if _, err := p.updateSubscription(subscriptionID, params); err != nil {
		return stripeError("stripe.cancel_at_period_end", err)
	}
	return nil
}

// stripeError keeps client-side rejections out of the retry loop.
func stripeError(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode >= http.StatusBadRequest &&
		serr.HTTPStatusCode < http.StatusInternalServerError && serr.HTTPStatusCode != http.StatusTooManyRequests {
		return berrors.New(berrors.KindUnsupported, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
