// Package notify turns verified platform notifications into typed ledger
// intents with resolved correlation keys.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/plan"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Kind is the reconciliation meaning of a notification.
type Kind string

const (
	KindCheckoutCompleted Kind = "checkout_completed"
	KindPaymentCompleted  Kind = "payment_completed"
	KindPaymentFailed     Kind = "payment_failed"
	KindCancelRequested   Kind = "cancel_requested"
	KindCancelConfirmed   Kind = "cancel_confirmed"
	KindRefundRequested   Kind = "refund_requested"
	KindRefundConfirmed   Kind = "refund_confirmed"
	KindReinstated        Kind = "reinstated"
	KindIgnored           Kind = "ignored"
)

// Target returns the invoice status the kind drives toward. ok is false for
// kinds that do not touch an invoice.
func (k Kind) Target() (status ledger.Status, reinstate bool, ok bool) {
	switch k {
	case KindPaymentCompleted:
		return ledger.StatusCompleted, false, true
	case KindPaymentFailed:
		return ledger.StatusProcessing, false, true
	case KindCancelRequested:
		return ledger.StatusCancelledInProcessing, false, true
	case KindCancelConfirmed:
		return ledger.StatusCancelled, false, true
	case KindRefundRequested:
		return ledger.StatusRefundedInProcessing, false, true
	case KindRefundConfirmed:
		return ledger.StatusRefunded, false, true
	case KindReinstated:
		return ledger.StatusCompleted, true, true
	default:
		return "", false, false
	}
}

// Keys are the correlation identifiers recovered from a notification.
type Keys struct {
	UserID         string `json:"user_id"`
	OrderID        string `json:"order_id,omitempty"`
	SubscriptionID string `json:"subscription_id"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	PriceID        string `json:"price_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
}

// Classification is a notification reduced to what the ledger needs.
type Classification struct {
	Platform   ledger.Platform `json:"platform"`
	DeliveryID string          `json:"delivery_id"`
	EventType  string          `json:"event_type"`
	Kind       Kind            `json:"kind"`
	Keys       Keys            `json:"keys"`
	// Product is set when the price id resolved against the catalog.
	Product    plan.Product    `json:"product"`
	HasProduct bool            `json:"has_product,omitempty"`
	Window     ledger.Window   `json:"window"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	// Reason explains an ignored notification.
	Reason string `json:"reason,omitempty"`
}

// DedupKey identifies the delivery across retries.
func (c Classification) DedupKey() string {
	return string(c.Platform) + ":" + c.DeliveryID
}

// InvoiceUpsert builds the ledger request for invoice-bearing kinds.
func (c Classification) InvoiceUpsert() (ledger.InvoiceUpsert, bool) {
	target, reinstate, ok := c.Kind.Target()
	if !ok {
		return ledger.InvoiceUpsert{}, false
	}
	req := ledger.InvoiceUpsert{
		UserID:         c.Keys.UserID,
		SubscriptionID: c.Keys.SubscriptionID,
		InvoiceID:      c.Keys.InvoiceID,
		OrderID:        c.Keys.OrderID,
		Target:         target,
		Reinstate:      reinstate,
		Window:         c.Window,
		PriceID:        c.Keys.PriceID,
		Amount:         c.Amount,
		Currency:       c.Currency,
		Platform:       c.Platform,
		At:             c.OccurredAt,
	}
	if c.HasProduct {
		req.PriceID = c.Product.PriceID
		req.PlanTier = c.Product.Tier
		req.Family = c.Product.Family()
		if req.Amount.IsZero() {
			req.Amount = c.Product.Amount
		}
		if req.Currency == "" {
			req.Currency = c.Product.Currency
		}
	}
	return req, true
}

// RecordUpsert builds the ledger request for a checkout completion.
func (c Classification) RecordUpsert() ledger.RecordUpsert {
	req := ledger.RecordUpsert{
		UserID:         c.Keys.UserID,
		SubscriptionID: c.Keys.SubscriptionID,
		OrderID:        c.Keys.OrderID,
		PriceID:        c.Keys.PriceID,
		Amount:         c.Amount,
		Currency:       c.Currency,
		Platform:       c.Platform,
		At:             c.OccurredAt,
	}
	if c.HasProduct {
		req.PlanTier = c.Product.Tier
		req.Family = c.Product.Family()
	}
	return req
}

// Locator resolves platform identifiers recorded by earlier notifications.
type Locator interface {
	LookupSubscription(ctx context.Context, subscriptionID string) (*ledger.SubscriptionRef, error)
	LookupInvoice(ctx context.Context, invoiceID string) (*ledger.SubscriptionRef, error)
}

// Classifier maps decoded notifications to classifications.
type Classifier struct {
	catalog     *plan.Catalog
	locator     Locator
	bundleID    string
	environment string
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithAppStoreApp restricts App Store notifications to one bundle and
// environment ("Production" or "Sandbox"). Empty values accept anything.
func WithAppStoreApp(bundleID, environment string) Option {
	return func(c *Classifier) {
		c.bundleID = strings.TrimSpace(bundleID)
		c.environment = strings.TrimSpace(environment)
	}
}

// NewClassifier creates a classifier over catalog and locator.
func NewClassifier(catalog *plan.Catalog, locator Locator, opts ...Option) *Classifier {
	c := &Classifier{catalog: catalog, locator: locator}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func ignored(base Classification, reason string) Classification {
	base.Kind = KindIgnored
	base.Reason = reason
	return base
}

func (c *Classifier) lookupSubscription(ctx context.Context, op, subscriptionID string) (*ledger.SubscriptionRef, error) {
	if subscriptionID == "" || c.locator == nil {
		return nil, nil
	}
	ref, err := c.locator.LookupSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, berrors.Transient(op, err)
	}
	return ref, nil
}

func (c *Classifier) lookupInvoice(ctx context.Context, op, invoiceID string) (*ledger.SubscriptionRef, error) {
	if invoiceID == "" || c.locator == nil {
		return nil, nil
	}
	ref, err := c.locator.LookupInvoice(ctx, invoiceID)
	if err != nil {
		return nil, berrors.Transient(op, err)
	}
	return ref, nil
}

// resolveUser prefers the indexed owner of a subscription over ids carried in
// the payload. A mismatch is logged since it indicates a tampered or
// misconfigured integration.
func resolveUser(base *Classification, claimed string, ref *ledger.SubscriptionRef) {
	claimed = strings.TrimSpace(claimed)
	if ref == nil {
		base.Keys.UserID = claimed
		return
	}
	if claimed != "" && claimed != ref.UserID {
		log.Warn().
			Str("platform", string(base.Platform)).
			Str("delivery_id", base.DeliveryID).
			Str("subscription_id", ref.SubscriptionID).
			Str("claimed_user", claimed).
			Str("indexed_user", ref.UserID).
			Msg("Notification user does not match subscription owner, using indexed owner")
	}
	base.Keys.UserID = ref.UserID
	if base.Keys.OrderID == "" {
		base.Keys.OrderID = ref.OrderID
	}
	if base.Keys.PriceID == "" {
		base.Keys.PriceID = ref.PriceID
	}
}

func (c *Classifier) attachProduct(base *Classification) bool {
	product, ok := c.catalog.Lookup(base.Keys.PriceID)
	if !ok {
		return false
	}
	base.Product = product
	base.HasProduct = true
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func unixSeconds(s int64) time.Time {
	if s <= 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}
