// Package ledger holds the per-user source of truth for payments: payment
// records, their invoices, and the cached processor customer id. All state is
// derived by folding append-only events (see Book.Apply).
package ledger

import (
	"time"

	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/shopspring/decimal"
)

// Platform is the payment platform that owns a subscription.
type Platform string

const (
	PlatformCardProcessor Platform = "card-processor"
	PlatformAppStore      Platform = "app-store"
	PlatformPlayStore     Platform = "play-store"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformCardProcessor, PlatformAppStore, PlatformPlayStore:
		return true
	default:
		return false
	}
}

// Window is a subscription validity interval as reported by the platform.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether neither bound is set.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// InvoiceDetail is one charge inside a payment record.
type InvoiceDetail struct {
	InvoiceID   string          `json:"invoice_id"`
	Status      Status          `json:"status"`
	Window      Window          `json:"window"`
	PriceID     string          `json:"price_id"`
	PlanTier    plan.Tier       `json:"plan_tier"`
	Family      plan.Family     `json:"family"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// PaidAt is when the invoice was confirmed paid, or when it was recorded if
// the platform never reported completion.
func (i InvoiceDetail) PaidAt() time.Time {
	if i.CompletedAt != nil {
		return *i.CompletedAt
	}
	return i.CreatedAt
}

// PaymentRecord is one purchase lineage, stable across renewals of a platform subscription.
type PaymentRecord struct {
	PaymentID      string          `json:"payment_id"`
	OrderID        string          `json:"order_id,omitempty"`
	SubscriptionID string          `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	ProductPriceID string          `json:"product_price_id"`
	PlanTier       plan.Tier       `json:"plan_tier"`
	Family         plan.Family     `json:"family"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Platform       Platform        `json:"platform"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Invoices       []InvoiceDetail `json:"invoices"`
}

// LatestInvoice returns the most recently appended invoice.
func (r *PaymentRecord) LatestInvoice() (InvoiceDetail, bool) {
	if len(r.Invoices) == 0 {
		return InvoiceDetail{}, false
	}
	return r.Invoices[len(r.Invoices)-1], true
}

// Invoice returns the invoice with the given id.
func (r *PaymentRecord) Invoice(invoiceID string) (InvoiceDetail, bool) {
	for _, inv := range r.Invoices {
		if inv.InvoiceID == invoiceID {
			return inv, true
		}
	}
	return InvoiceDetail{}, false
}

// WindingDown reports whether the record has been asked to stop renewing or has stopped.
func (r *PaymentRecord) WindingDown() bool {
	switch r.Status {
	case StatusCancelledInProcessing, StatusCancelled, StatusRefundedInProcessing, StatusRefunded:
		return true
	default:
		return false
	}
}

func (r PaymentRecord) clone() PaymentRecord {
	cp := r
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.Invoices = make([]InvoiceDetail, len(r.Invoices))
	for i, inv := range r.Invoices {
		inv.CompletedAt = cloneTime(inv.CompletedAt)
		cp.Invoices[i] = inv
	}
	return cp
}

// CustomerIdentity is the cached payment-processor customer handle for a user.
type CustomerIdentity struct {
	CustomerID string    `json:"customer_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// SubscriptionRef is the cross-user index entry used to route lifecycle events
// that only carry a platform identifier.
type SubscriptionRef struct {
	SubscriptionID string   `json:"subscription_id"`
	UserID         string   `json:"user_id"`
	OrderID        string   `json:"order_id,omitempty"`
	PriceID        string   `json:"price_id,omitempty"`
	Platform       Platform `json:"platform"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// normTime strips the monotonic reading and location so encoded events
// round-trip to identical values.
func normTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Round(0)
}

func normWindow(w Window) Window {
	return Window{Start: normTime(w.Start), End: normTime(w.End)}
}
