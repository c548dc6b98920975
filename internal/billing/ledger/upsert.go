package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rcourtman/subledger/internal/billing/plan"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/shopspring/decimal"
)

// newPaymentID is swapped in tests for stable ids.
var newPaymentID = func() string { return uuid.NewString() }

// InvoiceUpsert asks the ledger to record an invoice at a target status.
type InvoiceUpsert struct {
	UserID         string
	SubscriptionID string
	// InvoiceID may be empty for subscription-level notifications; the
	// latest invoice of the record is used.
	InvoiceID string
	OrderID   string
	Target    Status
	Reinstate bool
	Window    Window
	PriceID   string
	PlanTier  plan.Tier
	Family    plan.Family
	Amount    decimal.Decimal
	Currency  string
	Platform  Platform
	At        time.Time
}

// RecordUpsert asks the ledger to create or enrich a record without an invoice.
type RecordUpsert struct {
	UserID         string
	SubscriptionID string
	OrderID        string
	PriceID        string
	PlanTier       plan.Tier
	Family         plan.Family
	Amount         decimal.Decimal
	Currency       string
	Platform       Platform
	At             time.Time
}

// Plan is the outcome of an upsert: the events to persist and the record as
// it will look once they are applied.
type Plan struct {
	Record    PaymentRecord
	InvoiceID string
	Events    []Event
}

// Changed reports whether the plan carries any events.
func (p Plan) Changed() bool { return len(p.Events) > 0 }

// PlanInvoice computes the events needed to bring an invoice to req.Target.
// It is idempotent on (subscription, invoice, target): a repeated or stale
// request yields a plan with no events. A cancellation or refund that arrives
// before the charge it refers to returns an out-of-order error.
func (b *Book) PlanInvoice(req InvoiceUpsert) (Plan, error) {
	const op = "ledger.upsert_invoice"
	if req.SubscriptionID == "" {
		return Plan{}, berrors.Unresolvable(op, "subscription id is required")
	}
	if !req.Target.Valid() {
		return Plan{}, fmt.Errorf("%s: invalid target status %q", op, req.Target)
	}
	at := normTime(req.At)

	rec, exists := b.Record(req.SubscriptionID)
	if !exists {
		if req.Target != StatusProcessing && req.Target != StatusCompleted {
			return Plan{}, berrors.OutOfOrder(op, "%s for unknown subscription %s", req.Target, req.SubscriptionID)
		}
		if req.InvoiceID == "" {
			return Plan{}, berrors.Unresolvable(op, "invoice id is required to open subscription %s", req.SubscriptionID)
		}
		if owner, _, found := b.FindInvoice(req.InvoiceID); found {
			return Plan{}, invoiceConflict(op, req.InvoiceID, owner.SubscriptionID)
		}
		events := []Event{
			RecordUpserted{
				PaymentID:      newPaymentID(),
				OrderID:        req.OrderID,
				SubscriptionID: req.SubscriptionID,
				UserID:         req.UserID,
				PriceID:        req.PriceID,
				PlanTier:       req.PlanTier,
				Family:         req.Family,
				Amount:         req.Amount,
				Currency:       req.Currency,
				Platform:       req.Platform,
				CreatedAt:      at,
			},
			InvoiceAdded{SubscriptionID: req.SubscriptionID, Invoice: newInvoice(req, at)},
		}
		return b.plan(req.SubscriptionID, req.InvoiceID, events)
	}

	var events []Event
	if req.OrderID != "" && rec.OrderID == "" {
		events = append(events, RecordUpserted{SubscriptionID: rec.SubscriptionID, UserID: rec.UserID, OrderID: req.OrderID, Platform: rec.Platform})
	}

	invoiceID := req.InvoiceID
	if invoiceID == "" {
		latest, ok := rec.LatestInvoice()
		if !ok {
			return Plan{}, berrors.OutOfOrder(op, "subscription %s has no invoices yet", rec.SubscriptionID)
		}
		invoiceID = latest.InvoiceID
	}

	inv, found := rec.Invoice(invoiceID)
	if !found {
		if owner, _, elsewhere := b.FindInvoice(invoiceID); elsewhere {
			return Plan{}, invoiceConflict(op, invoiceID, owner.SubscriptionID)
		}
		if req.Target != StatusProcessing && req.Target != StatusCompleted {
			return Plan{}, berrors.OutOfOrder(op, "%s for unseen invoice %s", req.Target, invoiceID)
		}
		req.InvoiceID = invoiceID
		events = append(events, InvoiceAdded{SubscriptionID: rec.SubscriptionID, Invoice: newInvoice(req, at)})
		return b.plan(rec.SubscriptionID, invoiceID, events)
	}

	switch Decide(inv.Status, req.Target, req.Reinstate) {
	case DecisionApply:
		events = append(events, InvoiceStatusUpdated{
			SubscriptionID: rec.SubscriptionID,
			InvoiceID:      invoiceID,
			From:           inv.Status,
			To:             req.Target,
			At:             at,
		})
	case DecisionDefer:
		return Plan{}, berrors.OutOfOrder(op, "invoice %s is %s, cannot move to %s yet", invoiceID, inv.Status, req.Target)
	case DecisionNoop:
	}
	return b.plan(rec.SubscriptionID, invoiceID, events)
}

// PlanRecord creates the record for a checkout before its first invoice, or
// fills in keys the record is missing.
func (b *Book) PlanRecord(req RecordUpsert) (Plan, error) {
	const op = "ledger.upsert_record"
	if req.SubscriptionID == "" {
		return Plan{}, berrors.Unresolvable(op, "subscription id is required")
	}
	rec, exists := b.Record(req.SubscriptionID)
	if exists {
		if (req.OrderID != "" && rec.OrderID == "") || (req.PriceID != "" && rec.ProductPriceID == "") {
			return b.plan(rec.SubscriptionID, "", []Event{RecordUpserted{
				SubscriptionID: rec.SubscriptionID,
				UserID:         rec.UserID,
				OrderID:        req.OrderID,
				PriceID:        req.PriceID,
				Platform:       rec.Platform,
			}})
		}
		return b.plan(rec.SubscriptionID, "", nil)
	}
	return b.plan(req.SubscriptionID, "", []Event{RecordUpserted{
		PaymentID:      newPaymentID(),
		OrderID:        req.OrderID,
		SubscriptionID: req.SubscriptionID,
		UserID:         req.UserID,
		PriceID:        req.PriceID,
		PlanTier:       req.PlanTier,
		Family:         req.Family,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Platform:       req.Platform,
		CreatedAt:      normTime(req.At),
	}})
}

// PlanCustomer records the processor customer id if none is cached yet.
func (b *Book) PlanCustomer(customerID string, at time.Time) []Event {
	if customerID == "" || b.Customer != nil {
		return nil
	}
	return []Event{CustomerIDSet{CustomerID: customerID, At: normTime(at)}}
}

func (b *Book) plan(subscriptionID, invoiceID string, events []Event) (Plan, error) {
	next := b
	if len(events) > 0 {
		next = b.Clone()
		for _, ev := range events {
			if err := next.Apply(ev); err != nil {
				return Plan{}, err
			}
		}
	}
	rec, _ := next.Record(subscriptionID)
	p := Plan{InvoiceID: invoiceID, Events: events}
	if rec != nil {
		p.Record = rec.clone()
	}
	return p, nil
}

func newInvoice(req InvoiceUpsert, at time.Time) InvoiceDetail {
	inv := InvoiceDetail{
		InvoiceID: req.InvoiceID,
		Status:    req.Target,
		Window:    normWindow(req.Window),
		PriceID:   req.PriceID,
		PlanTier:  req.PlanTier,
		Family:    req.Family,
		Amount:    req.Amount,
		Currency:  req.Currency,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if req.Target == StatusCompleted {
		inv.CompletedAt = cloneTime(&at)
	}
	return inv
}

func invoiceConflict(op, invoiceID, owner string) error {
	return berrors.New(berrors.KindConflict, op, fmt.Errorf("%w: invoice %s belongs to subscription %s", berrors.ErrInvoiceConflict, invoiceID, owner))
}
