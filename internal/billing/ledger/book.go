package ledger

import (
	"fmt"
	"time"
)

// Book is the folded ledger state of one user.
type Book struct {
	UserID   string            `json:"user_id"`
	Customer *CustomerIdentity `json:"customer,omitempty"`
	Records  []PaymentRecord   `json:"records"`
}

// NewBook returns an empty book for userID.
func NewBook(userID string) *Book {
	return &Book{UserID: userID, Records: []PaymentRecord{}}
}

// Clone returns a deep copy.
func (b *Book) Clone() *Book {
	cp := &Book{UserID: b.UserID, Records: make([]PaymentRecord, len(b.Records))}
	if b.Customer != nil {
		c := *b.Customer
		cp.Customer = &c
	}
	for i, r := range b.Records {
		cp.Records[i] = r.clone()
	}
	return cp
}

// Record returns the record for subscriptionID.
func (b *Book) Record(subscriptionID string) (*PaymentRecord, bool) {
	idx := b.recordIndex(subscriptionID)
	if idx < 0 {
		return nil, false
	}
	return &b.Records[idx], true
}

// RecordByOrder returns the record created for a checkout order id.
func (b *Book) RecordByOrder(orderID string) (*PaymentRecord, bool) {
	if orderID == "" {
		return nil, false
	}
	for i := range b.Records {
		if b.Records[i].OrderID == orderID {
			return &b.Records[i], true
		}
	}
	return nil, false
}

// FindInvoice locates an invoice across all records.
func (b *Book) FindInvoice(invoiceID string) (*PaymentRecord, InvoiceDetail, bool) {
	for i := range b.Records {
		if inv, ok := b.Records[i].Invoice(invoiceID); ok {
			return &b.Records[i], inv, true
		}
	}
	return nil, InvoiceDetail{}, false
}

func (b *Book) recordIndex(subscriptionID string) int {
	for i := range b.Records {
		if b.Records[i].SubscriptionID == subscriptionID {
			return i
		}
	}
	return -1
}

// Apply folds one event into the book. Events produced by the planners in
// this package always apply; an error indicates a corrupted log.
func (b *Book) Apply(ev Event) error {
	switch e := ev.(type) {
	case RecordUpserted:
		return b.applyRecordUpserted(e)
	case InvoiceAdded:
		return b.applyInvoiceAdded(e)
	case InvoiceStatusUpdated:
		return b.applyInvoiceStatusUpdated(e)
	case CustomerIDSet:
		if b.Customer == nil {
			b.Customer = &CustomerIdentity{CustomerID: e.CustomerID, CreatedAt: e.At}
		}
		return nil
	default:
		return fmt.Errorf("unsupported ledger event %T", ev)
	}
}

func (b *Book) applyRecordUpserted(e RecordUpserted) error {
	if e.SubscriptionID == "" {
		return fmt.Errorf("record upsert without subscription id")
	}
	if rec, ok := b.Record(e.SubscriptionID); ok {
		if rec.OrderID == "" {
			rec.OrderID = e.OrderID
		}
		if rec.ProductPriceID == "" {
			rec.ProductPriceID = e.PriceID
		}
		return nil
	}
	b.Records = append(b.Records, PaymentRecord{
		PaymentID:      e.PaymentID,
		OrderID:        e.OrderID,
		SubscriptionID: e.SubscriptionID,
		UserID:         e.UserID,
		ProductPriceID: e.PriceID,
		PlanTier:       e.PlanTier,
		Family:         e.Family,
		Amount:         e.Amount,
		Currency:       e.Currency,
		Platform:       e.Platform,
		Status:         StatusProcessing,
		CreatedAt:      e.CreatedAt,
		Invoices:       []InvoiceDetail{},
	})
	return nil
}

func (b *Book) applyInvoiceAdded(e InvoiceAdded) error {
	rec, ok := b.Record(e.SubscriptionID)
	if !ok {
		return fmt.Errorf("invoice %s added to unknown subscription %s", e.Invoice.InvoiceID, e.SubscriptionID)
	}
	if owner, _, exists := b.FindInvoice(e.Invoice.InvoiceID); exists {
		return fmt.Errorf("invoice %s already recorded under subscription %s", e.Invoice.InvoiceID, owner.SubscriptionID)
	}
	rec.Invoices = append(rec.Invoices, e.Invoice)
	rec.ProductPriceID = e.Invoice.PriceID
	rec.PlanTier = e.Invoice.PlanTier
	rec.Family = e.Invoice.Family
	rec.Amount = e.Invoice.Amount
	rec.Currency = e.Invoice.Currency
	rec.Status = e.Invoice.Status
	if e.Invoice.CompletedAt != nil && rec.CompletedAt == nil {
		rec.CompletedAt = cloneTime(e.Invoice.CompletedAt)
	}
	return nil
}

func (b *Book) applyInvoiceStatusUpdated(e InvoiceStatusUpdated) error {
	idx := b.recordIndex(e.SubscriptionID)
	if idx < 0 {
		return fmt.Errorf("status update for unknown subscription %s", e.SubscriptionID)
	}
	rec := &b.Records[idx]
	for i := range rec.Invoices {
		inv := &rec.Invoices[i]
		if inv.InvoiceID != e.InvoiceID {
			continue
		}
		inv.Status = e.To
		inv.UpdatedAt = e.At
		if e.To == StatusCompleted && inv.CompletedAt == nil {
			inv.CompletedAt = cloneTime(&e.At)
		}
		if i == len(rec.Invoices)-1 {
			rec.Status = e.To
			if e.To == StatusCompleted && rec.CompletedAt == nil {
				rec.CompletedAt = cloneTime(&e.At)
			}
		}
		return nil
	}
	return fmt.Errorf("status update for unknown invoice %s", e.InvoiceID)
}

// LatestActivity returns the time of the newest invoice update, used for audits.
func (b *Book) LatestActivity() time.Time {
	var latest time.Time
	for _, r := range b.Records {
		for _, inv := range r.Invoices {
			if inv.UpdatedAt.After(latest) {
				latest = inv.UpdatedAt
			}
		}
	}
	return latest
}
