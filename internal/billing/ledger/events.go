package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/shopspring/decimal"
)

// EventKind names a ledger event on the wire.
type EventKind string

const (
	KindUpsertPaymentRecord EventKind = "UpsertPaymentRecord"
	KindAddInvoice          EventKind = "AddInvoice"
	KindUpdateInvoiceStatus EventKind = "UpdateInvoiceStatus"
	KindSetCustomerID       EventKind = "SetCustomerId"
)

// Event is one of RecordUpserted, InvoiceAdded, InvoiceStatusUpdated or CustomerIDSet.
type Event interface {
	Kind() EventKind
	ledgerEvent()
}

// RecordUpserted creates a payment record or fills in correlation keys that
// were unknown when it was created.
type RecordUpserted struct {
	PaymentID      string          `json:"payment_id"`
	OrderID        string          `json:"order_id,omitempty"`
	SubscriptionID string          `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	PriceID        string          `json:"price_id,omitempty"`
	PlanTier       plan.Tier       `json:"plan_tier"`
	Family         plan.Family     `json:"family"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
	Platform       Platform        `json:"platform"`
	CreatedAt      time.Time       `json:"created_at"`
}

// InvoiceAdded appends a new invoice to an existing record.
type InvoiceAdded struct {
	SubscriptionID string        `json:"subscription_id"`
	Invoice        InvoiceDetail `json:"invoice"`
}

// InvoiceStatusUpdated moves an invoice through its lifecycle.
type InvoiceStatusUpdated struct {
	SubscriptionID string    `json:"subscription_id"`
	InvoiceID      string    `json:"invoice_id"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	At             time.Time `json:"at"`
}

// CustomerIDSet caches the processor customer handle. It is set once.
type CustomerIDSet struct {
	CustomerID string    `json:"customer_id"`
	At         time.Time `json:"at"`
}

func (RecordUpserted) Kind() EventKind       { return KindUpsertPaymentRecord }
func (InvoiceAdded) Kind() EventKind         { return KindAddInvoice }
func (InvoiceStatusUpdated) Kind() EventKind { return KindUpdateInvoiceStatus }
func (CustomerIDSet) Kind() EventKind        { return KindSetCustomerID }

func (RecordUpserted) ledgerEvent()       {}
func (InvoiceAdded) ledgerEvent()         {}
func (InvoiceStatusUpdated) ledgerEvent() {}
func (CustomerIDSet) ledgerEvent()        {}

// Entry is a persisted event with its position in the user's log.
type Entry struct {
	ID     string
	UserID string
	Seq    int64
	At     time.Time
	Event  Event
}

// NewEntry stamps ev for the user's log at position seq.
func NewEntry(userID string, seq int64, at time.Time, ev Event) Entry {
	at = normTime(at)
	return Entry{
		ID:     ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		UserID: userID,
		Seq:    seq,
		At:     at,
		Event:  ev,
	}
}

// Kind returns the kind of the wrapped event.
func (e Entry) Kind() EventKind {
	if e.Event == nil {
		return ""
	}
	return e.Event.Kind()
}

type entryJSON struct {
	ID     string          `json:"id"`
	UserID string          `json:"user_id"`
	Seq    int64           `json:"seq"`
	At     time.Time       `json:"at"`
	Kind   EventKind       `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

// MarshalJSON encodes the entry with the event under a kind tag.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("ledger entry %s has no event", e.ID)
	}
	data, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Event.Kind(), err)
	}
	return json.Marshal(entryJSON{
		ID:     e.ID,
		UserID: e.UserID,
		Seq:    e.Seq,
		At:     e.At,
		Kind:   e.Event.Kind(),
		Data:   data,
	})
}

// UnmarshalJSON decodes an entry written by MarshalJSON.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ev, err := DecodeEvent(raw.Kind, raw.Data)
	if err != nil {
		return err
	}
	*e = Entry{ID: raw.ID, UserID: raw.UserID, Seq: raw.Seq, At: raw.At, Event: ev}
	return nil
}

// DecodeEvent decodes the payload of an event of the given kind.
func DecodeEvent(kind EventKind, data []byte) (Event, error) {
	switch kind {
	case KindUpsertPaymentRecord:
		var ev RecordUpserted
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return ev, nil
	case KindAddInvoice:
		var ev InvoiceAdded
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return ev, nil
	case KindUpdateInvoiceStatus:
		var ev InvoiceStatusUpdated
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return ev, nil
	case KindSetCustomerID:
		var ev CustomerIDSet
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown ledger event kind %q", kind)
	}
}
