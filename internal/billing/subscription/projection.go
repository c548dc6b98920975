package subscription

import (
	"fmt"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/plan"
)

// Projection is the full derived state of one user: the folded ledger and
// one aggregate per family. Projections are immutable; Apply returns a new one.
type Projection struct {
	UserID     string                    `json:"user_id"`
	Seq        int64                     `json:"seq"`
	Book       *ledger.Book              `json:"book"`
	Aggregates map[plan.Family]Aggregate `json:"aggregates"`
}

// NewProjection returns the state of a user with no ledger entries.
func NewProjection(userID string) *Projection {
	return &Projection{
		UserID:     userID,
		Book:       ledger.NewBook(userID),
		Aggregates: map[plan.Family]Aggregate{},
	}
}

// Replay folds entries in order into a fresh projection.
func Replay(userID string, entries []ledger.Entry) (*Projection, error) {
	p := NewProjection(userID)
	for _, e := range entries {
		next, _, err := p.Apply(e)
		if err != nil {
			return nil, err
		}
		p = next
	}
	return p, nil
}

// Aggregate returns the state of family, inactive if it was never paid for.
func (p *Projection) Aggregate(family plan.Family) Aggregate {
	if agg, ok := p.Aggregates[family]; ok {
		return agg.clone()
	}
	return NewAggregate(family)
}

// Clone returns a deep copy.
func (p *Projection) Clone() *Projection {
	cp := &Projection{
		UserID:     p.UserID,
		Seq:        p.Seq,
		Book:       p.Book.Clone(),
		Aggregates: make(map[plan.Family]Aggregate, len(p.Aggregates)),
	}
	for f, agg := range p.Aggregates {
		cp.Aggregates[f] = agg.clone()
	}
	return cp
}

// Apply folds one entry. The entry's timestamp is used as the evaluation
// time so replay reaches the same state as live processing did.
func (p *Projection) Apply(e ledger.Entry) (*Projection, []Transition, error) {
	if e.Seq != p.Seq+1 {
		return nil, nil, fmt.Errorf("user %s: entry seq %d does not follow %d", p.UserID, e.Seq, p.Seq)
	}
	next := p.Clone()
	if err := next.Book.Apply(e.Event); err != nil {
		return nil, nil, fmt.Errorf("user %s: apply entry %d: %w", p.UserID, e.Seq, err)
	}
	next.Seq = e.Seq

	var subscriptionID, invoiceID string
	var status ledger.Status
	switch ev := e.Event.(type) {
	case ledger.InvoiceAdded:
		subscriptionID, invoiceID, status = ev.SubscriptionID, ev.Invoice.InvoiceID, ev.Invoice.Status
	case ledger.InvoiceStatusUpdated:
		subscriptionID, invoiceID, status = ev.SubscriptionID, ev.InvoiceID, ev.To
	default:
		return next, nil, nil
	}

	rec, ok := next.Book.Record(subscriptionID)
	if !ok {
		return nil, nil, fmt.Errorf("user %s: record %s missing after entry %d", p.UserID, subscriptionID, e.Seq)
	}
	inv, ok := rec.Invoice(invoiceID)
	if !ok {
		return nil, nil, fmt.Errorf("user %s: invoice %s missing after entry %d", p.UserID, invoiceID, e.Seq)
	}
	transitions := next.derive(status, *rec, inv, e.At)
	return next, transitions, nil
}

func (p *Projection) derive(status ledger.Status, rec ledger.PaymentRecord, inv ledger.InvoiceDetail, now time.Time) []Transition {
	var apply func(Aggregate, InvoiceEvent) Transition
	switch status {
	case ledger.StatusCompleted:
		apply = ApplyCompletedInvoice
	case ledger.StatusCancelled:
		apply = ApplyCancelledInvoice
	case ledger.StatusRefunded:
		apply = ApplyRefundedInvoice
	default:
		return nil
	}

	family := inv.Family
	if family == "" {
		family = plan.FamilyStandard
	}
	ev := InvoiceEvent{Record: rec, Invoice: inv, Book: p.Book, Now: now}

	var out []Transition
	step := func(f plan.Family, ev InvoiceEvent) {
		tr := apply(p.Aggregate(f), ev)
		if !tr.Changed() {
			return
		}
		p.Aggregates[f] = tr.After
		out = append(out, tr)
	}
	step(family, ev)
	// Ultimate includes standard access, so standard moves in lockstep.
	if family.Ultimate() {
		ev.Lockstep = true
		step(plan.FamilyStandard, ev)
	}
	return out
}

// ActiveFamilies lists the families granting access at now.
func (p *Projection) ActiveFamilies(now time.Time) []plan.Family {
	var out []plan.Family
	for _, f := range plan.Families() {
		if p.Aggregate(f).ActiveAt(now) {
			out = append(out, f)
		}
	}
	return out
}
