package subscription

import (
	"sort"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/plan"
	berrors "github.com/rcourtman/subledger/internal/errors"
)

// InvoiceEvent is the ledger context a transition is computed against. Record
// and Book reflect the ledger after the triggering event was applied.
type InvoiceEvent struct {
	Record  ledger.PaymentRecord
	Invoice ledger.InvoiceDetail
	Book    *ledger.Book
	Now     time.Time
	// Lockstep marks the standard-family mirror of an ultimate invoice.
	Lockstep bool
}

// Transition is the result of applying one invoice event to an aggregate.
type Transition struct {
	Family         plan.Family
	Cause          ledger.Status
	SubscriptionID string
	InvoiceID      string
	Lockstep       bool
	Before         Aggregate
	After          Aggregate
	// Activated is set when access went from inactive to active.
	Activated   bool
	Deactivated bool
	// Supersede lists older subscriptions of the same family that should be
	// cancelled at period end because a newer one now backs the aggregate.
	Supersede []string
}

// Changed reports whether the aggregate moved.
func (t Transition) Changed() bool {
	return !t.Before.equal(t.After)
}

func newTransition(agg Aggregate, cause ledger.Status, ev InvoiceEvent) Transition {
	return Transition{
		Family:         agg.Family,
		Cause:          cause,
		SubscriptionID: ev.Record.SubscriptionID,
		InvoiceID:      ev.Invoice.InvoiceID,
		Lockstep:       ev.Lockstep,
		Before:         agg,
		After:          agg,
	}
}

// ApplyCompletedInvoice extends access by the invoice's tier period. An
// invoice is applied at most once per aggregate.
func ApplyCompletedInvoice(agg Aggregate, ev InvoiceEvent) Transition {
	tr := newTransition(agg, ledger.StatusCompleted, ev)
	if agg.HasApplied(ev.Invoice.InvoiceID) {
		return tr
	}

	next := agg.clone()
	tier := ev.Invoice.PlanTier
	wasActive := agg.ActiveAt(ev.Now)
	if wasActive {
		next.EndDate = agg.EndDate.Add(tier.Period())
		next.PlanTier = plan.Max(agg.PlanTier, tier)
	} else {
		next.StartDate = ev.Now
		next.EndDate = ev.Now.Add(tier.Period())
		next.PlanTier = tier
	}
	next.IsActive = true
	next.Status = ledger.StatusCompleted
	next.AppliedInvoiceIDs = insertSorted(next.AppliedInvoiceIDs, ev.Invoice.InvoiceID)
	if !ev.Lockstep {
		tr.Supersede = supersedeTargets(agg, ev)
		next.ActiveSubscriptionIDs = insertSorted(next.ActiveSubscriptionIDs, ev.Record.SubscriptionID)
	}

	tr.After = next
	tr.Activated = !wasActive
	return tr
}

// ApplyCancelledInvoice removes the subscription from the aggregate's backing
// set. Access is kept until EndDate; the aggregate only deactivates when no
// subscription remains and the window has already closed.
func ApplyCancelledInvoice(agg Aggregate, ev InvoiceEvent) Transition {
	tr := newTransition(agg, ledger.StatusCancelled, ev)
	next := agg.clone()
	next.ActiveSubscriptionIDs, _ = removeSorted(next.ActiveSubscriptionIDs, ev.Record.SubscriptionID)
	if len(next.ActiveSubscriptionIDs) == 0 && agg.Status != "" {
		next.Status = ledger.StatusCancelled
		if next.IsActive && !agg.ActiveAt(ev.Now) {
			next.IsActive = false
			tr.Deactivated = true
		}
	}
	tr.After = next
	return tr
}

// ApplyRefundedInvoice rewinds EndDate by the refunded invoice's period and
// recomputes the tier from the invoices still backing the aggregate.
func ApplyRefundedInvoice(agg Aggregate, ev InvoiceEvent) Transition {
	tr := newTransition(agg, ledger.StatusRefunded, ev)
	if !agg.HasApplied(ev.Invoice.InvoiceID) {
		return tr
	}

	next := agg.clone()
	next.AppliedInvoiceIDs, _ = removeSorted(next.AppliedInvoiceIDs, ev.Invoice.InvoiceID)
	if !ev.Lockstep {
		next.ActiveSubscriptionIDs, _ = removeSorted(next.ActiveSubscriptionIDs, ev.Record.SubscriptionID)
	}
	next.EndDate = agg.EndDate.Add(-ev.Invoice.PlanTier.Period())
	next.PlanTier = remainingTier(next.AppliedInvoiceIDs, ev.Book, ev.Now)
	next.IsActive = next.EndDate.After(ev.Now) && next.PlanTier != plan.TierNone
	next.Status = ledger.StatusRefunded

	tr.After = next
	tr.Deactivated = agg.ActiveAt(ev.Now) && !next.ActiveAt(ev.Now)
	return tr
}

// remainingTier is the highest tier among the invoices still backing the
// aggregate whose slot has not ended at now. Invoices are laid end to end in
// the order they were paid, the same way ApplyCompletedInvoice stacks them,
// so a renewal bought early covers the period after the one before it.
// Cancelled invoices keep their slot; they only set the tier when no
// uncancelled invoice is still running, since cancellation keeps access
// until the paid period ends.
func remainingTier(applied []string, book *ledger.Book, now time.Time) plan.Tier {
	if book == nil {
		return plan.TierNone
	}
	invoices := make([]ledger.InvoiceDetail, 0, len(applied))
	for _, id := range applied {
		_, inv, ok := book.FindInvoice(id)
		if !ok {
			continue
		}
		switch inv.Status {
		case ledger.StatusCompleted, ledger.StatusCancelledInProcessing, ledger.StatusCancelled:
			invoices = append(invoices, inv)
		}
	}
	sort.Slice(invoices, func(i, j int) bool {
		a, b := invoices[i].PaidAt(), invoices[j].PaidAt()
		if a.Equal(b) {
			return invoices[i].InvoiceID < invoices[j].InvoiceID
		}
		return a.Before(b)
	})

	tier, cancelled := plan.TierNone, plan.TierNone
	var end time.Time
	for _, inv := range invoices {
		start := inv.PaidAt()
		if end.After(start) {
			start = end
		}
		end = start.Add(inv.PlanTier.Period())
		if !end.After(now) {
			continue
		}
		if inv.Status == ledger.StatusCancelled {
			cancelled = plan.Max(cancelled, inv.PlanTier)
			continue
		}
		tier = plan.Max(tier, inv.PlanTier)
	}
	if tier == plan.TierNone {
		return cancelled
	}
	return tier
}

// supersedeTargets picks the older side of every pair formed by the newly
// completed subscription and the ones already backing the aggregate.
func supersedeTargets(agg Aggregate, ev InvoiceEvent) []string {
	if ev.Book == nil || ev.Record.WindingDown() {
		return nil
	}
	var out []string
	add := func(id string) {
		for _, existing := range out {
			if existing == id {
				return
			}
		}
		out = append(out, id)
	}
	for _, id := range agg.ActiveSubscriptionIDs {
		if id == ev.Record.SubscriptionID {
			continue
		}
		other, ok := ev.Book.Record(id)
		if !ok || other.WindingDown() {
			continue
		}
		if createdBefore(*other, ev.Record) {
			add(other.SubscriptionID)
		} else {
			add(ev.Record.SubscriptionID)
		}
	}
	return out
}

func createdBefore(a, b ledger.PaymentRecord) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.SubscriptionID < b.SubscriptionID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// upgradeRank is the purchase ordering of tiers.
var upgradeRank = map[plan.Tier]int{
	plan.TierDay:   1,
	plan.TierWeek:  2,
	plan.TierMonth: 3,
	plan.TierYear:  4,
}

// ValidateUpgradePath rejects purchases that would shorten the billing period
// of an active subscription. Without an active subscription any purchasable
// tier is allowed. TierNone is not purchasable and is always rejected as a
// target.
func ValidateUpgradePath(current plan.Tier, active bool, target plan.Tier) error {
	targetRank, ok := upgradeRank[target]
	if !ok {
		return berrors.UpgradeViolation(current.String(), target.String())
	}
	if !active {
		return nil
	}
	if targetRank < upgradeRank[current] {
		return berrors.UpgradeViolation(current.String(), target.String())
	}
	return nil
}

// ValidateUpgrade checks a purchase of target against the aggregate at now.
func (a Aggregate) ValidateUpgrade(target plan.Tier, now time.Time) error {
	return ValidateUpgradePath(a.PlanTier, a.ActiveAt(now), target)
}
