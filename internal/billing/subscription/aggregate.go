// Package subscription derives per-family access state from the ledger.
package subscription

import (
	"slices"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/plan"
)

// Aggregate is the access state for one plan family of one user.
type Aggregate struct {
	Family                plan.Family   `json:"family"`
	IsActive              bool          `json:"is_active"`
	PlanTier              plan.Tier     `json:"plan_tier"`
	StartDate             time.Time     `json:"start_date"`
	EndDate               time.Time     `json:"end_date"`
	Status                ledger.Status `json:"status,omitempty"`
	ActiveSubscriptionIDs []string      `json:"active_subscription_ids"`
	AppliedInvoiceIDs     []string      `json:"applied_invoice_ids"`
}

// NewAggregate returns the inactive state of family.
func NewAggregate(family plan.Family) Aggregate {
	return Aggregate{Family: family, ActiveSubscriptionIDs: []string{}, AppliedInvoiceIDs: []string{}}
}

// ActiveAt reports whether the aggregate grants access at now.
func (a Aggregate) ActiveAt(now time.Time) bool {
	return a.IsActive && now.Before(a.EndDate)
}

// HasApplied reports whether invoiceID has extended this aggregate.
func (a Aggregate) HasApplied(invoiceID string) bool {
	_, found := slices.BinarySearch(a.AppliedInvoiceIDs, invoiceID)
	return found
}

// HasSubscription reports whether subscriptionID currently backs this aggregate.
func (a Aggregate) HasSubscription(subscriptionID string) bool {
	_, found := slices.BinarySearch(a.ActiveSubscriptionIDs, subscriptionID)
	return found
}

func (a Aggregate) clone() Aggregate {
	cp := a
	cp.ActiveSubscriptionIDs = slices.Clone(a.ActiveSubscriptionIDs)
	cp.AppliedInvoiceIDs = slices.Clone(a.AppliedInvoiceIDs)
	if cp.ActiveSubscriptionIDs == nil {
		cp.ActiveSubscriptionIDs = []string{}
	}
	if cp.AppliedInvoiceIDs == nil {
		cp.AppliedInvoiceIDs = []string{}
	}
	return cp
}

// equal compares two aggregates field by field.
func (a Aggregate) equal(b Aggregate) bool {
	return a.Family == b.Family &&
		a.IsActive == b.IsActive &&
		a.PlanTier == b.PlanTier &&
		a.StartDate.Equal(b.StartDate) &&
		a.EndDate.Equal(b.EndDate) &&
		a.Status == b.Status &&
		slices.Equal(a.ActiveSubscriptionIDs, b.ActiveSubscriptionIDs) &&
		slices.Equal(a.AppliedInvoiceIDs, b.AppliedInvoiceIDs)
}

// sorted-set helpers; the slices are kept sorted so encoding is deterministic.

func insertSorted(set []string, v string) []string {
	idx, found := slices.BinarySearch(set, v)
	if found {
		return set
	}
	return slices.Insert(set, idx, v)
}

func removeSorted(set []string, v string) ([]string, bool) {
	idx, found := slices.BinarySearch(set, v)
	if !found {
		return set, false
	}
	return slices.Delete(set, idx, idx+1), true
}
