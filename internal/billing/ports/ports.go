// Package ports declares the external collaborators the reconciler talks to.
// None of them own ledger state; failures never roll a ledger change back.
package ports

import (
	"context"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/subscription"
)

// EntitlementSnapshot is what the entitlement service believes about a user.
type EntitlementSnapshot struct {
	IsActive  bool      `json:"is_active"`
	PlanTier  plan.Tier `json:"plan_tier"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// EntitlementService grants and revokes feature access.
type EntitlementService interface {
	GetSubscription(ctx context.Context, userID string, ultimate bool) (*EntitlementSnapshot, error)
	UpdateSubscription(ctx context.Context, userID string, agg subscription.Aggregate, ultimate bool) error
	ResetUsageLimits(ctx context.Context, userID string) error
}

// PaymentSuccess is reported to analytics for every completed charge.
type PaymentSuccess struct {
	Platform      ledger.Platform `json:"platform"`
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	PriceID       string          `json:"price_id,omitempty"`
	Amount        string          `json:"amount,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// AnalyticsReporter records payment successes. Calls are fire-and-forget.
type AnalyticsReporter interface {
	ReportPaymentSuccess(ctx context.Context, ev PaymentSuccess) error
}

// QualifyingSubscription tells the referral service an invitee paid.
type QualifyingSubscription struct {
	InviterID string    `json:"inviter_id"`
	InviteeID string    `json:"invitee_id"`
	PlanTier  plan.Tier `json:"plan_tier"`
	Ultimate  bool      `json:"ultimate"`
	InvoiceID string    `json:"invoice_id"`
}

// ReferralService credits inviters for paying invitees.
type ReferralService interface {
	// GetInviter returns "" when the user was not invited.
	GetInviter(ctx context.Context, userID string) (string, error)
	NotifyQualifyingSubscription(ctx context.Context, q QualifyingSubscription) error
}

// PlatformCanceller schedules a platform subscription to end at its period end.
type PlatformCanceller interface {
	CancelAtPeriodEnd(ctx context.Context, subscriptionID, reason string) error
}

// CheckoutSessionRequest describes a hosted checkout to create.
type CheckoutSessionRequest struct {
	UserID     string
	CustomerID string
	PriceID    string
	OrderID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is a created hosted checkout.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CardProcessor is the card payment platform used for web checkout.
type CardProcessor interface {
	PlatformCanceller
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)
}
