package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/metrics"
	"github.com/rcourtman/subledger/internal/billing/notify"
	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/ports"
	"github.com/rcourtman/subledger/internal/billing/subscription"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/rcourtman/subledger/internal/logging"
	"go.opentelemetry.io/otel/attribute"
)

// Side-effect targets, used as metric labels.
const (
	targetEntitlement = "entitlement"
	targetUsageReset  = "usage_reset"
	targetAnalytics   = "analytics"
	targetReferral    = "referral"
	targetCancel      = "platform_cancel"
	targetCustomer    = "customer"
)

const supersedeReason = "superseded"

// dispatchEffects pushes the outcome of a committed ledger change to
// collaborators. Entitlement updates run inline so the next notification for
// the user sees them applied; analytics and referrals run in the background.
// Nothing here rolls the ledger back.
func (a *userActor) dispatchEffects(ctx context.Context, c notify.Classification, invoiceID string, transitions []subscription.Transition) {
	o := a.sys.o

	changed := make(map[plan.Family]subscription.Aggregate, 2)
	activated := false
	var supersede []string
	for _, tr := range transitions {
		changed[tr.Family] = tr.After
		activated = activated || tr.Activated
		supersede = append(supersede, tr.Supersede...)
	}

	for _, family := range plan.Families() {
		agg, ok := changed[family]
		if !ok {
			continue
		}
		_ = o.withRetry(ctx, targetEntitlement, func(ctx context.Context) error {
			return o.deps.Entitlements.UpdateSubscription(ctx, a.userID, agg, family.Ultimate())
		})
	}
	if activated {
		_ = o.withRetry(ctx, targetUsageReset, func(ctx context.Context) error {
			return o.deps.Entitlements.ResetUsageLimits(ctx, a.userID)
		})
	}

	if c.Kind == notify.KindPaymentCompleted && invoiceID != "" {
		if rec, ok := a.proj.Book.Record(c.Keys.SubscriptionID); ok {
			if inv, ok := rec.Invoice(invoiceID); ok && inv.Status == ledger.StatusCompleted {
				a.reportPayment(ctx, *rec, inv)
				if firstCompleted(rec) {
					a.notifyReferral(ctx, *rec, inv)
				}
			}
		}
	}

	for _, subscriptionID := range supersede {
		a.supersede(ctx, subscriptionID)
	}
}

// firstCompleted reports whether rec holds exactly one paid invoice, which
// makes it a new subscription rather than a renewal.
func firstCompleted(rec *ledger.PaymentRecord) bool {
	n := 0
	for _, inv := range rec.Invoices {
		if inv.CompletedAt != nil {
			n++
		}
	}
	return n == 1
}

func (a *userActor) reportPayment(ctx context.Context, rec ledger.PaymentRecord, inv ledger.InvoiceDetail) {
	o := a.sys.o
	if o.deps.Analytics == nil {
		return
	}
	ev := ports.PaymentSuccess{
		Platform:      rec.Platform,
		TransactionID: inv.InvoiceID,
		UserID:        a.userID,
		PriceID:       inv.PriceID,
		Currency:      inv.Currency,
		OccurredAt:    o.now(),
	}
	if !inv.Amount.IsZero() {
		ev.Amount = inv.Amount.String()
	}
	if inv.CompletedAt != nil {
		ev.OccurredAt = *inv.CompletedAt
	}
	o.goBackground(ctx, targetAnalytics, func(ctx context.Context) error {
		return o.deps.Analytics.ReportPaymentSuccess(ctx, ev)
	})
}

func (a *userActor) notifyReferral(ctx context.Context, rec ledger.PaymentRecord, inv ledger.InvoiceDetail) {
	o := a.sys.o
	if o.deps.Referrals == nil {
		return
	}
	userID := a.userID
	o.goBackground(ctx, targetReferral, func(ctx context.Context) error {
		inviter, err := o.deps.Referrals.GetInviter(ctx, userID)
		if err != nil || inviter == "" {
			return err
		}
		return o.deps.Referrals.NotifyQualifyingSubscription(ctx, ports.QualifyingSubscription{
			InviterID: inviter,
			InviteeID: userID,
			PlanTier:  inv.PlanTier,
			Ultimate:  inv.Family.Ultimate(),
			InvoiceID: inv.InvoiceID,
		})
	})
}

// supersede schedules an older subscription to end at its period end and
// records the pending cancellation once the platform accepts it.
func (a *userActor) supersede(ctx context.Context, subscriptionID string) {
	o := a.sys.o
	logger := logging.FromContext(ctx)
	rec, ok := a.proj.Book.Record(subscriptionID)
	if !ok || rec.WindingDown() {
		return
	}
	platform := rec.Platform
	canceller := o.deps.Cancellers[platform]
	if canceller == nil {
		metrics.SupersededTotal.WithLabelValues(string(platform), "unsupported").Inc()
		logger.Warn().Str("user_id", a.userID).Str("subscription_id", subscriptionID).
			Str("platform", string(platform)).
			Msg("No canceller configured for superseded subscription")
		return
	}

	err := o.withRetry(ctx, targetCancel, func(ctx context.Context) error {
		return canceller.CancelAtPeriodEnd(ctx, subscriptionID, supersedeReason)
	})
	switch {
	case errors.Is(err, berrors.ErrUnsupported):
		metrics.SupersededTotal.WithLabelValues(string(platform), "unsupported").Inc()
		logger.Info().Str("user_id", a.userID).Str("subscription_id", subscriptionID).
			Str("platform", string(platform)).
			Msg("Superseded subscription must be cancelled by the user on the platform")
		return
	case err != nil:
		metrics.SupersededTotal.WithLabelValues(string(platform), "failed").Inc()
		logger.Error().Err(err).Str("user_id", a.userID).Str("subscription_id", subscriptionID).
			Msg("Failed to cancel superseded subscription")
		return
	}
	metrics.SupersededTotal.WithLabelValues(string(platform), "scheduled").Inc()

	p, err := a.proj.Book.PlanInvoice(ledger.InvoiceUpsert{
		UserID:         a.userID,
		SubscriptionID: subscriptionID,
		Target:         ledger.StatusCancelledInProcessing,
		Platform:       platform,
		At:             o.now(),
	})
	if err != nil || !p.Changed() {
		if err != nil {
			logger.Warn().Err(err).Str("subscription_id", subscriptionID).
				Msg("Could not record pending cancellation of superseded subscription")
		}
		return
	}
	if _, err := a.commit(ctx, p.Events); err != nil {
		logger.Error().Err(err).Str("subscription_id", subscriptionID).
			Msg("Failed to record pending cancellation of superseded subscription")
	}
}

// withRetry calls fn with a per-attempt timeout, backing off between
// attempts. Unsupported operations are not retried.
func (o *Orchestrator) withRetry(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	ctx, span := startSpan(ctx, traceSpanEffect, attribute.String(traceAttrTarget, target))
	defer span.End()

	var err error
	backoff := o.opts.SideEffectBackoff
	for attempt := 1; attempt <= o.opts.SideEffectAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.opts.SideEffectTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			metrics.SideEffectsTotal.WithLabelValues(target, "ok").Inc()
			markSpanResult(span, nil)
			return nil
		}
		if errors.Is(err, berrors.ErrUnsupported) {
			metrics.SideEffectsTotal.WithLabelValues(target, "unsupported").Inc()
			markSpanResult(span, nil)
			return err
		}
		if attempt == o.opts.SideEffectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			attempt = o.opts.SideEffectAttempts
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	metrics.SideEffectsTotal.WithLabelValues(target, "error").Inc()
	markSpanResult(span, err)
	logger := logging.FromContext(ctx)
	logger.Warn().Err(err).Str("target", target).Int("attempts", o.opts.SideEffectAttempts).
		Msg("Side effect failed, ledger state is unaffected")
	return berrors.Transient(target, err)
}

// goBackground runs fn detached from the caller's cancellation.
func (o *Orchestrator) goBackground(ctx context.Context, target string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		_ = o.withRetry(ctx, target, fn)
	}()
}
