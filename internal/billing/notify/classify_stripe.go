package notify

import (
	"context"
	"strings"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	berrors "github.com/rcourtman/subledger/internal/errors"
	stripelib "github.com/stripe/stripe-go/v82"
)

// Metadata keys set on checkout sessions and propagated to subscriptions.
const (
	MetadataUserID  = "user_id"
	MetadataOrderID = "order_id"
	MetadataPriceID = "price_id"
)

// ClassifyStripe classifies a decoded Stripe event.
func (c *Classifier) ClassifyStripe(ctx context.Context, event *stripelib.Event) (Classification, error) {
	base := Classification{
		Platform:   ledger.PlatformCardProcessor,
		DeliveryID: event.ID,
		EventType:  string(event.Type),
		OccurredAt: unixSeconds(event.Created),
	}

	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := decodeObject(event, &session); err != nil {
			return Classification{}, err
		}
		return c.classifyCheckout(ctx, base, session)

	case "invoice.paid", "invoice.payment_succeeded":
		var inv Invoice
		if err := decodeObject(event, &inv); err != nil {
			return Classification{}, err
		}
		return c.classifyInvoice(ctx, base, inv, KindPaymentCompleted)

	case "invoice.payment_failed":
		var inv Invoice
		if err := decodeObject(event, &inv); err != nil {
			return Classification{}, err
		}
		return c.classifyInvoice(ctx, base, inv, KindPaymentFailed)

	case "customer.subscription.updated":
		var sub Subscription
		if err := decodeObject(event, &sub); err != nil {
			return Classification{}, err
		}
		if _, changed := event.Data.PreviousAttributes["cancel_at_period_end"]; !changed {
			return ignored(base, "subscription update does not change cancellation"), nil
		}
		kind := KindReinstated
		if sub.CancelAtPeriodEnd {
			kind = KindCancelRequested
		}
		return c.classifySubscription(ctx, base, sub, kind)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := decodeObject(event, &sub); err != nil {
			return Classification{}, err
		}
		return c.classifySubscription(ctx, base, sub, KindCancelConfirmed)

	case "charge.refunded":
		var ch Charge
		if err := decodeObject(event, &ch); err != nil {
			return Classification{}, err
		}
		return c.classifyRefund(ctx, base, ch)

	default:
		return ignored(base, "unhandled event type"), nil
	}
}

func (c *Classifier) classifyCheckout(ctx context.Context, base Classification, s CheckoutSession) (Classification, error) {
	const op = "classify.stripe_checkout"
	if s.Mode != "subscription" || strings.TrimSpace(s.Subscription) == "" {
		return ignored(base, "checkout is not a subscription purchase"), nil
	}
	base.Kind = KindCheckoutCompleted
	base.Keys = Keys{
		SubscriptionID: strings.TrimSpace(s.Subscription),
		OrderID:        strings.TrimSpace(s.Metadata[MetadataOrderID]),
		PriceID:        strings.TrimSpace(s.Metadata[MetadataPriceID]),
		CustomerID:     strings.TrimSpace(s.Customer),
	}
	base.Currency = strings.ToLower(s.Currency)
	base.Amount = stripeAmount(s.AmountTotal, base.Currency)

	ref, err := c.lookupSubscription(ctx, op, base.Keys.SubscriptionID)
	if err != nil {
		return Classification{}, err
	}
	resolveUser(&base, firstNonEmpty(s.Metadata[MetadataUserID], s.ClientReferenceID), ref)
	if base.Keys.UserID == "" {
		return Classification{}, unresolvable(op, base, "checkout %s carries no user id", s.ID)
	}
	c.attachProduct(&base)
	return base, nil
}

func (c *Classifier) classifyInvoice(ctx context.Context, base Classification, inv Invoice, kind Kind) (Classification, error) {
	const op = "classify.stripe_invoice"
	subID := inv.SubscriptionID()
	if subID == "" {
		return ignored(base, "invoice is not tied to a subscription"), nil
	}
	base.Kind = kind
	base.Keys = Keys{
		SubscriptionID: subID,
		InvoiceID:      strings.TrimSpace(inv.ID),
		OrderID:        inv.MetadataValue(MetadataOrderID),
		PriceID:        inv.FirstPriceID(),
		CustomerID:     strings.TrimSpace(inv.Customer),
	}
	if base.Keys.InvoiceID == "" {
		return Classification{}, berrors.Malformed(op, errInvoiceID)
	}
	base.Currency = strings.ToLower(inv.Currency)
	amount := inv.AmountDue
	if kind == KindPaymentCompleted {
		amount = inv.AmountPaid
		if paid := unixSeconds(inv.StatusTransitions.PaidAt); !paid.IsZero() {
			base.OccurredAt = paid
		}
	}
	base.Amount = stripeAmount(amount, base.Currency)
	if len(inv.Lines.Data) > 0 {
		period := inv.Lines.Data[0].Period
		base.Window = ledger.Window{Start: unixSeconds(period.Start), End: unixSeconds(period.End)}
	}

	ref, err := c.lookupSubscription(ctx, op, subID)
	if err != nil {
		return Classification{}, err
	}
	resolveUser(&base, inv.MetadataValue(MetadataUserID), ref)
	if base.Keys.UserID == "" {
		return Classification{}, unresolvable(op, base, "invoice %s: no user for subscription %s", inv.ID, subID)
	}
	if !c.attachProduct(&base) {
		return Classification{}, unresolvable(op, base, "invoice %s: price %q is not in the catalog", inv.ID, base.Keys.PriceID)
	}
	return base, nil
}

func (c *Classifier) classifySubscription(ctx context.Context, base Classification, sub Subscription, kind Kind) (Classification, error) {
	const op = "classify.stripe_subscription"
	base.Kind = kind
	base.Keys = Keys{
		SubscriptionID: strings.TrimSpace(sub.ID),
		InvoiceID:      strings.TrimSpace(sub.LatestInvoice),
		OrderID:        strings.TrimSpace(sub.Metadata[MetadataOrderID]),
		PriceID:        sub.FirstPriceID(),
		CustomerID:     strings.TrimSpace(sub.Customer),
	}
	if base.Keys.SubscriptionID == "" {
		return Classification{}, berrors.Malformed(op, errSubscriptionID)
	}
	ref, err := c.lookupSubscription(ctx, op, base.Keys.SubscriptionID)
	if err != nil {
		return Classification{}, err
	}
	resolveUser(&base, sub.Metadata[MetadataUserID], ref)
	if base.Keys.UserID == "" {
		return Classification{}, unresolvable(op, base, "subscription %s is unknown and carries no user id", sub.ID)
	}
	c.attachProduct(&base)
	return base, nil
}

func (c *Classifier) classifyRefund(ctx context.Context, base Classification, ch Charge) (Classification, error) {
	const op = "classify.stripe_refund"
	if !ch.Refunded {
		return ignored(base, "partial refund"), nil
	}
	invoiceID := firstNonEmpty(ch.Invoice, ch.Metadata["invoice_id"])
	if invoiceID == "" {
		return Classification{}, unresolvable(op, base, "charge %s is not linked to an invoice", ch.ID)
	}
	base.Kind = KindRefundConfirmed
	base.Keys = Keys{InvoiceID: invoiceID, CustomerID: strings.TrimSpace(ch.Customer)}
	base.Currency = strings.ToLower(ch.Currency)
	base.Amount = stripeAmount(ch.AmountRefunded, base.Currency)

	ref, err := c.lookupInvoice(ctx, op, invoiceID)
	if err != nil {
		return Classification{}, err
	}
	if ref == nil {
		return Classification{}, unresolvable(op, base, "refunded invoice %s has not been recorded", invoiceID)
	}
	base.Keys.SubscriptionID = ref.SubscriptionID
	resolveUser(&base, ch.Metadata[MetadataUserID], ref)
	c.attachProduct(&base)
	return base, nil
}
