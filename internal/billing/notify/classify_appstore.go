package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/rs/zerolog/log"
)

var (
	errInvoiceID      = errors.New("invoice id is required")
	errSubscriptionID = errors.New("subscription id is required")
)

// appStoreKind maps a notification type and subtype to its ledger meaning.
func appStoreKind(notificationType, subtype string) (Kind, string) {
	switch notificationType {
	case "SUBSCRIBED", "DID_RENEW":
		return KindPaymentCompleted, ""
	case "OFFER_REDEEMED":
		if subtype == "DOWNGRADE" {
			return KindIgnored, "downgrade takes effect at next renewal"
		}
		return KindPaymentCompleted, ""
	case "DID_CHANGE_RENEWAL_PREF":
		if subtype == "UPGRADE" {
			return KindPaymentCompleted, ""
		}
		return KindIgnored, "renewal preference change takes effect at next renewal"
	case "DID_CHANGE_RENEWAL_STATUS":
		switch subtype {
		case "AUTO_RENEW_DISABLED":
			return KindCancelRequested, ""
		case "AUTO_RENEW_ENABLED":
			return KindReinstated, ""
		}
		return KindIgnored, "unknown renewal status subtype"
	case "EXPIRED", "GRACE_PERIOD_EXPIRED", "REVOKE":
		return KindCancelConfirmed, ""
	case "REFUND":
		return KindRefundConfirmed, ""
	case "CONSUMPTION_REQUEST":
		return KindRefundRequested, ""
	case "REFUND_DECLINED":
		return KindReinstated, ""
	case "DID_FAIL_TO_RENEW":
		return KindPaymentFailed, ""
	case "TEST":
		return KindIgnored, "test notification"
	default:
		return KindIgnored, "unhandled notification type"
	}
}

// ClassifyAppStore classifies a decoded App Store notification.
func (c *Classifier) ClassifyAppStore(ctx context.Context, n *AppStoreNotification) (Classification, error) {
	const op = "classify.appstore"
	base := Classification{
		Platform:   ledger.PlatformAppStore,
		DeliveryID: n.NotificationUUID,
		EventType:  n.EventType(),
		OccurredAt: unixMillis(n.SignedDate),
	}

	if c.bundleID != "" && n.Data.BundleID != c.bundleID {
		log.Warn().Str("bundle_id", n.Data.BundleID).Str("notification_uuid", n.NotificationUUID).
			Msg("App Store notification for another bundle ignored")
		return ignored(base, "bundle mismatch"), nil
	}
	if c.environment != "" && !strings.EqualFold(n.Data.Environment, c.environment) {
		return ignored(base, fmt.Sprintf("environment %s not accepted", n.Data.Environment)), nil
	}

	kind, reason := appStoreKind(n.NotificationType, n.Subtype)
	if kind == KindIgnored {
		return ignored(base, reason), nil
	}

	tx := n.Transaction
	if tx == nil {
		return Classification{}, unresolvable(op, base, "%s carries no transaction", n.EventType())
	}
	if c.bundleID != "" && tx.BundleID != "" && tx.BundleID != c.bundleID {
		return ignored(base, "transaction bundle mismatch"), nil
	}

	base.Kind = kind
	base.Keys = Keys{
		SubscriptionID: strings.TrimSpace(tx.OriginalTransactionID),
		InvoiceID:      strings.TrimSpace(tx.TransactionID),
		PriceID:        strings.TrimSpace(tx.ProductID),
	}
	if base.Keys.SubscriptionID == "" {
		return Classification{}, berrors.Malformed(op, errSubscriptionID)
	}
	if base.Keys.InvoiceID == "" {
		return Classification{}, berrors.Malformed(op, errInvoiceID)
	}
	base.Window = ledger.Window{Start: unixMillis(tx.PurchaseDate), End: unixMillis(tx.ExpiresDate)}
	base.Amount = appStoreAmount(tx.Price)
	base.Currency = strings.ToLower(tx.Currency)
	if kind == KindPaymentCompleted {
		if purchased := unixMillis(tx.PurchaseDate); !purchased.IsZero() {
			base.OccurredAt = purchased
		}
	}

	ref, err := c.lookupSubscription(ctx, op, base.Keys.SubscriptionID)
	if err != nil {
		return Classification{}, err
	}
	resolveUser(&base, tx.AppAccountToken, ref)
	if base.Keys.UserID == "" {
		return Classification{}, unresolvable(op, base, "transaction %s has no app account token", tx.TransactionID)
	}
	// An upgrade bills a new product on the same original transaction.
	base.Keys.PriceID = strings.TrimSpace(tx.ProductID)
	if !c.attachProduct(&base) && kind == KindPaymentCompleted {
		return Classification{}, unresolvable(op, base, "product %q is not in the catalog", tx.ProductID)
	}
	return base, nil
}

func unresolvable(op string, c Classification, format string, args ...any) error {
	return berrors.Unresolvable(op, format, args...).WithPlatform(string(c.Platform), c.DeliveryID)
}
