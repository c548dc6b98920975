// Package store persists per-user ledger logs and the cross-user
// subscription index used to route notifications.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
)

// ErrSequenceConflict is returned by Append when the user's log has moved
// past the expected sequence number.
var ErrSequenceConflict = errors.New("ledger sequence conflict")

// Store is the durable backing of the reconciler.
type Store interface {
	// Append writes entries atomically after position expectedSeq. Entries
	// must be numbered expectedSeq+1, expectedSeq+2, ...
	Append(ctx context.Context, userID string, expectedSeq int64, entries []ledger.Entry) error
	// Load returns the user's log in sequence order.
	Load(ctx context.Context, userID string) ([]ledger.Entry, error)
	// LookupSubscription resolves a platform subscription id. It returns nil
	// without error when the id has never been seen.
	LookupSubscription(ctx context.Context, subscriptionID string) (*ledger.SubscriptionRef, error)
	// LookupInvoice resolves the subscription an invoice was recorded under.
	LookupInvoice(ctx context.Context, invoiceID string) (*ledger.SubscriptionRef, error)
	// SaveDeferred inserts or replaces the deferred notification rec.Key.
	SaveDeferred(ctx context.Context, userID string, rec DeferredRecord) error
	// DeleteDeferred removes a deferred notification. Missing keys are not an error.
	DeleteDeferred(ctx context.Context, userID, key string) error
	// LoadDeferred returns the user's deferred notifications, oldest first.
	LoadDeferred(ctx context.Context, userID string) ([]DeferredRecord, error)
	// DeferredUsers lists users holding deferred notifications that have not
	// expired.
	DeferredUsers(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// DeferredRecord is an acknowledged notification waiting for the ledger to
// reach the state it refers to. Payload is the encoded classification.
type DeferredRecord struct {
	Key       string
	Payload   []byte
	FirstSeen time.Time
	Attempts  int
	// Expired records were given up on by scheduled retries but are still
	// applied when a later ledger change unblocks them.
	Expired bool
}

func checkSequence(userID string, expectedSeq int64, entries []ledger.Entry) error {
	for i, e := range entries {
		if e.UserID != userID {
			return fmt.Errorf("entry %s belongs to user %s, not %s", e.ID, e.UserID, userID)
		}
		if e.Seq != expectedSeq+int64(i)+1 {
			return fmt.Errorf("entry %s has seq %d, want %d", e.ID, e.Seq, expectedSeq+int64(i)+1)
		}
	}
	return nil
}

type invoiceRef struct {
	invoiceID      string
	subscriptionID string
}

// indexUpdates extracts the index rows implied by entries.
func indexUpdates(entries []ledger.Entry) ([]ledger.SubscriptionRef, []invoiceRef) {
	var subs []ledger.SubscriptionRef
	var invoices []invoiceRef
	for _, e := range entries {
		switch ev := e.Event.(type) {
		case ledger.RecordUpserted:
			subs = append(subs, ledger.SubscriptionRef{
				SubscriptionID: ev.SubscriptionID,
				UserID:         ev.UserID,
				OrderID:        ev.OrderID,
				PriceID:        ev.PriceID,
				Platform:       ev.Platform,
			})
		case ledger.InvoiceAdded:
			invoices = append(invoices, invoiceRef{invoiceID: ev.Invoice.InvoiceID, subscriptionID: ev.SubscriptionID})
		}
	}
	return subs, invoices
}

func encodeEntry(e ledger.Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode ledger entry %d: %w", e.Seq, err)
	}
	return data, nil
}

func decodeEntry(data []byte) (ledger.Entry, error) {
	var e ledger.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return ledger.Entry{}, fmt.Errorf("decode ledger entry: %w", err)
	}
	return e, nil
}
