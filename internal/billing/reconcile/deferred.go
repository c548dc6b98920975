package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rcourtman/subledger/internal/billing/metrics"
	"github.com/rcourtman/subledger/internal/billing/notify"
	"github.com/rcourtman/subledger/internal/billing/store"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/rcourtman/subledger/internal/logging"
	"golang.org/x/sync/errgroup"
)

const deferredRetryConcurrency = 16

// deferredItem is a notification waiting for an earlier one to land. Every
// item is mirrored in the store so an acknowledged notification outlives the
// actor holding it.
type deferredItem struct {
	c         notify.Classification
	firstSeen time.Time
	attempts  int
	// expired items no longer count toward scheduled retries but are still
	// applied when a later ledger change unblocks them.
	expired bool
	lastErr error
}

func (item *deferredItem) record() (store.DeferredRecord, error) {
	payload, err := json.Marshal(item.c)
	if err != nil {
		return store.DeferredRecord{}, err
	}
	return store.DeferredRecord{
		Key:       item.c.DedupKey(),
		Payload:   payload,
		FirstSeen: item.firstSeen,
		Attempts:  item.attempts,
		Expired:   item.expired,
	}, nil
}

// loadDeferred restores the user's persisted deferred notifications.
func (a *userActor) loadDeferred(ctx context.Context) error {
	recs, err := a.sys.o.deps.Store.LoadDeferred(ctx, a.userID)
	if err != nil {
		return berrors.Transient("deferred.load", err)
	}
	logger := logging.FromContext(ctx)
	for _, rec := range recs {
		var c notify.Classification
		if err := json.Unmarshal(rec.Payload, &c); err != nil {
			logger.Error().Err(err).Str("user_id", a.userID).Str("key", rec.Key).
				Msg("Skipping undecodable deferred notification")
			continue
		}
		a.deferred = append(a.deferred, &deferredItem{
			c:         c,
			firstSeen: rec.FirstSeen,
			attempts:  rec.Attempts,
			expired:   rec.Expired,
		})
	}
	a.syncPending()
	return nil
}

// syncPending publishes the number of unexpired deferred items and moves the
// gauge by the difference.
func (a *userActor) syncPending() {
	n := 0
	for _, item := range a.deferred {
		if !item.expired {
			n++
		}
	}
	prev := a.pending.Swap(int32(n))
	metrics.DeferredPending.Add(float64(int32(n) - prev))
}

func (a *userActor) saveDeferred(ctx context.Context, item *deferredItem) error {
	rec, err := item.record()
	if err != nil {
		return err
	}
	return a.sys.o.deps.Store.SaveDeferred(ctx, a.userID, rec)
}

// deferItem parks c until the ledger reaches the state it refers to. The
// notification is only acknowledged once it is persisted.
func (a *userActor) deferItem(ctx context.Context, c notify.Classification, err error) error {
	key := c.DedupKey()
	for _, item := range a.deferred {
		if item.c.DedupKey() == key {
			item.lastErr = err
			return nil
		}
	}
	item := &deferredItem{c: c, firstSeen: a.sys.o.now(), lastErr: err}
	if saveErr := a.saveDeferred(ctx, item); saveErr != nil {
		return berrors.Transient("deferred.save", saveErr)
	}
	a.deferred = append(a.deferred, item)
	a.syncPending()

	logger := logging.FromContext(ctx)
	logger.Info().Err(err).
		Str("platform", string(c.Platform)).
		Str("event_id", c.DeliveryID).
		Str("user_id", c.Keys.UserID).
		Str("subscription_id", c.Keys.SubscriptionID).
		Str("invoice_id", c.Keys.InvoiceID).
		Msg("Notification deferred until the invoice it refers to is recorded")
	return nil
}

// retryDeferred reapplies deferred notifications. One landing may unblock
// another, so passes repeat until nothing changes. Only scheduled passes
// count toward the attempt limit.
func (a *userActor) retryDeferred(ctx context.Context, scheduled bool) {
	logger := logging.FromContext(ctx)
	if err := a.ensureLoaded(ctx); err != nil {
		logger.Warn().Err(err).Str("user_id", a.userID).Msg("Deferred retry could not load the ledger")
		return
	}
	if len(a.deferred) == 0 {
		return
	}
	if scheduled {
		for _, item := range a.deferred {
			if item.expired {
				continue
			}
			item.attempts++
		}
	}

	for progressed := true; progressed && len(a.deferred) > 0; {
		progressed = false
		remaining := a.deferred[:0]
		for _, item := range a.deferred {
			res, err := a.apply(ctx, item.c)
			switch {
			case errors.Is(err, berrors.ErrOutOfOrder):
				item.lastErr = err
				remaining = append(remaining, item)
				continue
			case err != nil:
				logDeferredDrop(ctx, item, err, "Deferred notification failed on retry")
			default:
				a.sys.o.remember(item.c)
				if res.outcome == OutcomeApplied {
					progressed = true
				}
				logger.Info().
					Str("platform", string(item.c.Platform)).
					Str("event_id", item.c.DeliveryID).
					Str("user_id", a.userID).
					Str("outcome", string(res.outcome)).
					Dur("waited", a.sys.o.now().Sub(item.firstSeen)).
					Msg("Deferred notification applied")
			}
			if err := a.sys.o.deps.Store.DeleteDeferred(ctx, a.userID, item.c.DedupKey()); err != nil {
				// A leftover row is replayed as already processed on the next load.
				logger.Warn().Err(err).Str("user_id", a.userID).Str("event_id", item.c.DeliveryID).
					Msg("Failed to remove settled deferred notification")
			}
		}
		a.deferred = remaining
	}

	limit := a.sys.o.opts.DeferredMaxAttempts
	for _, item := range a.deferred {
		if item.expired {
			continue
		}
		if item.attempts >= limit {
			item.expired = true
			metrics.DeferredExpiredTotal.Inc()
			logDeferredDrop(ctx, item, item.lastErr, "Deferred notification expired, needs manual reconciliation")
		}
		if scheduled || item.expired {
			if err := a.saveDeferred(ctx, item); err != nil {
				logger.Warn().Err(err).Str("user_id", a.userID).Str("event_id", item.c.DeliveryID).
					Msg("Failed to persist deferred notification state")
			}
		}
	}
	a.syncPending()
}

func logDeferredDrop(ctx context.Context, item *deferredItem, err error, msg string) {
	logger := logging.FromContext(ctx)
	logger.Error().Err(err).
		Str("platform", string(item.c.Platform)).
		Str("event_id", item.c.DeliveryID).
		Str("event_type", item.c.EventType).
		Str("user_id", item.c.Keys.UserID).
		Str("subscription_id", item.c.Keys.SubscriptionID).
		Str("invoice_id", item.c.Keys.InvoiceID).
		Int("attempts", item.attempts).
		Msg(msg)
}

// RetryDeferred runs a scheduled pass over every user holding unexpired
// deferred work, resident or not, and waits for it to finish.
func (o *Orchestrator) RetryDeferred(ctx context.Context) error {
	users, err := o.deps.Store.DeferredUsers(ctx)
	if err != nil {
		return berrors.Transient("deferred.list", err)
	}
	seen := make(map[string]struct{}, len(users))
	for _, userID := range users {
		seen[userID] = struct{}{}
	}
	for _, userID := range o.actors.pendingUsers() {
		if _, ok := seen[userID]; !ok {
			users = append(users, userID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deferredRetryConcurrency)
	for _, userID := range users {
		g.Go(func() error {
			return o.actors.do(gctx, userID, func(ctx context.Context, a *userActor) error {
				a.retryDeferred(ctx, true)
				return nil
			})
		})
	}
	return g.Wait()
}

func (o *Orchestrator) scheduledRetry() {
	if err := o.RetryDeferred(context.Background()); err != nil {
		logger := logging.Component("reconcile")
		logger.Warn().Err(err).Msg("Scheduled deferred retry did not complete")
	}
}

// PendingDeferred reports how many unexpired deferred notifications resident
// actors hold.
func (o *Orchestrator) PendingDeferred() int {
	total := 0
	o.actors.mu.Lock()
	for _, a := range o.actors.actors {
		total += int(a.pending.Load())
	}
	o.actors.mu.Unlock()
	return total
}
