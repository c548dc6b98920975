package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/metrics"
	"github.com/rcourtman/subledger/internal/billing/notify"
	"github.com/rcourtman/subledger/internal/billing/store"
	"github.com/rcourtman/subledger/internal/billing/subscription"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/rcourtman/subledger/internal/logging"
)

var errActorSystemClosed = errors.New("reconcile: actor system is shut down")

// actorSystem owns one actor per resident user. Its mutex only guards the
// map; no lock is held while a job runs.
type actorSystem struct {
	o      *Orchestrator
	mu     sync.Mutex
	actors map[string]*userActor
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

func newActorSystem(o *Orchestrator) *actorSystem {
	return &actorSystem{
		o:      o,
		actors: make(map[string]*userActor),
		quit:   make(chan struct{}),
	}
}

type job struct {
	ctx context.Context
	run func(ctx context.Context, a *userActor)
}

// userActor serializes all ledger work for one user. proj and deferred are
// owned by the run goroutine; pending counts the unexpired deferred items.
type userActor struct {
	sys    *actorSystem
	userID string

	mu      sync.Mutex
	queue   []job
	stopped bool
	wake    chan struct{}

	pending atomic.Int32

	proj           *subscription.Projection
	deferred       []*deferredItem
	deferredLoaded bool
}

// do runs fn on the user's actor and waits for it. The job keeps running if
// ctx is cancelled after it was queued; a started ledger write is never
// abandoned halfway.
func (s *actorSystem) do(ctx context.Context, userID string, fn func(ctx context.Context, a *userActor) error) error {
	if userID == "" {
		return berrors.Unresolvable("reconcile.dispatch", "notification has no user")
	}
	done := make(chan error, 1)
	j := job{
		ctx: context.WithoutCancel(ctx),
		run: func(ctx context.Context, a *userActor) {
			done <- fn(ctx, a)
		},
	}
	if err := s.submit(userID, j); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return berrors.Transient("reconcile.dispatch", ctx.Err())
	}
}

// submit queues j for userID, spawning the actor when none is resident.
func (s *actorSystem) submit(userID string, j job) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return errActorSystemClosed
		}
		a, ok := s.actors[userID]
		if !ok {
			a = &userActor{sys: s, userID: userID, wake: make(chan struct{}, 1)}
			s.actors[userID] = a
			s.wg.Add(1)
			metrics.ActiveActors.Inc()
			go a.run()
		}
		s.mu.Unlock()

		if a.enqueue(j) {
			return nil
		}
		// The actor exited between lookup and enqueue; it has already left
		// the map, so the next pass creates a fresh one.
	}
}

// pendingUsers lists resident users holding deferred notifications.
func (s *actorSystem) pendingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []string
	for userID, a := range s.actors {
		if a.pending.Load() > 0 {
			users = append(users, userID)
		}
	}
	return users
}

func (s *actorSystem) remove(a *userActor) {
	s.mu.Lock()
	if s.actors[a.userID] == a {
		delete(s.actors, a.userID)
	}
	s.mu.Unlock()
	metrics.ActiveActors.Dec()
}

// shutdown stops accepting work, drains queued jobs and waits for every
// actor to exit.
func (s *actorSystem) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *actorSystem) resident() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

func (a *userActor) enqueue(j job) bool {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return false
	}
	a.queue = append(a.queue, j)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

func (a *userActor) next() (job, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return job{}, false
	}
	j := a.queue[0]
	a.queue[0] = job{}
	a.queue = a.queue[1:]
	return j, true
}

// tryStop marks the actor stopped when it has nothing queued and no
// deferred item still awaiting a scheduled retry.
func (a *userActor) tryStop(force bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) > 0 {
		return false
	}
	if a.pending.Load() > 0 && !force {
		return false
	}
	a.stopped = true
	return true
}

func (a *userActor) run() {
	defer a.sys.wg.Done()
	idleTimeout := a.sys.o.opts.ActorIdleTimeout
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-a.wake:
		case <-idle.C:
			if a.tryStop(false) {
				a.exit()
				return
			}
		case <-a.sys.quit:
			a.drain()
			if a.tryStop(true) {
				a.exit()
				return
			}
			continue
		}
		a.drain()
		idle.Reset(idleTimeout)
	}
}

func (a *userActor) drain() {
	for {
		j, ok := a.next()
		if !ok {
			return
		}
		j.run(j.ctx, a)
	}
}

func (a *userActor) exit() {
	if n := a.pending.Load(); n > 0 {
		logger := logging.Component("reconcile")
		logger.Info().Str("user_id", a.userID).Int32("deferred", n).
			Msg("Actor stopped with deferred notifications; they stay stored for the next retry")
	}
	a.deferred = nil
	a.syncPending()
	a.sys.remove(a)
}

// ensureLoaded hydrates the projection from the event log and the stored
// deferred notifications on first use.
func (a *userActor) ensureLoaded(ctx context.Context) error {
	if a.proj == nil {
		proj, err := replay(ctx, a.sys.o.deps.Store, a.userID)
		if err != nil {
			return err
		}
		a.proj = proj
		a.sys.o.reads.publish(proj)
	}
	if !a.deferredLoaded {
		if err := a.loadDeferred(ctx); err != nil {
			return err
		}
		a.deferredLoaded = true
	}
	return nil
}

type applyResult struct {
	outcome     Outcome
	transitions int
}

// reconcile applies a classified notification, deferring it when it refers
// to an invoice state the ledger has not reached yet.
func (a *userActor) reconcile(ctx context.Context, c notify.Classification) (applyResult, error) {
	res, err := a.apply(ctx, c)
	if errors.Is(err, berrors.ErrOutOfOrder) {
		if deferErr := a.deferItem(ctx, c, err); deferErr != nil {
			return applyResult{outcome: OutcomeFailed}, deferErr
		}
		return applyResult{outcome: OutcomeDeferred}, nil
	}
	if err != nil {
		return res, err
	}
	if res.outcome == OutcomeApplied {
		a.retryDeferred(ctx, false)
	}
	return res, nil
}

// apply plans, persists and projects one classification. A sequence
// conflict means another writer advanced the log; the projection is reloaded
// and the plan recomputed once.
func (a *userActor) apply(ctx context.Context, c notify.Classification) (applyResult, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := a.ensureLoaded(ctx); err != nil {
			return applyResult{outcome: OutcomeFailed}, err
		}
		events, invoiceID, err := a.plan(c)
		if err != nil {
			return applyResult{outcome: outcomeFor(err)}, err
		}
		if len(events) == 0 {
			return applyResult{outcome: OutcomeAlreadyProcessed}, nil
		}
		transitions, err := a.commit(ctx, events)
		if errors.Is(err, store.ErrSequenceConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return applyResult{outcome: OutcomeFailed}, err
		}
		a.dispatchEffects(ctx, c, invoiceID, transitions)
		return applyResult{outcome: OutcomeApplied, transitions: len(transitions)}, nil
	}
	return applyResult{outcome: OutcomeFailed}, berrors.Transient("ledger.append", lastErr)
}

func (a *userActor) plan(c notify.Classification) ([]ledger.Event, string, error) {
	book := a.proj.Book
	now := a.sys.o.now()
	var events []ledger.Event
	var invoiceID string

	switch c.Kind {
	case notify.KindCheckoutCompleted:
		req := c.RecordUpsert()
		req.At = orNow(req.At, now)
		p, err := book.PlanRecord(req)
		if err != nil {
			return nil, "", err
		}
		events = p.Events
	default:
		req, ok := c.InvoiceUpsert()
		if !ok {
			return nil, "", nil
		}
		req.At = orNow(req.At, now)
		p, err := book.PlanInvoice(req)
		if err != nil {
			return nil, "", err
		}
		events, invoiceID = p.Events, p.InvoiceID
	}
	if c.Platform == ledger.PlatformCardProcessor && c.Keys.CustomerID != "" {
		events = append(events, book.PlanCustomer(c.Keys.CustomerID, now)...)
	}
	return events, invoiceID, nil
}

// commit appends events at the processing time and folds them into the
// projection. The read model sees the new projection before side effects run.
func (a *userActor) commit(ctx context.Context, events []ledger.Event) ([]subscription.Transition, error) {
	now := a.sys.o.now()
	entries := make([]ledger.Entry, len(events))
	for i, ev := range events {
		entries[i] = ledger.NewEntry(a.userID, a.proj.Seq+int64(i)+1, now, ev)
	}
	if err := a.sys.o.deps.Store.Append(ctx, a.userID, a.proj.Seq, entries); err != nil {
		if errors.Is(err, store.ErrSequenceConflict) {
			a.proj = nil
			return nil, err
		}
		return nil, berrors.Transient("ledger.append", err)
	}

	proj := a.proj
	var transitions []subscription.Transition
	for _, e := range entries {
		next, trs, err := proj.Apply(e)
		if err != nil {
			// The log and the projection disagree; rebuild from the log.
			a.proj = nil
			return nil, fmt.Errorf("project entry %d: %w", e.Seq, err)
		}
		proj = next
		transitions = append(transitions, trs...)
		metrics.LedgerEventsTotal.WithLabelValues(string(e.Kind())).Inc()
	}
	a.proj = proj
	a.sys.o.reads.publish(proj)
	return transitions, nil
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
