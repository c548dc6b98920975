// Package reconcile drives inbound notifications through verification,
// classification and the per-user ledger, then dispatches side effects.
//
// Every user owns one serialized actor. All ledger writes for a user run on
// that actor in arrival order; different users proceed in parallel. Reads go
// through a cache of published projections and may lag in-flight writes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/metrics"
	"github.com/rcourtman/subledger/internal/billing/notify"
	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/ports"
	"github.com/rcourtman/subledger/internal/billing/store"
	"github.com/rcourtman/subledger/internal/billing/subscription"
	"github.com/rcourtman/subledger/internal/billing/verify"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/rcourtman/subledger/internal/logging"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Outcome is the result class of one notification.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeDeferred         Outcome = "deferred"
	OutcomeRejected         Outcome = "rejected"
	OutcomeMalformed        Outcome = "malformed"
	OutcomeUnresolvable     Outcome = "unresolvable"
	OutcomeFailed           Outcome = "failed"
)

// Acknowledged reports whether the platform should stop redelivering.
func (o Outcome) Acknowledged() bool {
	switch o {
	case OutcomeApplied, OutcomeAlreadyProcessed, OutcomeIgnored, OutcomeDeferred:
		return true
	default:
		return false
	}
}

// Result describes how a notification was handled.
type Result struct {
	Outcome     Outcome         `json:"outcome"`
	Platform    ledger.Platform `json:"platform"`
	DeliveryID  string          `json:"delivery_id,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Transitions int             `json:"transitions,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Err         error           `json:"-"`
}

// Deps are the collaborators of an Orchestrator. Store, Catalog and
// Entitlements are required.
type Deps struct {
	Store        store.Store
	Catalog      *plan.Catalog
	Verifiers    map[ledger.Platform]verify.SignatureVerifier
	Classifier   *notify.Classifier
	Entitlements ports.EntitlementService
	Analytics    ports.AnalyticsReporter
	Referrals    ports.ReferralService
	// Cancellers schedule superseded subscriptions to end, keyed by platform.
	Cancellers    map[ledger.Platform]ports.PlatformCanceller
	CardProcessor ports.CardProcessor
}

// Options tune the orchestrator. Zero values take the defaults below.
type Options struct {
	DedupCacheSize      int
	ReadCacheSize       int
	ActorIdleTimeout    time.Duration
	SideEffectTimeout   time.Duration
	SideEffectAttempts  int
	SideEffectBackoff   time.Duration
	DeferredMaxAttempts int
	// DeferredSchedule is a cron spec for retrying deferred notifications.
	DeferredSchedule   string
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	Now                func() time.Time
}

const (
	defaultDedupCacheSize      = 10000
	defaultReadCacheSize       = 1000
	defaultActorIdleTimeout    = 5 * time.Minute
	defaultSideEffectTimeout   = 10 * time.Second
	defaultSideEffectAttempts  = 3
	defaultSideEffectBackoff   = 250 * time.Millisecond
	defaultDeferredMaxAttempts = 10
	defaultDeferredSchedule    = "@every 1m"
)

func (o Options) withDefaults() Options {
	if o.DedupCacheSize <= 0 {
		o.DedupCacheSize = defaultDedupCacheSize
	}
	if o.ReadCacheSize <= 0 {
		o.ReadCacheSize = defaultReadCacheSize
	}
	if o.ActorIdleTimeout <= 0 {
		o.ActorIdleTimeout = defaultActorIdleTimeout
	}
	if o.SideEffectTimeout <= 0 {
		o.SideEffectTimeout = defaultSideEffectTimeout
	}
	if o.SideEffectAttempts <= 0 {
		o.SideEffectAttempts = defaultSideEffectAttempts
	}
	if o.SideEffectBackoff <= 0 {
		o.SideEffectBackoff = defaultSideEffectBackoff
	}
	if o.DeferredMaxAttempts <= 0 {
		o.DeferredMaxAttempts = defaultDeferredMaxAttempts
	}
	if o.DeferredSchedule == "" {
		o.DeferredSchedule = defaultDeferredSchedule
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Orchestrator is the entry point for inbound notifications and user-facing
// billing operations.
type Orchestrator struct {
	deps   Deps
	opts   Options
	dedup  *lru.Cache[string, struct{}]
	reads  *readModel
	actors *actorSystem
	cron   *cron.Cron

	// background tracks fire-and-forget side effects.
	background sync.WaitGroup
	closeOnce  sync.Once
}

// New wires an orchestrator. Call Start to begin scheduled retries and Close
// to drain.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("reconcile: catalog is required")
	}
	if deps.Entitlements == nil {
		return nil, errors.New("reconcile: entitlement service is required")
	}
	if deps.Classifier == nil {
		deps.Classifier = notify.NewClassifier(deps.Catalog, deps.Store)
	}
	opts = opts.withDefaults()

	dedup, err := lru.New[string, struct{}](opts.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("reconcile: dedup cache: %w", err)
	}
	reads, err := newReadModel(deps.Store, opts.ReadCacheSize)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read cache: %w", err)
	}

	o := &Orchestrator{
		deps:  deps,
		opts:  opts,
		dedup: dedup,
		reads: reads,
	}
	o.actors = newActorSystem(o)
	o.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})))
	if _, err := o.cron.AddFunc(opts.DeferredSchedule, o.scheduledRetry); err != nil {
		return nil, fmt.Errorf("reconcile: deferred schedule %q: %w", opts.DeferredSchedule, err)
	}
	return o, nil
}

// Start begins the deferred retry schedule.
func (o *Orchestrator) Start() {
	o.cron.Start()
}

// Close stops the scheduler, lets queued work finish and waits for
// background side effects or ctx, whichever comes first.
func (o *Orchestrator) Close(ctx context.Context) error {
	var err error
	o.closeOnce.Do(func() {
		stopped := o.cron.Stop()
		done := make(chan struct{})
		go func() {
			<-stopped.Done()
			o.actors.shutdown()
			o.background.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (o *Orchestrator) now() time.Time {
	return o.opts.Now().UTC()
}

// ProcessNotification authenticates, decodes and classifies one platform
// delivery, applies it to the owning user's ledger and dispatches side
// effects. Duplicate deliveries and idempotent replays are acknowledged
// without touching the ledger.
func (o *Orchestrator) ProcessNotification(ctx context.Context, platform ledger.Platform, body []byte, signatureHeader string) Result {
	start := time.Now()
	ctx, span := startSpan(ctx, traceSpanProcess, attribute.String(traceAttrPlatform, string(platform)))
	defer span.End()

	res := o.process(ctx, platform, body, signatureHeader)

	span.SetAttributes(
		attribute.String(traceAttrOutcome, string(res.Outcome)),
		attribute.String(traceAttrDelivery, res.DeliveryID),
		attribute.String(traceAttrUserID, res.UserID),
	)
	markSpanResult(span, res.Err)
	metrics.NotificationsTotal.WithLabelValues(string(platform), string(res.Outcome)).Inc()
	metrics.NotificationDuration.WithLabelValues(string(platform)).Observe(time.Since(start).Seconds())
	o.logResult(ctx, res)
	return res
}

func (o *Orchestrator) process(ctx context.Context, platform ledger.Platform, body []byte, signatureHeader string) Result {
	res := Result{Platform: platform}

	verifier, ok := o.deps.Verifiers[platform]
	if !ok || verifier == nil {
		return o.fail(res, berrors.New(berrors.KindUnsupported, "reconcile.verify",
			fmt.Errorf("no verifier configured for platform %q", platform)))
	}
	if err := verifier.Verify(ctx, body, signatureHeader); err != nil {
		return o.fail(res, err)
	}

	c, err := o.classify(ctx, platform, body)
	res.DeliveryID, res.EventType, res.UserID = c.DeliveryID, c.EventType, c.Keys.UserID
	if err != nil {
		return o.fail(res, err)
	}

	if c.DeliveryID != "" && o.dedup.Contains(c.DedupKey()) {
		res.Outcome = OutcomeAlreadyProcessed
		return res
	}
	if c.Kind == notify.KindIgnored {
		res.Outcome = OutcomeIgnored
		res.Reason = c.Reason
		o.remember(c)
		return res
	}

	var applied applyResult
	err = o.actors.do(ctx, c.Keys.UserID, func(ctx context.Context, a *userActor) error {
		var err error
		applied, err = a.reconcile(ctx, c)
		return err
	})
	if err != nil {
		return o.fail(res, err)
	}
	res.Outcome = applied.outcome
	res.Transitions = applied.transitions
	if res.Outcome != OutcomeDeferred {
		o.remember(c)
	}
	return res
}

func (o *Orchestrator) classify(ctx context.Context, platform ledger.Platform, body []byte) (notify.Classification, error) {
	switch platform {
	case ledger.PlatformCardProcessor:
		event, err := notify.DecodeStripeEvent(body)
		if err != nil {
			return notify.Classification{}, err
		}
		c, err := o.deps.Classifier.ClassifyStripe(ctx, event)
		if err != nil {
			c.Platform, c.DeliveryID, c.EventType = platform, event.ID, string(event.Type)
		}
		return c, err
	case ledger.PlatformAppStore:
		signed, err := verify.ExtractSignedPayload(body)
		if err != nil {
			return notify.Classification{}, err
		}
		n, err := notify.DecodeAppStoreNotification(signed)
		if err != nil {
			return notify.Classification{}, err
		}
		c, err := o.deps.Classifier.ClassifyAppStore(ctx, n)
		if err != nil {
			c.Platform, c.DeliveryID, c.EventType = platform, n.NotificationUUID, n.EventType()
		}
		return c, err
	default:
		return notify.Classification{}, berrors.New(berrors.KindUnsupported, "reconcile.classify",
			fmt.Errorf("platform %q has no notification decoder", platform))
	}
}

func (o *Orchestrator) remember(c notify.Classification) {
	if c.DeliveryID != "" {
		o.dedup.Add(c.DedupKey(), struct{}{})
	}
}

func (o *Orchestrator) fail(res Result, err error) Result {
	res.Err = err
	res.Outcome = outcomeFor(err)
	kind := berrors.KindOf(err)
	switch res.Outcome {
	case OutcomeRejected, OutcomeMalformed, OutcomeUnresolvable:
		metrics.RejectedTotal.WithLabelValues(string(res.Platform), string(kind)).Inc()
	}
	return res
}

// outcomeFor maps an error to the outcome reported to the platform.
func outcomeFor(err error) Outcome {
	switch berrors.KindOf(err) {
	case berrors.KindAuthenticity, berrors.KindUnsupported:
		return OutcomeRejected
	case berrors.KindMalformed:
		return OutcomeMalformed
	case berrors.KindUnresolvable, berrors.KindConflict:
		return OutcomeUnresolvable
	case berrors.KindOutOfOrder:
		return OutcomeDeferred
	default:
		return OutcomeFailed
	}
}

func (o *Orchestrator) logResult(ctx context.Context, res Result) {
	logger := logging.FromContext(ctx)
	var ev *zerolog.Event
	switch res.Outcome {
	case OutcomeRejected, OutcomeMalformed:
		ev = logger.Warn().Err(res.Err)
	case OutcomeUnresolvable:
		// Needs manual reconciliation.
		ev = logger.Error().Err(res.Err)
	case OutcomeFailed:
		ev = logger.Error().Err(res.Err)
	case OutcomeDeferred:
		ev = logger.Info()
	default:
		ev = logger.Debug()
	}
	ev.Str("platform", string(res.Platform)).
		Str("event_id", res.DeliveryID).
		Str("event_type", res.EventType).
		Str("user_id", res.UserID).
		Str("outcome", string(res.Outcome)).
		Str("reason", res.Reason).
		Int("transitions", res.Transitions).
		Msg("Notification processed")
}

// Snapshot returns the current projection of a user. The returned value is
// shared and must not be modified.
func (o *Orchestrator) Snapshot(ctx context.Context, userID string) (*subscription.Projection, error) {
	return o.reads.get(ctx, userID)
}

// Replay rebuilds a user's projection directly from the event log, bypassing
// the read cache.
func (o *Orchestrator) Replay(ctx context.Context, userID string) (*subscription.Projection, error) {
	return replay(ctx, o.deps.Store, userID)
}

func replay(ctx context.Context, s store.Store, userID string) (*subscription.Projection, error) {
	entries, err := s.Load(ctx, userID)
	if err != nil {
		return nil, berrors.Transient("ledger.load", err)
	}
	return subscription.Replay(userID, entries)
}

// cronLogger routes scheduler diagnostics through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logging.Component("reconcile.cron").Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logging.Component("reconcile.cron").Error().Err(err).Fields(keysAndValues).Msg(msg)
}
