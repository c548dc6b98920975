// Package api exposes the webhook endpoints and the admin read API over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/reconcile"
	"github.com/rcourtman/subledger/internal/billing/subscription"
)

// webhookBodyLimit caps notification bodies; platforms send a few KiB.
const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Reconciler is the part of the orchestrator the HTTP layer drives.
type Reconciler interface {
	ProcessNotification(ctx context.Context, platform ledger.Platform, body []byte, signatureHeader string) reconcile.Result
	Snapshot(ctx context.Context, userID string) (*subscription.Projection, error)
	PrepareCheckout(ctx context.Context, req reconcile.CheckoutRequest) (*reconcile.Checkout, error)
	Audit(ctx context.Context, userID string, repair bool) (*reconcile.AuditReport, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	AdminToken string
	// Now is the clock used to evaluate access; defaults to time.Now.
	Now func() time.Time
}

// webhookPlatforms maps URL slugs to platforms.
var webhookPlatforms = map[string]ledger.Platform{
	"stripe":   ledger.PlatformCardProcessor,
	"appstore": ledger.PlatformAppStore,
}

type handler struct {
	svc   Reconciler
	ready Pinger
	now   func() time.Time
}

// NewRouter builds the HTTP handler tree.
func NewRouter(svc Reconciler, ready Pinger, opts Options) http.Handler {
	h := &handler{svc: svc, ready: ready, now: opts.Now}
	if h.now == nil {
		h.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(ErrorHandler)
	r.Use(middleware.CleanPath)

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/{platform}", h.handleWebhook)

	r.Route("/api/v1/users/{userID}", func(r chi.Router) {
		r.Use(RequireBearer(opts.AdminToken))
		r.Get("/subscription", h.handleSubscription)
		r.Get("/payments", h.handlePayments)
		r.Post("/checkout", h.handleCheckout)
		r.Get("/audit", h.handleAudit)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}
