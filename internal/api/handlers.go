package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/reconcile"
	"github.com/rcourtman/subledger/internal/billing/subscription"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/rcourtman/subledger/internal/logging"
)

const checkoutBodyLimit = 64 * 1024

type webhookResponse struct {
	Received   bool              `json:"received"`
	Outcome    reconcile.Outcome `json:"outcome"`
	DeliveryID string            `json:"delivery_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// webhookStatus tells the platform whether to redeliver. Every acknowledged
// outcome is 2xx; deferred work is 202 so operators can tell it apart.
func webhookStatus(outcome reconcile.Outcome) int {
	switch outcome {
	case reconcile.OutcomeApplied, reconcile.OutcomeAlreadyProcessed, reconcile.OutcomeIgnored:
		return http.StatusOK
	case reconcile.OutcomeDeferred:
		return http.StatusAccepted
	case reconcile.OutcomeRejected, reconcile.OutcomeMalformed:
		return http.StatusBadRequest
	case reconcile.OutcomeUnresolvable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform, ok := webhookPlatforms[chi.URLParam(r, "platform")]
	if !ok {
		writeErrorResponse(w, r, http.StatusNotFound, "unknown_platform", "unknown webhook platform")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}

	var signature string
	if platform == ledger.PlatformCardProcessor {
		signature = r.Header.Get("Stripe-Signature")
		if strings.TrimSpace(signature) == "" {
			writeErrorResponse(w, r, http.StatusBadRequest, "missing_signature", "missing Stripe signature")
			return
		}
	}

	res := h.svc.ProcessNotification(r.Context(), platform, payload, signature)
	resp := webhookResponse{
		Received:   res.Outcome.Acknowledged(),
		Outcome:    res.Outcome,
		DeliveryID: res.DeliveryID,
		Reason:     res.Reason,
	}
	status := webhookStatus(res.Outcome)
	if res.Err != nil && status >= http.StatusBadRequest {
		resp.Error = string(berrors.KindOf(res.Err))
	}
	writeJSON(w, status, resp)
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready.Ping(ctx); err != nil {
			logger := logging.FromContext(r.Context())
			logger.Warn().Err(err).Msg("Readiness check failed")
			writeErrorResponse(w, r, http.StatusServiceUnavailable, "not_ready", "event store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type familyView struct {
	subscription.Aggregate
	ActiveNow bool `json:"active_now"`
}

type subscriptionResponse struct {
	UserID   string                     `json:"user_id"`
	Seq      int64                      `json:"seq"`
	Families map[plan.Family]familyView `json:"families"`
}

func (h *handler) handleSubscription(w http.ResponseWriter, r *http.Request) {
	proj, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	now := h.now()
	resp := subscriptionResponse{UserID: proj.UserID, Seq: proj.Seq, Families: map[plan.Family]familyView{}}
	for _, family := range plan.Families() {
		agg := proj.Aggregate(family)
		resp.Families[family] = familyView{Aggregate: agg, ActiveNow: agg.ActiveAt(now)}
	}
	writeJSON(w, http.StatusOK, resp)
}

type paymentsResponse struct {
	UserID   string                   `json:"user_id"`
	Seq      int64                    `json:"seq"`
	Customer *ledger.CustomerIdentity `json:"customer,omitempty"`
	Records  []ledger.PaymentRecord   `json:"records"`
}

func (h *handler) handlePayments(w http.ResponseWriter, r *http.Request) {
	proj, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, paymentsResponse{
		UserID:   proj.UserID,
		Seq:      proj.Seq,
		Customer: proj.Book.Customer,
		Records:  proj.Book.Records,
	})
}

type checkoutBody struct {
	PriceID string `json:"price_id"`
	Email   string `json:"email"`
}

func (h *handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, checkoutBodyLimit)
	var body checkoutBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_body", "request body must be a JSON object")
		return
	}
	checkout, err := h.svc.PrepareCheckout(r.Context(), reconcile.CheckoutRequest{
		UserID:  chi.URLParam(r, "userID"),
		PriceID: body.PriceID,
		Email:   body.Email,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkout)
}

func (h *handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	repair := false
	if raw := r.URL.Query().Get("repair"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeErrorResponse(w, r, http.StatusBadRequest, "invalid_query", "repair must be a boolean")
			return
		}
		repair = parsed
	}
	report, err := h.svc.Audit(r.Context(), chi.URLParam(r, "userID"), repair)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) (*subscription.Projection, bool) {
	proj, err := h.svc.Snapshot(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return nil, false
	}
	return proj, true
}

// writeServiceError maps a billing error kind to a status. Client-side
// failures carry their message; server-side ones are logged and masked.
func (h *handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := berrors.KindOf(err)
	var status int
	switch kind {
	case berrors.KindUpgradePath:
		status = http.StatusConflict
	case berrors.KindMalformed:
		status = http.StatusBadRequest
	case berrors.KindUnresolvable, berrors.KindConflict:
		status = http.StatusUnprocessableEntity
	case berrors.KindUnsupported:
		status = http.StatusNotImplemented
	case berrors.KindTransient:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("kind", string(kind)).Str("path", r.URL.Path).Msg("Request failed")
		message = http.StatusText(status)
	}
	writeErrorResponse(w, r, status, string(kind), message)
}
