package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/ports"
	"github.com/rcourtman/subledger/internal/billing/reconcile"
	"github.com/rcourtman/subledger/internal/billing/store"
	"github.com/rcourtman/subledger/internal/billing/subscription"
	"github.com/rcourtman/subledger/internal/billing/verify"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const adminToken = "admin-secret"

type fakeReconciler struct {
	result      reconcile.Result
	gotPlatform ledger.Platform
	gotSig      string
	gotBody     []byte

	projection  *subscription.Projection
	snapshotErr error

	checkoutReq reconcile.CheckoutRequest
	checkoutErr error

	auditRepair bool
	auditErr    error
}

func (f *fakeReconciler) ProcessNotification(_ context.Context, platform ledger.Platform, body []byte, sig string) reconcile.Result {
	f.gotPlatform, f.gotBody, f.gotSig = platform, body, sig
	return f.result
}

func (f *fakeReconciler) Snapshot(_ context.Context, userID string) (*subscription.Projection, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	if f.projection != nil {
		return f.projection, nil
	}
	return subscription.NewProjection(userID), nil
}

func (f *fakeReconciler) PrepareCheckout(_ context.Context, req reconcile.CheckoutRequest) (*reconcile.Checkout, error) {
	f.checkoutReq = req
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return &reconcile.Checkout{OrderID: "order-1", SessionID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
}

func (f *fakeReconciler) Audit(_ context.Context, userID string, repair bool) (*reconcile.AuditReport, error) {
	f.auditRepair = repair
	if f.auditErr != nil {
		return nil, f.auditErr
	}
	return &reconcile.AuditReport{UserID: userID}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func serve(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := map[reconcile.Outcome]int{
		reconcile.OutcomeApplied:          http.StatusOK,
		reconcile.OutcomeAlreadyProcessed: http.StatusOK,
		reconcile.OutcomeIgnored:          http.StatusOK,
		reconcile.OutcomeDeferred:         http.StatusAccepted,
		reconcile.OutcomeRejected:         http.StatusBadRequest,
		reconcile.OutcomeMalformed:        http.StatusBadRequest,
		reconcile.OutcomeUnresolvable:     http.StatusUnprocessableEntity,
		reconcile.OutcomeFailed:           http.StatusInternalServerError,
	}
	for outcome, want := range cases {
		assert.Equal(t, want, webhookStatus(outcome), outcome)
	}
}

func TestWebhookRoutesByPlatform(t *testing.T) {
	svc := &fakeReconciler{result: reconcile.Result{Outcome: reconcile.OutcomeApplied, DeliveryID: "evt_1"}}
	h := NewRouter(svc, nil, Options{})

	rec := serve(t, h, http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.PlatformCardProcessor, svc.gotPlatform)
	assert.Equal(t, "t=1,v1=abc", svc.gotSig)
	resp := decode[webhookResponse](t, rec)
	assert.True(t, resp.Received)
	assert.Equal(t, "evt_1", resp.DeliveryID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, h, http.MethodPost, "/webhooks/appstore", `{"signedPayload":"x"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.PlatformAppStore, svc.gotPlatform)
	assert.Empty(t, svc.gotSig)

	rec = serve(t, h, http.MethodPost, "/webhooks/playstore", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, h, http.MethodPost, "/webhooks/stripe", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_signature", decode[APIError](t, rec).Code)
}

func TestWebhookRejectionCarriesKind(t *testing.T) {
	svc := &fakeReconciler{result: reconcile.Result{
		Outcome: reconcile.OutcomeRejected,
		Err:     berrors.Authenticity("verify", "bad signature"),
	}}
	h := NewRouter(svc, nil, Options{})

	rec := serve(t, h, http.MethodPost, "/webhooks/stripe", `{}`, map[string]string{"Stripe-Signature": "sig"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[webhookResponse](t, rec)
	assert.False(t, resp.Received)
	assert.Equal(t, "authenticity", resp.Error)
}

func TestWebhookBodyLimit(t *testing.T) {
	svc := &fakeReconciler{result: reconcile.Result{Outcome: reconcile.OutcomeApplied}}
	h := NewRouter(svc, nil, Options{})
	big := strings.Repeat("a", webhookBodyLimit+1)

	rec := serve(t, h, http.MethodPost, "/webhooks/appstore", big, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.gotBody)
}

func TestAdminRoutesRequireBearer(t *testing.T) {
	svc := &fakeReconciler{}
	h := NewRouter(svc, nil, Options{AdminToken: adminToken})

	rec := serve(t, h, http.MethodGet, "/api/v1/users/user-1/subscription", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, h, http.MethodGet, "/api/v1/users/user-1/subscription", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, h, http.MethodGet, "/api/v1/users/user-1/subscription", "", map[string]string{"Authorization": "Bearer " + adminToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	disabled := NewRouter(svc, nil, Options{})
	rec = serve(t, disabled, http.MethodGet, "/api/v1/users/user-1/subscription", "", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubscriptionAndPaymentsViews(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	proj := subscription.NewProjection("user-1")
	proj.Seq = 4
	agg := subscription.NewAggregate(plan.FamilyStandard)
	agg.IsActive = true
	agg.PlanTier = plan.TierMonth
	agg.EndDate = now.Add(24 * time.Hour)
	proj.Aggregates[plan.FamilyStandard] = agg
	proj.Book.Customer = &ledger.CustomerIdentity{CustomerID: "cus_1"}
	proj.Book.Records = append(proj.Book.Records, ledger.PaymentRecord{SubscriptionID: "sub_a", UserID: "user-1"})

	svc := &fakeReconciler{projection: proj}
	h := NewRouter(svc, nil, Options{AdminToken: adminToken, Now: func() time.Time { return now }})
	auth := map[string]string{"Authorization": "Bearer " + adminToken}

	rec := serve(t, h, http.MethodGet, "/api/v1/users/user-1/subscription", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var sub struct {
		Seq      int64 `json:"seq"`
		Families map[string]struct {
			PlanTier  string `json:"plan_tier"`
			ActiveNow bool   `json:"active_now"`
		} `json:"families"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.EqualValues(t, 4, sub.Seq)
	assert.True(t, sub.Families["standard"].ActiveNow)
	assert.Equal(t, "month", sub.Families["standard"].PlanTier)
	assert.False(t, sub.Families["ultimate"].ActiveNow)

	rec = serve(t, h, http.MethodGet, "/api/v1/users/user-1/payments", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	pay := decode[paymentsResponse](t, rec)
	require.Len(t, pay.Records, 1)
	assert.Equal(t, "sub_a", pay.Records[0].SubscriptionID)
	assert.Equal(t, "cus_1", pay.Customer.CustomerID)
}

func TestCheckoutErrorMapping(t *testing.T) {
	auth := map[string]string{"Authorization": "Bearer " + adminToken}
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusCreated},
		{"downgrade", berrors.UpgradeViolation("year", "month"), http.StatusConflict},
		{"unknown price", berrors.Malformed("checkout", errors.New("price not in catalog")), http.StatusBadRequest},
		{"no processor", berrors.New(berrors.KindUnsupported, "checkout", errors.New("none")), http.StatusNotImplemented},
		{"processor down", berrors.Transient("checkout", errors.New("timeout")), http.StatusServiceUnavailable},
		{"bug", errors.New("nil map"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeReconciler{checkoutErr: tc.err}
			h := NewRouter(svc, nil, Options{AdminToken: adminToken})
			rec := serve(t, h, http.MethodPost, "/api/v1/users/user-9/checkout", `{"price_id":"price_year","email":"a@example.com"}`, auth)
			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, "user-9", svc.checkoutReq.UserID)
			assert.Equal(t, "price_year", svc.checkoutReq.PriceID)
			if tc.want == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "nil map")
			}
		})
	}

	h := NewRouter(&fakeReconciler{}, nil, Options{AdminToken: adminToken})
	rec := serve(t, h, http.MethodPost, "/api/v1/users/user-9/checkout", `not json`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditRepairFlag(t *testing.T) {
	auth := map[string]string{"Authorization": "Bearer " + adminToken}
	svc := &fakeReconciler{}
	h := NewRouter(svc, nil, Options{AdminToken: adminToken})

	rec := serve(t, h, http.MethodGet, "/api/v1/users/user-1/audit?repair=true", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.auditRepair)

	rec = serve(t, h, http.MethodGet, "/api/v1/users/user-1/audit?repair=maybe", "", auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	h := NewRouter(&fakeReconciler{}, fakePinger{}, Options{})
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/readyz", "", nil).Code)

	down := NewRouter(&fakeReconciler{}, fakePinger{err: errors.New("db gone")}, Options{})
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, down, http.MethodGet, "/readyz", "", nil).Code)

	rec := serve(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "subledger_http_requests_total")
}

func TestPanicIsRecovered(t *testing.T) {
	h := ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := serve(t, h, http.MethodGet, "/", "", map[string]string{"X-Request-ID": "req-7"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[APIError](t, rec)
	assert.Equal(t, "internal_error", resp.Code)
	assert.Equal(t, "req-7", resp.RequestID)
}

type nopEntitlements struct{}

func (nopEntitlements) GetSubscription(context.Context, string, bool) (*ports.EntitlementSnapshot, error) {
	return nil, nil
}
func (nopEntitlements) UpdateSubscription(context.Context, string, subscription.Aggregate, bool) error {
	return nil
}
func (nopEntitlements) ResetUsageLimits(context.Context, string) error { return nil }

func TestStripeWebhookEndToEnd(t *testing.T) {
	const secret = "whsec_api_test"
	catalog, err := plan.NewCatalog([]plan.Product{
		{PriceID: "price_month", Tier: plan.TierMonth, Amount: decimal.RequireFromString("9.99"), Currency: "usd"},
	})
	require.NoError(t, err)
	mem := store.NewMemoryStore()
	orch, err := reconcile.New(reconcile.Deps{
		Store:        mem,
		Catalog:      catalog,
		Verifiers:    map[ledger.Platform]verify.SignatureVerifier{ledger.PlatformCardProcessor: verify.NewStripeVerifier(secret, 0)},
		Entitlements: nopEntitlements{},
	}, reconcile.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close(context.Background()) })
	h := NewRouter(orch, mem, Options{AdminToken: adminToken})

	event := map[string]any{
		"id": "evt_e2e", "object": "event", "type": "invoice.paid", "created": time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id": "in_1", "customer": "cus_1", "currency": "usd", "amount_paid": 999,
			"parent": map[string]any{"subscription_details": map[string]any{
				"subscription": "sub_1", "metadata": map[string]string{"user_id": "user-e2e"},
			}},
			"lines": map[string]any{"data": []any{map[string]any{
				"pricing": map[string]any{"price_details": map[string]any{"price": "price_month"}},
			}}},
		}},
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: raw, Secret: secret, Timestamp: time.Now(), Scheme: "v1",
	})

	rec := serve(t, h, http.MethodPost, "/webhooks/stripe", string(signed.Payload), map[string]string{"Stripe-Signature": signed.Header})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, reconcile.OutcomeApplied, decode[webhookResponse](t, rec).Outcome)

	rec = serve(t, h, http.MethodPost, "/webhooks/stripe", string(signed.Payload), map[string]string{"Stripe-Signature": signed.Header})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reconcile.OutcomeAlreadyProcessed, decode[webhookResponse](t, rec).Outcome)

	rec = serve(t, h, http.MethodGet, "/api/v1/users/user-e2e/subscription", "", map[string]string{"Authorization": "Bearer " + adminToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active_now":true`)
}
