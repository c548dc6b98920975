package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/store"
	"github.com/rcourtman/subledger/internal/billing/verify/verifytest"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *plan.Catalog {
	t.Helper()
	c, err := plan.NewCatalog([]plan.Product{
		{PriceID: "price_month", Tier: plan.TierMonth, Amount: decimal.RequireFromString("9.99"), Currency: "USD"},
		{PriceID: "price_year_ult", Tier: plan.TierYear, Ultimate: true, Amount: decimal.RequireFromString("99"), Currency: "usd"},
		{PriceID: "com.example.week", Tier: plan.TierWeek, Amount: decimal.RequireFromString("2.99"), Currency: "usd"},
	})
	require.NoError(t, err)
	return c
}

// indexedStore returns a store that already knows sub_known belongs to user-1.
func indexedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []ledger.Entry{
		ledger.NewEntry("user-1", 1, at, ledger.RecordUpserted{
			PaymentID: "pay-1", SubscriptionID: "sub_known", UserID: "user-1", OrderID: "order-1",
			PriceID: "price_month", PlanTier: plan.TierMonth, Family: plan.FamilyStandard, Platform: ledger.PlatformCardProcessor, CreatedAt: at,
		}),
		ledger.NewEntry("user-1", 2, at, ledger.InvoiceAdded{SubscriptionID: "sub_known", Invoice: ledger.InvoiceDetail{
			InvoiceID: "in_known", Status: ledger.StatusCompleted, PlanTier: plan.TierMonth, CreatedAt: at, UpdatedAt: at,
		}}),
	}
	require.NoError(t, s.Append(context.Background(), "user-1", 0, entries))
	return s
}

func stripeEvent(t *testing.T, id, typ string, object any, previous map[string]any) []byte {
	t.Helper()
	data := map[string]any{"object": object}
	if previous != nil {
		data["previous_attributes"] = previous
	}
	body, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    typ,
		"created": 1767225600,
		"data":    data,
	})
	require.NoError(t, err)
	return body
}

func classifyStripe(t *testing.T, c *Classifier, body []byte) (Classification, error) {
	t.Helper()
	ev, err := DecodeStripeEvent(body)
	require.NoError(t, err)
	return c.ClassifyStripe(context.Background(), ev)
}

func TestDecodeStripeEventMalformed(t *testing.T) {
	for name, body := range map[string]string{
		"not json":  `{"id":`,
		"no id":     `{"type":"invoice.paid","data":{"object":{}}}`,
		"no object": `{"id":"evt_1","type":"invoice.paid"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeStripeEvent([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, berrors.ErrMalformedPayload))
		})
	}
}

func TestClassifyStripeInvoicePaidNewLayout(t *testing.T) {
	c := NewClassifier(testCatalog(t), store.NewMemoryStore())
	body := stripeEvent(t, "evt_paid", "invoice.paid", map[string]any{
		"id":          "in_1",
		"customer":    "cus_1",
		"currency":    "usd",
		"amount_paid": 999,
		"parent": map[string]any{"subscription_details": map[string]any{
			"subscription": "sub_1",
			"metadata":     map[string]string{"user_id": "user-9", "order_id": "order-9"},
		}},
		"status_transitions": map[string]any{"paid_at": 1767225700},
		"lines": map[string]any{"data": []any{map[string]any{
			"pricing": map[string]any{"price_details": map[string]any{"price": "price_month"}},
			"period":  map[string]any{"start": 1767225600, "end": 1769817600},
		}}},
	}, nil)

	cl, err := classifyStripe(t, c, body)
	require.NoError(t, err)
	assert.Equal(t, KindPaymentCompleted, cl.Kind)
	assert.Equal(t, ledger.PlatformCardProcessor, cl.Platform)
	assert.Equal(t, Keys{UserID: "user-9", OrderID: "order-9", SubscriptionID: "sub_1", InvoiceID: "in_1", PriceID: "price_month", CustomerID: "cus_1"}, cl.Keys)
	assert.True(t, cl.HasProduct)
	assert.Equal(t, plan.TierMonth, cl.Product.Tier)
	assert.True(t, cl.Amount.Equal(decimal.RequireFromString("9.99")))
	assert.True(t, cl.OccurredAt.Equal(time.Unix(1767225700, 0)))
	assert.True(t, cl.Window.End.Equal(time.Unix(1769817600, 0)))
	assert.Equal(t, "card-processor:evt_paid", cl.DedupKey())

	req, ok := cl.InvoiceUpsert()
	require.True(t, ok)
	assert.Equal(t, ledger.StatusCompleted, req.Target)
	assert.Equal(t, plan.FamilyStandard, req.Family)
}

func TestClassifyStripeInvoiceUsesIndexOwner(t *testing.T) {
	c := NewClassifier(testCatalog(t), indexedStore(t))
	body := stripeEvent(t, "evt_renew", "invoice.payment_succeeded", map[string]any{
		"id":           "in_2",
		"subscription": "sub_known",
		"currency":     "usd",
		"amount_paid":  999,
		"metadata":     map[string]string{"user_id": "someone-else"},
		"lines":        map[string]any{"data": []any{map[string]any{"price": map[string]any{"id": "price_month"}}}},
	}, nil)

	cl, err := classifyStripe(t, c, body)
	require.NoError(t, err)
	assert.Equal(t, "user-1", cl.Keys.UserID)
	assert.Equal(t, "order-1", cl.Keys.OrderID)
}

func TestClassifyStripeInvoiceUnresolvable(t *testing.T) {
	c := NewClassifier(testCatalog(t), store.NewMemoryStore())

	noUser := stripeEvent(t, "evt_a", "invoice.paid", map[string]any{
		"id": "in_1", "subscription": "sub_unknown",
		"lines": map[string]any{"data": []any{map[string]any{"price": map[string]any{"id": "price_month"}}}},
	}, nil)
	_, err := classifyStripe(t, c, noUser)
	require.Error(t, err)
	assert.True(t, errors.Is(err, berrors.ErrUnresolvable))

	unknownPrice := stripeEvent(t, "evt_b", "invoice.paid", map[string]any{
		"id": "in_1", "subscription": "sub_1", "metadata": map[string]string{"user_id": "user-1"},
		"lines": map[string]any{"data": []any{map[string]any{"price": map[string]any{"id": "price_gone"}}}},
	}, nil)
	_, err = classifyStripe(t, c, unknownPrice)
	assert.True(t, errors.Is(err, berrors.ErrUnresolvable))
}

func TestClassifyStripeOneOffInvoiceIgnored(t *testing.T) {
	c := NewClassifier(testCatalog(t), store.NewMemoryStore())
	cl, err := classifyStripe(t, c, stripeEvent(t, "evt_x", "invoice.paid", map[string]any{"id": "in_1"}, nil))
	require.NoError(t, err)
	assert.Equal(t, KindIgnored, cl.Kind)
	_, ok := cl.InvoiceUpsert()
	assert.False(t, ok)
}

func TestClassifyStripeCheckout(t *testing.T) {
	c := NewClassifier(testCatalog(t), store.NewMemoryStore())
	cl, err := classifyStripe(t, c, stripeEvent(t, "evt_co", "checkout.session.completed", map[string]any{
		"id":                  "cs_1",
		"mode":                "subscription",
		"customer":            "cus_7",
		"subscription":        "sub_7",
		"client_reference_id": "user-7",
		"currency":            "usd",
		"amount_total":        9900,
		"metadata":            map[string]string{"order_id": "order-7", "price_id": "price_year_ult"},
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, KindCheckoutCompleted, cl.Kind)
	assert.Equal(t, "user-7", cl.Keys.UserID)
	assert.Equal(t, "cus_7", cl.Keys.CustomerID)

	rec := cl.RecordUpsert()
	assert.Equal(t, "order-7", rec.OrderID)
	assert.Equal(t, plan.FamilyUltimate, rec.Family)
	assert.Equal(t, plan.TierYear, rec.PlanTier)

	payment, err := classifyStripe(t, c, stripeEvent(t, "evt_pay", "checkout.session.completed", map[string]any{
		"id": "cs_2", "mode": "payment", "client_reference_id": "user-7",
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, KindIgnored, payment.Kind)
}

func TestClassifyStripeSubscriptionUpdated(t *testing.T) {
	c := NewClassifier(testCatalog(t), indexedStore(t))
	sub := map[string]any{"id": "sub_known", "cancel_at_period_end": true, "latest_invoice": "in_known"}

	cl, err := classifyStripe(t, c, stripeEvent(t, "evt_u1", "customer.subscription.updated", sub,
		map[string]any{"cancel_at_period_end": false}))
	require.NoError(t, err)
	assert.Equal(t, KindCancelRequested, cl.Kind)
	assert.Equal(t, "in_known", cl.Keys.InvoiceID)
	assert.Equal(t, "user-1", cl.Keys.UserID)

	sub["cancel_at_period_end"] = false
	cl, err = classifyStripe(t, c, stripeEvent(t, "evt_u2", "customer.subscription.updated", sub,
		map[string]any{"cancel_at_period_end": true}))
	require.NoError(t, err)
	assert.Equal(t, KindReinstated, cl.Kind)
	_, reinstate, _ := cl.Kind.Target()
	assert.True(t, reinstate)

	cl, err = classifyStripe(t, c, stripeEvent(t, "evt_u3", "customer.subscription.updated", sub,
		map[string]any{"status": "incomplete"}))
	require.NoError(t, err)
	assert.Equal(t, KindIgnored, cl.Kind)
}

func TestClassifyStripeSubscriptionDeleted(t *testing.T) {
	c := NewClassifier(testCatalog(t), indexedStore(t))
	cl, err := classifyStripe(t, c, stripeEvent(t, "evt_d", "customer.subscription.deleted", map[string]any{"id": "sub_known"}, nil))
	require.NoError(t, err)
	assert.Equal(t, KindCancelConfirmed, cl.Kind)
	assert.Empty(t, cl.Keys.InvoiceID, "latest invoice is resolved by the ledger")

	_, err = classifyStripe(t, c, stripeEvent(t, "evt_d2", "customer.subscription.deleted", map[string]any{"id": "sub_other"}, nil))
	assert.True(t, errors.Is(err, berrors.ErrUnresolvable))
}

func TestClassifyStripeRefund(t *testing.T) {
	c := NewClassifier(testCatalog(t), indexedStore(t))
	cl, err := classifyStripe(t, c, stripeEvent(t, "evt_r", "charge.refunded", map[string]any{
		"id": "ch_1", "invoice": "in_known", "refunded": true, "amount_refunded": 999, "currency": "usd",
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, KindRefundConfirmed, cl.Kind)
	assert.Equal(t, "sub_known", cl.Keys.SubscriptionID)
	assert.Equal(t, "user-1", cl.Keys.UserID)

	cl, err = classifyStripe(t, c, stripeEvent(t, "evt_r2", "charge.refunded", map[string]any{
		"id": "ch_2", "invoice": "in_known", "refunded": false,
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, KindIgnored, cl.Kind)

	_, err = classifyStripe(t, c, stripeEvent(t, "evt_r3", "charge.refunded", map[string]any{
		"id": "ch_3", "refunded": true,
	}, nil))
	assert.True(t, errors.Is(err, berrors.ErrUnresolvable))
}

func TestStripeAmountZeroDecimal(t *testing.T) {
	assert.True(t, stripeAmount(500, "JPY").Equal(decimal.NewFromInt(500)))
	assert.True(t, stripeAmount(500, "usd").Equal(decimal.RequireFromString("5")))
}

type appStoreFixture struct {
	chain *verifytest.Chain
}

func (f appStoreFixture) notification(t *testing.T, typ, subtype string, tx map[string]any) string {
	t.Helper()
	data := map[string]any{"bundleId": "com.example.app", "environment": "Production"}
	if tx != nil {
		data["signedTransactionInfo"] = f.chain.SignNested(t, tx)
		data["signedRenewalInfo"] = f.chain.SignNested(t, map[string]any{
			"originalTransactionId": tx["originalTransactionId"],
			"productId":             tx["productId"],
			"autoRenewStatus":       1,
		})
	}
	claims := map[string]any{
		"notificationType": typ,
		"notificationUUID": "uuid-" + typ + "-" + subtype,
		"version":          "2.0",
		"signedDate":       1767225600000,
		"data":             data,
	}
	if subtype != "" {
		claims["subtype"] = subtype
	}
	return f.chain.Sign(t, claims)
}

func sampleTransaction() map[string]any {
	return map[string]any{
		"transactionId":         "2000000001",
		"originalTransactionId": "1000000001",
		"bundleId":              "com.example.app",
		"productId":             "com.example.week",
		"purchaseDate":          1767225600000,
		"expiresDate":           1767830400000,
		"appAccountToken":       "user-apple",
		"price":                 2990,
		"currency":              "USD",
		"environment":           "Production",
	}
}

func TestDecodeAppStoreNotification(t *testing.T) {
	f := appStoreFixture{chain: verifytest.NewChain(t)}
	n, err := DecodeAppStoreNotification(f.notification(t, "DID_RENEW", "", sampleTransaction()))
	require.NoError(t, err)
	assert.Equal(t, "DID_RENEW", n.EventType())
	require.NotNil(t, n.Transaction)
	assert.Equal(t, "2000000001", n.Transaction.TransactionID)
	require.NotNil(t, n.Renewal)
	assert.Equal(t, 1, n.Renewal.AutoRenewStatus)

	_, err = DecodeAppStoreNotification("a.b")
	assert.True(t, errors.Is(err, berrors.ErrMalformedPayload))

	missing := f.chain.Sign(t, map[string]any{"data": map[string]any{}})
	_, err = DecodeAppStoreNotification(missing)
	assert.True(t, errors.Is(err, berrors.ErrMalformedPayload))
}

func classifyApple(t *testing.T, c *Classifier, f appStoreFixture, typ, subtype string, tx map[string]any) (Classification, error) {
	t.Helper()
	n, err := DecodeAppStoreNotification(f.notification(t, typ, subtype, tx))
	require.NoError(t, err)
	return c.ClassifyAppStore(context.Background(), n)
}

func TestClassifyAppStoreKinds(t *testing.T) {
	f := appStoreFixture{chain: verifytest.NewChain(t)}
	c := NewClassifier(testCatalog(t), store.NewMemoryStore(), WithAppStoreApp("com.example.app", "Production"))

	tests := []struct {
		typ, subtype string
		want         Kind
	}{
		{"SUBSCRIBED", "INITIAL_BUY", KindPaymentCompleted},
		{"DID_RENEW", "", KindPaymentCompleted},
		{"DID_CHANGE_RENEWAL_PREF", "UPGRADE", KindPaymentCompleted},
		{"DID_CHANGE_RENEWAL_PREF", "DOWNGRADE", KindIgnored},
		{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", KindCancelRequested},
		{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_ENABLED", KindReinstated},
		{"EXPIRED", "VOLUNTARY", KindCancelConfirmed},
		{"REVOKE", "", KindCancelConfirmed},
		{"REFUND", "", KindRefundConfirmed},
		{"CONSUMPTION_REQUEST", "", KindRefundRequested},
		{"REFUND_DECLINED", "", KindReinstated},
		{"DID_FAIL_TO_RENEW", "", KindPaymentFailed},
		{"TEST", "", KindIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.typ+"/"+tt.subtype, func(t *testing.T) {
			cl, err := classifyApple(t, c, f, tt.typ, tt.subtype, sampleTransaction())
			require.NoError(t, err)
			assert.Equal(t, tt.want, cl.Kind)
			if tt.want == KindIgnored {
				assert.NotEmpty(t, cl.Reason)
			}
		})
	}
}

func TestClassifyAppStoreCorrelation(t *testing.T) {
	f := appStoreFixture{chain: verifytest.NewChain(t)}
	c := NewClassifier(testCatalog(t), store.NewMemoryStore())

	cl, err := classifyApple(t, c, f, "SUBSCRIBED", "INITIAL_BUY", sampleTransaction())
	require.NoError(t, err)
	assert.Equal(t, ledger.PlatformAppStore, cl.Platform)
	assert.Equal(t, Keys{UserID: "user-apple", SubscriptionID: "1000000001", InvoiceID: "2000000001", PriceID: "com.example.week"}, cl.Keys)
	assert.True(t, cl.Amount.Equal(decimal.RequireFromString("2.99")))
	assert.Equal(t, "usd", cl.Currency)
	assert.Equal(t, plan.TierWeek, cl.Product.Tier)
	assert.True(t, cl.OccurredAt.Equal(time.UnixMilli(1767225600000)))
	assert.True(t, cl.Window.End.Equal(time.UnixMilli(1767830400000)))
}

func TestClassifyAppStoreRejectsForeignApp(t *testing.T) {
	f := appStoreFixture{chain: verifytest.NewChain(t)}

	c := NewClassifier(testCatalog(t), store.NewMemoryStore(), WithAppStoreApp("com.other.app", ""))
	cl, err := classifyApple(t, c, f, "DID_RENEW", "", sampleTransaction())
	require.NoError(t, err)
	assert.Equal(t, KindIgnored, cl.Kind)

	c = NewClassifier(testCatalog(t), store.NewMemoryStore(), WithAppStoreApp("", "Sandbox"))
	cl, err = classifyApple(t, c, f, "DID_RENEW", "", sampleTransaction())
	require.NoError(t, err)
	assert.Equal(t, KindIgnored, cl.Kind)
}

func TestClassifyAppStoreUnresolvable(t *testing.T) {
	f := appStoreFixture{chain: verifytest.NewChain(t)}
	c := NewClassifier(testCatalog(t), store.NewMemoryStore())

	_, err := classifyApple(t, c, f, "DID_RENEW", "", nil)
	assert.True(t, errors.Is(err, berrors.ErrUnresolvable))

	tx := sampleTransaction()
	delete(tx, "appAccountToken")
	_, err = classifyApple(t, c, f, "DID_RENEW", "", tx)
	assert.True(t, errors.Is(err, berrors.ErrUnresolvable))

	tx = sampleTransaction()
	tx["productId"] = "com.example.unknown"
	_, err = classifyApple(t, c, f, "DID_RENEW", "", tx)
	assert.True(t, errors.Is(err, berrors.ErrUnresolvable))
	assert.Equal(t, berrors.KindUnresolvable, berrors.KindOf(err))
}
