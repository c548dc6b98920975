package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/ports"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"go.opentelemetry.io/otel/attribute"
)

// CheckoutRequest asks for a hosted checkout of one price.
type CheckoutRequest struct {
	UserID  string `json:"user_id"`
	PriceID string `json:"price_id"`
	Email   string `json:"email,omitempty"`
}

// Checkout is a prepared purchase.
type Checkout struct {
	OrderID    string       `json:"order_id"`
	CustomerID string       `json:"customer_id"`
	SessionID  string       `json:"session_id"`
	URL        string       `json:"url"`
	Product    plan.Product `json:"product"`
}

// newOrderID is swapped in tests for stable ids.
var newOrderID = func() string { return uuid.NewString() }

// PrepareCheckout validates the plan change against the user's current
// access before any charge, ensures the user has a processor customer and
// creates a checkout session carrying the correlation metadata.
func (o *Orchestrator) PrepareCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	const op = "reconcile.prepare_checkout"
	ctx, span := startSpan(ctx, traceSpanCheckout, attribute.String(traceAttrUserID, req.UserID))
	defer span.End()

	out, err := o.prepareCheckout(ctx, op, req)
	markSpanResult(span, err)
	return out, err
}

func (o *Orchestrator) prepareCheckout(ctx context.Context, op string, req CheckoutRequest) (*Checkout, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.PriceID = strings.TrimSpace(req.PriceID)
	if req.UserID == "" {
		return nil, berrors.Malformed(op, fmt.Errorf("user id is required"))
	}
	if o.deps.CardProcessor == nil {
		return nil, berrors.New(berrors.KindUnsupported, op, fmt.Errorf("no card processor configured"))
	}
	product, ok := o.deps.Catalog.Lookup(req.PriceID)
	if !ok {
		return nil, berrors.Malformed(op, fmt.Errorf("price %q is not in the catalog", req.PriceID))
	}

	var customerID string
	err := o.actors.do(ctx, req.UserID, func(ctx context.Context, a *userActor) error {
		if err := a.ensureLoaded(ctx); err != nil {
			return err
		}
		now := o.now()
		if err := a.proj.Aggregate(product.Family()).ValidateUpgrade(product.Tier, now); err != nil {
			return err
		}
		if cust := a.proj.Book.Customer; cust != nil {
			customerID = cust.CustomerID
			return nil
		}
		err := o.withRetry(ctx, targetCustomer, func(ctx context.Context) error {
			id, err := o.deps.CardProcessor.CreateCustomer(ctx, req.UserID, req.Email)
			customerID = id
			return err
		})
		if err != nil {
			return err
		}
		events := a.proj.Book.PlanCustomer(customerID, now)
		if len(events) == 0 {
			return nil
		}
		if _, err := a.commit(ctx, events); err != nil {
			return berrors.Transient(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	orderID := newOrderID()
	callCtx, cancel := context.WithTimeout(ctx, o.opts.SideEffectTimeout)
	defer cancel()
	session, err := o.deps.CardProcessor.CreateCheckoutSession(callCtx, ports.CheckoutSessionRequest{
		UserID:     req.UserID,
		CustomerID: customerID,
		PriceID:    product.PriceID,
		OrderID:    orderID,
		SuccessURL: o.opts.CheckoutSuccessURL,
		CancelURL:  o.opts.CheckoutCancelURL,
	})
	if err != nil {
		return nil, berrors.Transient(op, err)
	}
	return &Checkout{
		OrderID:    orderID,
		CustomerID: customerID,
		SessionID:  session.ID,
		URL:        session.URL,
		Product:    product,
	}, nil
}
