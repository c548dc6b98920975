package external

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/ports"
	"github.com/rcourtman/subledger/internal/billing/subscription"
)

// EntitlementClient talks to the entitlement service over its REST API.
type EntitlementClient struct {
	rest *restClient
}

// NewEntitlementClient creates an entitlement service client.
func NewEntitlementClient(cfg HTTPConfig) (*EntitlementClient, error) {
	rest, err := newRESTClient("entitlements", cfg)
	if err != nil {
		return nil, err
	}
	return &EntitlementClient{rest: rest}, nil
}

type entitlementBody struct {
	Ultimate          bool      `json:"ultimate"`
	IsActive          bool      `json:"is_active"`
	PlanTier          string    `json:"plan_tier"`
	StartDate         time.Time `json:"start_date"`
	EndDate           time.Time `json:"end_date"`
	Status            string    `json:"status,omitempty"`
	AppliedInvoiceIDs []string  `json:"applied_invoice_ids,omitempty"`
}

// GetSubscription returns what the service currently grants, or nil when it
// has no record for the family.
func (c *EntitlementClient) GetSubscription(ctx context.Context, userID string, ultimate bool) (*ports.EntitlementSnapshot, error) {
	var body entitlementBody
	path := userPath(userID, "/subscription?ultimate="+strconv.FormatBool(ultimate))
	if err := c.rest.doJSON(ctx, http.MethodGet, path, nil, &body); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	tier, err := plan.ParseTier(body.PlanTier)
	if err != nil && body.IsActive {
		return nil, err
	}
	return &ports.EntitlementSnapshot{
		IsActive:  body.IsActive,
		PlanTier:  tier,
		StartDate: body.StartDate,
		EndDate:   body.EndDate,
	}, nil
}

// UpdateSubscription replaces the service's view of one family with agg.
func (c *EntitlementClient) UpdateSubscription(ctx context.Context, userID string, agg subscription.Aggregate, ultimate bool) error {
	body := entitlementBody{
		Ultimate:          ultimate,
		IsActive:          agg.IsActive,
		PlanTier:          agg.PlanTier.String(),
		StartDate:         agg.StartDate,
		EndDate:           agg.EndDate,
		Status:            string(agg.Status),
		AppliedInvoiceIDs: agg.AppliedInvoiceIDs,
	}
	return c.rest.doJSON(ctx, http.MethodPut, userPath(userID, "/subscription"), body, nil)
}

// ResetUsageLimits clears the user's usage counters.
func (c *EntitlementClient) ResetUsageLimits(ctx context.Context, userID string) error {
	return c.rest.doJSON(ctx, http.MethodPost, userPath(userID, "/usage/reset"), struct{}{}, nil)
}
