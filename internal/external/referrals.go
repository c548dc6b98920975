package external

import (
	"context"
	"net/http"
	"strings"

	"github.com/rcourtman/subledger/internal/billing/ports"
)

// ReferralClient talks to the referral service.
type ReferralClient struct {
	rest *restClient
}

// NewReferralClient creates a referral service client.
func NewReferralClient(cfg HTTPConfig) (*ReferralClient, error) {
	rest, err := newRESTClient("referrals", cfg)
	if err != nil {
		return nil, err
	}
	return &ReferralClient{rest: rest}, nil
}

type inviterResponse struct {
	InviterID string `json:"inviter_id"`
}

// GetInviter returns who invited userID, or "" when nobody did.
func (c *ReferralClient) GetInviter(ctx context.Context, userID string) (string, error) {
	var resp inviterResponse
	if err := c.rest.doJSON(ctx, http.MethodGet, userPath(userID, "/inviter"), nil, &resp); err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(resp.InviterID), nil
}

// NotifyQualifyingSubscription reports a first paid subscription of an invitee.
func (c *ReferralClient) NotifyQualifyingSubscription(ctx context.Context, q ports.QualifyingSubscription) error {
	return c.rest.doJSON(ctx, http.MethodPost, "/referrals/qualifying", q, nil)
}
