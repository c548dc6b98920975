package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/subledger/internal/billing/metrics"
	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/ports"
	"github.com/rcourtman/subledger/internal/billing/subscription"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/rcourtman/subledger/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// endDateTolerance absorbs clock and serialization differences between the
// ledger and the entitlement service.
const endDateTolerance = time.Minute

// FamilyAudit compares one family's ledger state with the entitlement service.
type FamilyAudit struct {
	Family   plan.Family                `json:"family"`
	Ledger   subscription.Aggregate     `json:"ledger"`
	Remote   *ports.EntitlementSnapshot `json:"remote,omitempty"`
	Drift    bool                       `json:"drift"`
	Reasons  []string                   `json:"reasons,omitempty"`
	Repaired bool                       `json:"repaired,omitempty"`
}

// AuditReport is the result of Audit.
type AuditReport struct {
	UserID    string    `json:"user_id"`
	Seq       int64     `json:"seq"`
	CheckedAt time.Time `json:"checked_at"`
	// LastActivity is the newest invoice update in the ledger.
	LastActivity time.Time     `json:"last_activity"`
	Drift        bool          `json:"drift"`
	Families     []FamilyAudit `json:"families"`
}

// Audit compares the ledger projection of a user with what the entitlement
// service grants. With repair set, drifting families are pushed again.
func (o *Orchestrator) Audit(ctx context.Context, userID string, repair bool) (*AuditReport, error) {
	ctx, span := startSpan(ctx, traceSpanAudit, attribute.String(traceAttrUserID, userID))
	defer span.End()

	report, err := o.audit(ctx, userID, repair)
	markSpanResult(span, err)
	return report, err
}

func (o *Orchestrator) audit(ctx context.Context, userID string, repair bool) (*AuditReport, error) {
	proj, err := o.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := o.now()
	families := plan.Families()
	results := make([]FamilyAudit, len(families))

	g, gctx := errgroup.WithContext(ctx)
	for i, family := range families {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, o.opts.SideEffectTimeout)
			defer cancel()
			remote, err := o.deps.Entitlements.GetSubscription(callCtx, userID, family.Ultimate())
			if err != nil {
				return berrors.Transient("entitlements.get_subscription", err)
			}
			results[i] = compareFamily(proj.Aggregate(family), remote, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &AuditReport{
		UserID:       userID,
		Seq:          proj.Seq,
		CheckedAt:    now,
		LastActivity: proj.Book.LatestActivity(),
		Families:     results,
	}
	logger := logging.FromContext(ctx)
	for i := range report.Families {
		fa := &report.Families[i]
		if !fa.Drift {
			continue
		}
		report.Drift = true
		metrics.AuditDriftTotal.WithLabelValues(string(fa.Family)).Inc()
		logger.Warn().Str("user_id", userID).Str("family", string(fa.Family)).
			Strs("reasons", fa.Reasons).Msg("Entitlement drift detected")
		if repair {
			agg := fa.Ledger
			err := o.withRetry(ctx, targetEntitlement, func(ctx context.Context) error {
				return o.deps.Entitlements.UpdateSubscription(ctx, userID, agg, fa.Family.Ultimate())
			})
			fa.Repaired = err == nil
		}
	}
	return report, nil
}

func compareFamily(local subscription.Aggregate, remote *ports.EntitlementSnapshot, now time.Time) FamilyAudit {
	fa := FamilyAudit{Family: local.Family, Ledger: local, Remote: remote}
	localActive := local.ActiveAt(now)
	if remote == nil {
		if localActive {
			fa.Reasons = append(fa.Reasons, "entitlement service has no record of an active subscription")
		}
		fa.Drift = len(fa.Reasons) > 0
		return fa
	}

	remoteActive := remote.IsActive && now.Before(remote.EndDate)
	if localActive != remoteActive {
		fa.Reasons = append(fa.Reasons, fmt.Sprintf("active: ledger=%t entitlement=%t", localActive, remoteActive))
	}
	if localActive && remoteActive {
		if local.PlanTier != remote.PlanTier {
			fa.Reasons = append(fa.Reasons, fmt.Sprintf("tier: ledger=%s entitlement=%s", local.PlanTier, remote.PlanTier))
		}
		if diff := local.EndDate.Sub(remote.EndDate).Abs(); diff > endDateTolerance {
			fa.Reasons = append(fa.Reasons, fmt.Sprintf("end date differs by %s", diff.Round(time.Second)))
		}
	}
	fa.Drift = len(fa.Reasons) > 0
	return fa
}
