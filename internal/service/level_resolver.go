package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-loan-approvals/internal/metrics"
	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/tracing"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

// LevelResolver classifies an amount into an approval tier.
type LevelResolver struct {
	catalog *TierCatalog
	log     *logger.Logger
}

// NewLevelResolver creates a LevelResolver.
func NewLevelResolver(catalog *TierCatalog, log *logger.Logger) *LevelResolver {
	return &LevelResolver{catalog: catalog, log: log}
}

// ResolveTier returns the tier covering amount. borrowerType is carried for
// logging; tiers are banded by amount only.
func (r *LevelResolver) ResolveTier(ctx context.Context, amount decimal.Decimal, borrowerType string) (*repository.ApprovalTier, error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.resolve_tier")
	tier, err := r.resolve(ctx, amount, borrowerType)
	tracing.End(span, err)
	return tier, err
}

func (r *LevelResolver) resolve(ctx context.Context, amount decimal.Decimal, borrowerType string) (*repository.ApprovalTier, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	snap, err := r.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return r.resolveIn(snap, amount, borrowerType)
}

// resolveIn picks the first tier in ascending order that covers amount.
// Overlapping tiers degrade to that deterministic choice.
func (r *LevelResolver) resolveIn(snap *TierSnapshot, amount decimal.Decimal, borrowerType string) (*repository.ApprovalTier, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if len(snap.Tiers) == 0 {
		metrics.RecordResolutionFailure(string(errors.ErrCodeConfiguration))
		r.log.Error().Msg("No active approval tiers configured")
		return nil, errors.New(errors.ErrCodeConfiguration, "no active approval tiers configured")
	}

	var match *repository.ApprovalTier
	var also []string
	for _, t := range snap.Tiers {
		if !t.Contains(amount, snap.IsCeiling(t)) {
			continue
		}
		if match == nil {
			match = t
			continue
		}
		also = append(also, t.Name)
	}

	if match == nil {
		metrics.RecordResolutionFailure(string(errors.ErrCodeNoMatchingTier))
		return nil, errors.Newf(errors.ErrCodeNoMatchingTier, "no approval tier covers amount %s", amount).
			WithDetails("amount", amount.String()).
			WithDetails("borrower_type", borrowerType)
	}

	if len(also) > 0 {
		r.log.Warn().
			Str("amount", amount.String()).
			Str("selected_tier", match.Name).
			Strs("overlapping_tiers", also).
			Msg("Amount matches overlapping approval tiers; using lowest")
	}

	r.log.Debug().
		Str("amount", amount.String()).
		Str("borrower_type", borrowerType).
		Str("tier", match.Name).
		Msg("Approval tier resolved")

	return match, nil
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		metrics.RecordResolutionFailure(string(errors.ErrCodeInvalidInput))
		return errors.InvalidInput("amount", "requested amount must not be negative").
			WithDetails("amount", amount.String())
	}
	return nil
}

// CommitteeRequired reports whether an application of amount resolved to
// tier must be decided by the committee. A committee-authority tier always
// is; otherwise the tier must require it and amount must reach the threshold.
func CommitteeRequired(tier *repository.ApprovalTier, amount decimal.Decimal) bool {
	if tier.AuthorityRole == workflow.RoleCommittee {
		return true
	}
	if !tier.RequiresCommitteeApproval {
		return false
	}
	return tier.CommitteeThreshold == nil || amount.GreaterThanOrEqual(*tier.CommitteeThreshold)
}
