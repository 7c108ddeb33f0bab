package service

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-loan-approvals/internal/client"
	"github.com/pesio-ai/be-loan-approvals/internal/metrics"
	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/tracing"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
)

// Corrections applied by reconciliation.
const (
	CorrectionApprovalLevel        = "approval_level"
	CorrectionCommitteeFlag        = "committee_flag"
	CorrectionMissingAssignment    = "missing_assignment"
	CorrectionTierAboveResolved    = "tier_above_resolved"
	CorrectionCommitteeNotRequired = "committee_not_required"
	CorrectionStatusMismatch       = "status_mismatch"
)

// ReconcileResult reports what reconciliation changed on one application.
type ReconcileResult struct {
	ApplicationID string
	StatusBefore  workflow.Status
	StatusAfter   workflow.Status
	Corrections   []string
	Skipped       bool
}

// Changed reports whether anything was corrected.
func (r *ReconcileResult) Changed() bool {
	return len(r.Corrections) > 0
}

// ReconcileSummary aggregates a ReconcileAll run.
type ReconcileSummary struct {
	Checked   int
	Corrected int
	Failed    int
	Results   []*ReconcileResult
	Failures  map[string]string
}

// ReconcileTierConsistency re-derives the tier and committee requirement of
// an application from the current catalog and repairs stale routing. Only
// applications awaiting approval are touched, and reconciliation never
// approves: an application that no longer needs the committee goes back to
// its resolved tier for confirmation.
func (s *WorkflowService) ReconcileTierConsistency(ctx context.Context, applicationID, actorID string) (*ReconcileResult, error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.reconcile", attribute.String("application_id", applicationID))

	var res *ReconcileResult
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.reconcile(ctx, applicationID, actorID)
		return err
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	for _, c := range res.Corrections {
		metrics.RecordReconcileCorrection(c)
	}
	if res.Changed() {
		s.log.Info().
			Str("application_id", applicationID).
			Strs("corrections", res.Corrections).
			Str("status_before", string(res.StatusBefore)).
			Str("status_after", string(res.StatusAfter)).
			Msg("Application tier routing reconciled")

		s.events.Publish(context.WithoutCancel(ctx), &client.WorkflowEvent{
			EventType:     client.EventTierReconciled,
			ApplicationID: applicationID,
			ActorID:       actorID,
			StatusBefore:  string(res.StatusBefore),
			StatusAfter:   string(res.StatusAfter),
			Payload:       map[string]any{"corrections": res.Corrections},
		})
	}
	return res, nil
}

// ReconcileAll reconciles every application awaiting approval. Failures on
// one application do not stop the run.
func (s *WorkflowService) ReconcileAll(ctx context.Context, actorID string) (*ReconcileSummary, error) {
	var pendingStatuses []workflow.Status
	for _, st := range workflow.AllStatuses() {
		if st.IsPendingApproval() {
			pendingStatuses = append(pendingStatuses, st)
		}
	}

	apps, err := s.apps.ListByStatuses(ctx, pendingStatuses)
	if err != nil {
		return nil, err
	}

	summary := &ReconcileSummary{Failures: make(map[string]string)}
	for _, app := range apps {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++

		res, err := s.ReconcileTierConsistency(ctx, app.ID, actorID)
		if err != nil {
			summary.Failed++
			summary.Failures[app.ID] = err.Error()
			s.log.Warn().Err(err).Str("application_id", app.ID).Msg("Reconciliation failed")
			continue
		}
		if res.Changed() {
			summary.Corrected++
			summary.Results = append(summary.Results, res)
		}
	}

	s.log.Info().
		Int("checked", summary.Checked).
		Int("corrected", summary.Corrected).
		Int("failed", summary.Failed).
		Msg("Reconciliation run finished")
	return summary, nil
}

func (s *WorkflowService) reconcile(ctx context.Context, applicationID, actorID string) (*ReconcileResult, error) {
	app, err := s.apps.GetForUpdate(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{
		ApplicationID: applicationID,
		StatusBefore:  app.ApprovalStatus,
		StatusAfter:   app.ApprovalStatus,
	}
	if !app.ApprovalStatus.IsPendingApproval() {
		res.Skipped = true
		return res, nil
	}

	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	resolved, err := s.resolver.resolveIn(snap, app.RequestedAmount, app.BorrowerType)
	if err != nil {
		return nil, err
	}
	committee := CommitteeRequired(resolved, app.RequestedAmount)
	level := resolved.AuthorityRole

	pending, err := s.assignments.GetPending(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	var current *repository.ApprovalTier
	if pending != nil {
		if current, err = s.tierFor(ctx, snap, pending.TierID); err != nil {
			return nil, err
		}
	}

	var (
		target    *repository.ApprovalTier
		newStatus = app.ApprovalStatus
	)

	if app.ApprovalStatus == workflow.StatusPendingCommitteeReview {
		referred, err := s.enteredByReferral(ctx, applicationID)
		if err != nil {
			return nil, err
		}
		if referred {
			committee = true
			level = workflow.RoleCommittee
		}

		switch {
		case !committee:
			target = resolved
			res.Corrections = append(res.Corrections, CorrectionCommitteeNotRequired)
		case pending == nil:
			if target, err = committeeTierOf(snap); err != nil {
				return nil, err
			}
			res.Corrections = append(res.Corrections, CorrectionMissingAssignment)
		case current.AuthorityRole != workflow.RoleCommittee:
			if target, err = committeeTierOf(snap); err != nil {
				return nil, err
			}
			res.Corrections = append(res.Corrections, CorrectionStatusMismatch)
		}
	} else {
		role, _ := workflow.RoleForStatus(app.ApprovalStatus)
		switch {
		case current != nil && current.MinAmount.GreaterThan(resolved.MinAmount):
			target = resolved
			res.Corrections = append(res.Corrections, CorrectionTierAboveResolved)
		case current != nil && current.AuthorityRole != role:
			newStatus = workflow.PendingStatusFor(current.AuthorityRole)
			res.Corrections = append(res.Corrections, CorrectionStatusMismatch)
		case current == nil:
			target = tierForRole(snap, role, resolved)
			res.Corrections = append(res.Corrections, CorrectionMissingAssignment)
		}
	}

	if target != nil {
		if pending != nil {
			note := "superseded by tier reconciliation"
			if err := s.assignments.Close(ctx, pending.ID, workflow.AssignmentSuperseded, actorID, &note); err != nil {
				return nil, err
			}
		}
		next := &repository.ApprovalAssignment{
			ApplicationID: applicationID,
			TierID:        target.ID,
			Status:        workflow.AssignmentPending,
		}
		if err := s.assignments.Create(ctx, next); err != nil {
			return nil, err
		}
		newStatus = workflow.PendingStatusFor(target.AuthorityRole)
	}

	if app.ApprovalLevel == nil || *app.ApprovalLevel != level {
		res.Corrections = append(res.Corrections, CorrectionApprovalLevel)
	}
	if app.CommitteeReviewRequired != committee {
		res.Corrections = append(res.Corrections, CorrectionCommitteeFlag)
	}
	if !res.Changed() {
		return res, nil
	}

	if newStatus != app.ApprovalStatus {
		comment := "reconciled: " + strings.Join(res.Corrections, ", ")
		var tierName *string
		if current != nil {
			tierName = &current.Name
		}
		err := s.history.Append(ctx, &repository.ApprovalHistoryEntry{
			ApplicationID: applicationID,
			Action:        workflow.ActionReconcile,
			ActorID:       actorID,
			Comments:      &comment,
			TierAtAction:  tierName,
			StatusBefore:  app.ApprovalStatus,
			StatusAfter:   newStatus,
		})
		if err != nil {
			return nil, err
		}
	}

	err = s.apps.UpdateApprovalState(ctx, applicationID, repository.ApplicationStatusUpdate{
		Status:                  newStatus,
		ApprovalLevel:           &level,
		CommitteeReviewRequired: committee,
	})
	if err != nil {
		return nil, err
	}

	res.StatusAfter = newStatus
	return res, nil
}

// enteredByReferral reports whether the latest entry into committee review
// was an explicit referral.
func (s *WorkflowService) enteredByReferral(ctx context.Context, applicationID string) (bool, error) {
	entries, err := s.history.ListByApplication(ctx, applicationID)
	if err != nil {
		return false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.StatusAfter == workflow.StatusPendingCommitteeReview && e.StatusBefore != workflow.StatusPendingCommitteeReview {
			return e.Action == workflow.ActionReferToCommittee, nil
		}
	}
	return false, nil
}

// tierForRole picks the active tier with role at or below resolved, falling
// back to resolved itself.
func tierForRole(snap *TierSnapshot, role workflow.AuthorityRole, resolved *repository.ApprovalTier) *repository.ApprovalTier {
	for _, t := range snap.Tiers {
		if t.MinAmount.GreaterThan(resolved.MinAmount) {
			break
		}
		if t.AuthorityRole == role {
			return t
		}
	}
	return resolved
}

func (r *ReconcileResult) String() string {
	if !r.Changed() {
		return fmt.Sprintf("%s: no change", r.ApplicationID)
	}
	return fmt.Sprintf("%s: %s -> %s (%s)", r.ApplicationID, r.StatusBefore, r.StatusAfter, strings.Join(r.Corrections, ", "))
}
