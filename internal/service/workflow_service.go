package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-loan-approvals/internal/client"
	"github.com/pesio-ai/be-loan-approvals/internal/metrics"
	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/tracing"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

// WorkflowState is the read model of an application's approval progress.
type WorkflowState struct {
	Application         *repository.LoanApplication
	CurrentTier         *repository.ApprovalTier
	CurrentAssignment   *repository.ApprovalAssignment
	Assignments         []*repository.ApprovalAssignment
	Status              workflow.Status
	IsFinal             bool
	CanApprove          bool
	CanReject           bool
	IsCommitteeRequired bool
	ProgressPercent     int
}

// ActionResult describes a completed transition. Approvals and rejections
// are results, not errors.
type ActionResult struct {
	Success      bool
	Message      string
	StatusBefore workflow.Status
	StatusAfter  workflow.Status
	Assignment   *repository.ApprovalAssignment // new pending assignment, if any
}

// WorkflowService moves loan applications through the approval ladder.
type WorkflowService struct {
	apps        ApplicationStore
	assignments AssignmentStore
	history     HistoryStore
	catalog     *TierCatalog
	resolver    *LevelResolver
	tx          Transactor
	events      EventPublisher
	log         *logger.Logger
}

// NewWorkflowService creates a new WorkflowService. events may be nil.
func NewWorkflowService(
	apps ApplicationStore,
	assignments AssignmentStore,
	history HistoryStore,
	catalog *TierCatalog,
	resolver *LevelResolver,
	tx Transactor,
	events EventPublisher,
	log *logger.Logger,
) *WorkflowService {
	if events == nil {
		events = nopPublisher{}
	}
	return &WorkflowService{
		apps:        apps,
		assignments: assignments,
		history:     history,
		catalog:     catalog,
		resolver:    resolver,
		tx:          tx,
		events:      events,
		log:         log,
	}
}

// transition is one status change computed under the application lock.
type transition struct {
	app       *repository.LoanApplication
	action    workflow.Action
	actorID   string
	comments  *string
	fromTier  *repository.ApprovalTier
	closing   *repository.ApprovalAssignment
	closeAs   workflow.AssignmentStatus
	next      *repository.ApprovalTier
	status    workflow.Status
	level     *workflow.AuthorityRole
	committee bool
	message   string
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetWorkflowState returns the current tier, assignment and display progress
// of an application. The committee requirement is computed from the live
// catalog; when that fails the stored flag is used.
func (s *WorkflowService) GetWorkflowState(ctx context.Context, applicationID string) (*WorkflowState, error) {
	app, err := s.apps.GetByID(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	pending, err := s.assignments.GetPending(ctx, applicationID)
	if err != nil {
		return nil, errors.Storage(err, "failed to load pending assignment")
	}
	assignments, err := s.assignments.ListByApplication(ctx, applicationID)
	if err != nil {
		return nil, errors.Storage(err, "failed to list assignments")
	}

	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	state := &WorkflowState{
		Application:       app,
		CurrentAssignment: pending,
		Assignments:       assignments,
		Status:            app.ApprovalStatus,
		IsFinal:           app.ApprovalStatus.IsTerminal(),
	}

	if pending != nil {
		tier, err := s.tierFor(ctx, snap, pending.TierID)
		if err != nil {
			return nil, err
		}
		state.CurrentTier = tier
		state.CanApprove = app.ApprovalStatus.IsPendingApproval()
		state.CanReject = state.CanApprove
	}

	state.IsCommitteeRequired = app.CommitteeReviewRequired
	if resolved, err := s.resolver.resolveIn(snap, app.RequestedAmount, app.BorrowerType); err == nil {
		state.IsCommitteeRequired = CommitteeRequired(resolved, app.RequestedAmount)
		if state.IsCommitteeRequired != app.CommitteeReviewRequired {
			s.log.Warn().
				Str("application_id", applicationID).
				Bool("stored", app.CommitteeReviewRequired).
				Bool("live", state.IsCommitteeRequired).
				Msg("Stored committee flag disagrees with catalog; reconciliation pending")
		}
	} else {
		s.log.Warn().Err(err).
			Str("application_id", applicationID).
			Msg("Could not resolve tier; using stored committee flag")
	}

	state.ProgressPercent = workflow.ProgressPercent(app.ApprovalStatus, state.IsCommitteeRequired)
	return state, nil
}

// GetHistory returns the approval history of an application oldest-first.
func (s *WorkflowService) GetHistory(ctx context.Context, applicationID string) ([]*repository.ApprovalHistoryEntry, error) {
	if _, err := s.apps.GetByID(ctx, applicationID); err != nil {
		return nil, err
	}
	return s.history.ListByApplication(ctx, applicationID)
}

// ── Submit ────────────────────────────────────────────────────────────────────

// SubmitApplication enters a submitted application into the lowest active
// tier. The amount must resolve to a tier.
func (s *WorkflowService) SubmitApplication(ctx context.Context, applicationID, actorID string, comments *string) (*ActionResult, error) {
	if actorID == "" {
		return nil, errors.InvalidInput("actor_id", "actor is required")
	}

	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "approvals.submit", attribute.String("application_id", applicationID))

	var result *ActionResult
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		app, err := s.apps.GetForUpdate(ctx, applicationID)
		if err != nil {
			return err
		}
		if !app.ApprovalStatus.IsPreReview() {
			return errors.Newf(errors.ErrCodeConflict,
				"application is %s; only submitted or under_review applications can enter approval", app.ApprovalStatus).
				WithDetails("status", string(app.ApprovalStatus))
		}

		pending, err := s.assignments.GetPending(ctx, applicationID)
		if err != nil {
			return errors.Storage(err, "failed to load pending assignment")
		}
		if pending != nil {
			return errors.New(errors.ErrCodeConflict, "application already has a pending assignment")
		}

		snap, err := s.catalog.Snapshot(ctx)
		if err != nil {
			return err
		}
		resolved, err := s.resolver.resolveIn(snap, app.RequestedAmount, app.BorrowerType)
		if err != nil {
			return err
		}

		entry := snap.Lowest()
		level := resolved.AuthorityRole
		result, err = s.apply(ctx, &transition{
			app:       app,
			action:    workflow.ActionSubmit,
			actorID:   actorID,
			comments:  comments,
			next:      entry,
			status:    workflow.PendingStatusFor(entry.AuthorityRole),
			level:     &level,
			committee: CommitteeRequired(resolved, app.RequestedAmount),
			message:   fmt.Sprintf("Submitted for approval at %s", entry.Name),
		})
		return err
	})
	tracing.End(span, err)
	s.observe(workflow.ActionSubmit, started, err)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("application_id", applicationID).
		Str("status", string(result.StatusAfter)).
		Msg("Application submitted for approval")

	s.publish(ctx, client.EventApplicationSubmitted, applicationID, actorID, result)
	return result, nil
}

// ── Actions ───────────────────────────────────────────────────────────────────

// ProcessApprovalAction applies approve, reject or refer_to_committee to the
// pending assignment of an application. The application row is locked and the
// assignment is closed conditionally, so concurrent calls cannot both act on
// the same assignment.
func (s *WorkflowService) ProcessApprovalAction(
	ctx context.Context,
	applicationID string,
	action workflow.Action,
	actorID string,
	comments *string,
) (*ActionResult, error) {
	switch action {
	case workflow.ActionApprove, workflow.ActionReject, workflow.ActionReferToCommittee:
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("unsupported action %q", action))
	}
	if actorID == "" {
		return nil, errors.InvalidInput("actor_id", "actor is required")
	}

	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "approvals.process_action",
		attribute.String("application_id", applicationID),
		attribute.String("action", string(action)),
	)

	var result *ActionResult
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		app, err := s.apps.GetForUpdate(ctx, applicationID)
		if err != nil {
			return err
		}
		if !app.ApprovalStatus.Valid() {
			return errors.Newf(errors.ErrCodeInvalidRecord, "application has unknown status %q", app.ApprovalStatus)
		}

		pending, err := s.assignments.GetPending(ctx, applicationID)
		if err != nil {
			return errors.Storage(err, "failed to load pending assignment")
		}
		if pending == nil {
			return errors.New(errors.ErrCodeNoPendingAssignment, "application has no pending approval assignment").
				WithDetails("status", string(app.ApprovalStatus))
		}
		if !app.ApprovalStatus.IsPendingApproval() {
			return errors.Newf(errors.ErrCodeConflict, "application is %s, not awaiting approval", app.ApprovalStatus)
		}
		if err := s.assertCanAct(pending, actorID); err != nil {
			return err
		}

		snap, err := s.catalog.Snapshot(ctx)
		if err != nil {
			return err
		}
		current, err := s.tierFor(ctx, snap, pending.TierID)
		if err != nil {
			return err
		}

		t := &transition{
			app:       app,
			action:    action,
			actorID:   actorID,
			comments:  comments,
			fromTier:  current,
			closing:   pending,
			level:     app.ApprovalLevel,
			committee: app.CommitteeReviewRequired,
		}
		if err := s.plan(snap, t); err != nil {
			return err
		}

		result, err = s.apply(ctx, t)
		return err
	})
	tracing.End(span, err)
	s.observe(action, started, err)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("application_id", applicationID).
		Str("action", string(action)).
		Str("actor_id", actorID).
		Str("status_before", string(result.StatusBefore)).
		Str("status_after", string(result.StatusAfter)).
		Msg("Approval action processed")

	s.publish(ctx, eventForResult(action, result), applicationID, actorID, result)
	return result, nil
}

// plan fills in the outcome of t.action at t.fromTier.
func (s *WorkflowService) plan(snap *TierSnapshot, t *transition) error {
	app, current := t.app, t.fromTier

	switch t.action {
	case workflow.ActionReject:
		t.closeAs = workflow.AssignmentRejected
		t.status = workflow.StatusRejected
		t.message = fmt.Sprintf("Application rejected at %s", current.Name)
		return nil

	case workflow.ActionReferToCommittee:
		if app.ApprovalStatus == workflow.StatusPendingCommitteeReview {
			return errors.New(errors.ErrCodeConflict, "application is already in committee review")
		}
		committeeTier, err := committeeTierOf(snap)
		if err != nil {
			return err
		}
		role := workflow.RoleCommittee
		t.closeAs = workflow.AssignmentApproved
		t.next = committeeTier
		t.status = workflow.StatusPendingCommitteeReview
		t.level = &role
		t.committee = true
		t.message = fmt.Sprintf("Referred from %s to committee review", current.Name)
		return nil
	}

	resolved, err := s.resolver.resolveIn(snap, app.RequestedAmount, app.BorrowerType)
	if err != nil {
		return err
	}
	committee := CommitteeRequired(resolved, app.RequestedAmount)
	level := resolved.AuthorityRole
	t.closeAs = workflow.AssignmentApproved
	t.committee = committee
	if app.ApprovalStatus != workflow.StatusPendingCommitteeReview {
		t.level = &level
	}

	switch {
	case current.MinAmount.LessThan(resolved.MinAmount):
		next := snap.Next(current)
		if next == nil {
			return errors.Newf(errors.ErrCodeConfiguration, "no active tier above %s", current.Name)
		}
		t.next = next
		t.status = workflow.PendingStatusFor(next.AuthorityRole)
		t.message = fmt.Sprintf("Approved at %s; forwarded to %s", current.Name, next.Name)

	case committee && current.AuthorityRole != workflow.RoleCommittee:
		committeeTier, err := committeeTierOf(snap)
		if err != nil {
			return err
		}
		t.next = committeeTier
		t.status = workflow.StatusPendingCommitteeReview
		t.message = fmt.Sprintf("Approved at %s; committee review required", current.Name)

	default:
		t.status = workflow.StatusApproved
		t.message = fmt.Sprintf("Application approved at %s", current.Name)
	}
	return nil
}

// ApplyCommitteeDecision records a finalized committee outcome on the
// application. It joins the caller's transaction.
func (s *WorkflowService) ApplyCommitteeDecision(
	ctx context.Context,
	applicationID string,
	decision workflow.FinalDecision,
	actorID string,
	reason *string,
) (*ActionResult, error) {
	status, ok := decision.Status()
	if !ok {
		return nil, errors.New(errors.ErrCodeDecisionStillPending, "committee decision is still pending")
	}

	var result *ActionResult
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		app, err := s.apps.GetForUpdate(ctx, applicationID)
		if err != nil {
			return err
		}
		if app.ApprovalStatus != workflow.StatusPendingCommitteeReview {
			return errors.Newf(errors.ErrCodeConflict, "application is %s, not in committee review", app.ApprovalStatus).
				WithDetails("status", string(app.ApprovalStatus))
		}

		pending, err := s.assignments.GetPending(ctx, applicationID)
		if err != nil {
			return errors.Storage(err, "failed to load pending assignment")
		}

		t := &transition{
			app:       app,
			actorID:   actorID,
			comments:  reason,
			closing:   pending,
			status:    status,
			level:     app.ApprovalLevel,
			committee: true,
		}
		if decision == workflow.DecisionApprove {
			t.action, t.closeAs, t.message = workflow.ActionApprove, workflow.AssignmentApproved, "Committee approved the application"
		} else {
			t.action, t.closeAs, t.message = workflow.ActionReject, workflow.AssignmentRejected, "Committee rejected the application"
		}

		if pending != nil {
			snap, err := s.catalog.Snapshot(ctx)
			if err != nil {
				return err
			}
			if t.fromTier, err = s.tierFor(ctx, snap, pending.TierID); err != nil {
				return err
			}
		} else {
			s.log.Warn().
				Str("application_id", applicationID).
				Msg("Committee review had no pending assignment")
		}

		result, err = s.apply(ctx, t)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// apply performs t: closes the current assignment, opens the next one,
// appends history and writes the application. Must run inside a transaction.
func (s *WorkflowService) apply(ctx context.Context, t *transition) (*ActionResult, error) {
	if t.closing != nil {
		if err := s.assignments.Close(ctx, t.closing.ID, t.closeAs, t.actorID, t.comments); err != nil {
			return nil, err
		}
	}

	var next *repository.ApprovalAssignment
	if t.next != nil {
		next = &repository.ApprovalAssignment{
			ApplicationID: t.app.ID,
			TierID:        t.next.ID,
			Status:        workflow.AssignmentPending,
		}
		if err := s.assignments.Create(ctx, next); err != nil {
			return nil, err
		}
	}

	var tierName *string
	if t.fromTier != nil {
		tierName = &t.fromTier.Name
	}
	entry := &repository.ApprovalHistoryEntry{
		ApplicationID: t.app.ID,
		Action:        t.action,
		ActorID:       t.actorID,
		Comments:      t.comments,
		TierAtAction:  tierName,
		StatusBefore:  t.app.ApprovalStatus,
		StatusAfter:   t.status,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return nil, err
	}

	err := s.apps.UpdateApprovalState(ctx, t.app.ID, repository.ApplicationStatusUpdate{
		Status:                  t.status,
		ApprovalLevel:           t.level,
		CommitteeReviewRequired: t.committee,
	})
	if err != nil {
		return nil, err
	}

	return &ActionResult{
		Success:      true,
		Message:      t.message,
		StatusBefore: t.app.ApprovalStatus,
		StatusAfter:  t.status,
		Assignment:   next,
	}, nil
}

// assertCanAct checks that actorID may decide the assignment. Unassigned
// assignments can be acted on by anyone holding the tier's role.
func (s *WorkflowService) assertCanAct(a *repository.ApprovalAssignment, actorID string) error {
	if a.AssignedActorID == nil || *a.AssignedActorID == actorID {
		return nil
	}
	return errors.New(errors.ErrCodeNotAuthorized, "user is not assigned to this approval step").
		WithDetails("assignment_id", a.ID)
}

// tierFor returns the tier an assignment points at, including tiers that
// have since been deactivated.
func (s *WorkflowService) tierFor(ctx context.Context, snap *TierSnapshot, tierID string) (*repository.ApprovalTier, error) {
	if t := snap.ByID(tierID); t != nil {
		return t, nil
	}
	all, err := s.catalog.ListTiers(ctx, false)
	if err != nil {
		return nil, errors.Storage(err, "failed to load approval tiers")
	}
	for _, t := range all {
		if t.ID == tierID {
			return t, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeConfiguration, "assignment references unknown tier %s", tierID)
}

func committeeTierOf(snap *TierSnapshot) (*repository.ApprovalTier, error) {
	for _, t := range snap.Tiers {
		if t.AuthorityRole == workflow.RoleCommittee {
			return t, nil
		}
	}
	return nil, errors.New(errors.ErrCodeConfiguration, "no active committee tier configured")
}

func (s *WorkflowService) observe(action workflow.Action, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(errors.CodeOf(err))
	}
	metrics.ObserveAction(string(action), result, started)
}

func (s *WorkflowService) publish(ctx context.Context, eventType, applicationID, actorID string, result *ActionResult) {
	s.events.Publish(context.WithoutCancel(ctx), &client.WorkflowEvent{
		EventType:     eventType,
		ApplicationID: applicationID,
		ActorID:       actorID,
		StatusBefore:  string(result.StatusBefore),
		StatusAfter:   string(result.StatusAfter),
		Payload:       map[string]any{"message": result.Message},
	})
}

func eventForResult(action workflow.Action, result *ActionResult) string {
	switch result.StatusAfter {
	case workflow.StatusApproved:
		return client.EventApplicationApproved
	case workflow.StatusRejected:
		return client.EventApplicationRejected
	case workflow.StatusPendingCommitteeReview:
		if action == workflow.ActionReferToCommittee {
			return client.EventReferredToCommittee
		}
	}
	return client.EventApprovalAdvanced
}
