package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-loan-approvals/internal/client"
	"github.com/pesio-ai/be-loan-approvals/internal/metrics"
	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/tracing"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

// Tally is a snapshot of a committee decision row.
type Tally struct {
	ApplicationID  string                 `json:"application_id"`
	TotalMembers   int                    `json:"total_members"`
	TotalVotesCast int                    `json:"total_votes_cast"`
	ApproveVotes   int                    `json:"approve_votes"`
	RejectVotes    int                    `json:"reject_votes"`
	AbstainVotes   int                    `json:"abstain_votes"`
	ApproveWeight  decimal.Decimal        `json:"approve_weight"`
	RejectWeight   decimal.Decimal        `json:"reject_weight"`
	AbstainWeight  decimal.Decimal        `json:"abstain_weight"`
	QuorumRequired int                    `json:"quorum_required"`
	QuorumMet      bool                   `json:"quorum_met"`
	FinalDecision  workflow.FinalDecision `json:"final_decision"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	DecidedBy      *string                `json:"decided_by,omitempty"`
	DecidedAt      *time.Time             `json:"decided_at,omitempty"`
	DecisionReason *string                `json:"decision_reason,omitempty"`
}

// VotingSummary is the tally as seen by one user.
type VotingSummary struct {
	Tally
	VotesRemaining int                    `json:"votes_remaining"`
	IsMember       bool                   `json:"is_member"`
	HasVoted       bool                   `json:"has_voted"`
	UserVote       *workflow.VoteDecision `json:"user_vote,omitempty"`
	CanVote        bool                   `json:"can_vote"`
	IsFinalized    bool                   `json:"is_finalized"`
}

// FinalizeResult is returned by Finalize.
type FinalizeResult struct {
	Tally       *Tally        `json:"tally"`
	Application *ActionResult `json:"application"`
}

// CommitteeService runs weighted committee votes to a quorum-gated decision
// and feeds finalized decisions back into the workflow.
type CommitteeService struct {
	committee      CommitteeStore
	apps           ApplicationStore
	workflow       *WorkflowService
	tx             Transactor
	events         EventPublisher
	quorumFraction decimal.Decimal
	log            *logger.Logger
}

// NewCommitteeService creates a new CommitteeService. events may be nil.
func NewCommitteeService(
	committee CommitteeStore,
	apps ApplicationStore,
	workflowSvc *WorkflowService,
	tx Transactor,
	events EventPublisher,
	quorumFraction decimal.Decimal,
	log *logger.Logger,
) *CommitteeService {
	if events == nil {
		events = nopPublisher{}
	}
	return &CommitteeService{
		committee:      committee,
		apps:           apps,
		workflow:       workflowSvc,
		tx:             tx,
		events:         events,
		quorumFraction: quorumFraction,
		log:            log,
	}
}

// QuorumRequired is the number of votes needed before a decision can
// resolve: the smallest count strictly greater than fraction of the active
// members.
func QuorumRequired(totalMembers int, fraction decimal.Decimal) int {
	share := decimal.NewFromInt(int64(totalMembers)).Mul(fraction)
	return int(share.Floor().IntPart()) + 1
}

// ── Voting ────────────────────────────────────────────────────────────────────

// CastVote records or replaces the caller's vote and recomputes the tally.
// Votes serialise on the decision row; once the decision resolves, later
// votes fail with ErrCodeVotingClosed.
func (s *CommitteeService) CastVote(
	ctx context.Context,
	applicationID, userID string,
	decision workflow.VoteDecision,
	comments *string,
) (*Tally, error) {
	if _, err := workflow.ParseVoteDecision(string(decision)); err != nil {
		return nil, errors.InvalidInput("decision", err.Error())
	}

	ctx, span := tracing.StartSpan(ctx, "committee.cast_vote",
		attribute.String("application_id", applicationID),
		attribute.String("decision", string(decision)),
	)

	var (
		tally    *Tally
		resolved bool
	)
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		member, err := s.committee.GetActiveMemberByUser(ctx, userID)
		if err != nil {
			return err
		}
		if member == nil {
			return errors.New(errors.ErrCodeNotCommitteeMember, "user is not an active committee member").
				WithDetails("user_id", userID)
		}

		app, err := s.apps.GetByID(ctx, applicationID)
		if err != nil {
			return err
		}

		d, err := s.committee.LockDecision(ctx, applicationID)
		if err != nil {
			return err
		}
		if d.FinalDecision != workflow.DecisionPending {
			return errors.New(errors.ErrCodeVotingClosed, "committee voting is closed for this application").
				WithDetails("tally", toTally(d))
		}
		if app.ApprovalStatus != workflow.StatusPendingCommitteeReview {
			return errors.Newf(errors.ErrCodeConflict, "application is %s, not in committee review", app.ApprovalStatus).
				WithDetails("status", string(app.ApprovalStatus))
		}

		err = s.committee.UpsertVote(ctx, &repository.CommitteeVote{
			ApplicationID: applicationID,
			MemberID:      member.ID,
			Decision:      decision,
			Comments:      comments,
			Weight:        member.VotingWeight,
		})
		if err != nil {
			return err
		}

		members, err := s.committee.ListMembers(ctx, true)
		if err != nil {
			return err
		}
		votes, err := s.committee.ListVotes(ctx, applicationID)
		if err != nil {
			return err
		}

		resolved = recountTally(d, members, votes, s.quorumFraction, time.Now().UTC())
		if err := s.committee.SaveDecision(ctx, d); err != nil {
			return err
		}
		tally = toTally(d)
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		metrics.RecordVote(string(decision), string(errors.CodeOf(err)))
		return nil, err
	}

	metrics.RecordVote(string(decision), "ok")
	s.log.Info().
		Str("application_id", applicationID).
		Str("user_id", userID).
		Str("decision", string(decision)).
		Int("votes_cast", tally.TotalVotesCast).
		Bool("quorum_met", tally.QuorumMet).
		Str("final_decision", string(tally.FinalDecision)).
		Msg("Committee vote recorded")

	payload := map[string]any{
		"decision":       string(decision),
		"votes_cast":     tally.TotalVotesCast,
		"quorum_met":     tally.QuorumMet,
		"final_decision": string(tally.FinalDecision),
	}
	if resolved {
		metrics.RecordDecision("resolved", string(tally.FinalDecision))
		payload["resolved"] = true
	}
	s.events.Publish(context.WithoutCancel(ctx), &client.WorkflowEvent{
		EventType:     client.EventCommitteeVoteCast,
		ApplicationID: applicationID,
		ActorID:       userID,
		Payload:       payload,
	})
	return tally, nil
}

// GetVotingSummary returns the tally plus the caller's own voting position.
// Before the first vote the tally is computed from current membership.
func (s *CommitteeService) GetVotingSummary(ctx context.Context, applicationID, userID string) (*VotingSummary, error) {
	app, err := s.apps.GetByID(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	d, err := s.committee.GetDecision(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	votes, err := s.committee.ListVotes(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		members, err := s.committee.ListMembers(ctx, true)
		if err != nil {
			return nil, err
		}
		d = &repository.CommitteeDecision{ApplicationID: applicationID, FinalDecision: workflow.DecisionPending}
		recountTally(d, members, votes, s.quorumFraction, time.Now().UTC())
	}

	member, err := s.committee.GetActiveMemberByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &VotingSummary{
		Tally:          *toTally(d),
		VotesRemaining: max(d.TotalMembers-d.TotalVotesCast, 0),
		IsMember:       member != nil,
		IsFinalized:    d.IsFinalized(),
	}
	if member != nil {
		for _, v := range votes {
			if v.MemberID == member.ID {
				decision := v.Decision
				summary.HasVoted = true
				summary.UserVote = &decision
				break
			}
		}
	}
	summary.CanVote = summary.IsMember &&
		!summary.HasVoted &&
		d.FinalDecision == workflow.DecisionPending &&
		app.ApprovalStatus == workflow.StatusPendingCommitteeReview
	return summary, nil
}

// Finalize records the chairperson's sign-off on a resolved decision and
// moves the application to approved or rejected in the same transaction.
func (s *CommitteeService) Finalize(ctx context.Context, applicationID, userID string, reason *string) (*FinalizeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "committee.finalize", attribute.String("application_id", applicationID))

	var result *FinalizeResult
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		member, err := s.committee.GetActiveMemberByUser(ctx, userID)
		if err != nil {
			return err
		}
		if member == nil {
			return errors.New(errors.ErrCodeNotCommitteeMember, "user is not an active committee member").
				WithDetails("user_id", userID)
		}
		if member.Role != workflow.MemberChairperson {
			return errors.New(errors.ErrCodeNotAuthorized, "only the committee chairperson can finalize a decision").
				WithDetails("role", string(member.Role))
		}

		if _, err := s.apps.GetByID(ctx, applicationID); err != nil {
			return err
		}

		d, err := s.committee.LockDecision(ctx, applicationID)
		if err != nil {
			return err
		}
		if d.IsFinalized() {
			return errors.New(errors.ErrCodeAlreadyDecided, "committee decision has already been finalized").
				WithDetails("tally", toTally(d))
		}
		if d.FinalDecision == workflow.DecisionPending {
			return errors.New(errors.ErrCodeDecisionStillPending, "committee has not reached a decision").
				WithDetails("tally", toTally(d))
		}

		now := time.Now().UTC()
		d.DecidedBy = &userID
		d.DecidedAt = &now
		d.DecisionReason = reason
		if err := s.committee.SaveDecision(ctx, d); err != nil {
			return err
		}

		applied, err := s.workflow.ApplyCommitteeDecision(ctx, applicationID, d.FinalDecision, userID, reason)
		if err != nil {
			return err
		}
		result = &FinalizeResult{Tally: toTally(d), Application: applied}
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	metrics.RecordDecision("finalized", string(result.Tally.FinalDecision))
	s.log.Info().
		Str("application_id", applicationID).
		Str("decided_by", userID).
		Str("final_decision", string(result.Tally.FinalDecision)).
		Msg("Committee decision finalized")

	s.events.Publish(context.WithoutCancel(ctx), &client.WorkflowEvent{
		EventType:     client.EventCommitteeDecisionFinal,
		ApplicationID: applicationID,
		ActorID:       userID,
		StatusBefore:  string(result.Application.StatusBefore),
		StatusAfter:   string(result.Application.StatusAfter),
		Payload:       map[string]any{"final_decision": string(result.Tally.FinalDecision)},
	})
	return result, nil
}

// ListVotes returns the votes cast on an application.
func (s *CommitteeService) ListVotes(ctx context.Context, applicationID string) ([]*repository.CommitteeVote, error) {
	return s.committee.ListVotes(ctx, applicationID)
}

// ListMembers returns the active committee.
func (s *CommitteeService) ListMembers(ctx context.Context) ([]*repository.CommitteeMember, error) {
	return s.committee.ListMembers(ctx, true)
}

// ── Tally ─────────────────────────────────────────────────────────────────────

// recountTally recomputes d from the active members and their votes. Votes of
// members who are no longer active are ignored. Once FinalDecision has left
// pending it is never changed again. Reports whether this recount resolved it.
func recountTally(
	d *repository.CommitteeDecision,
	members []*repository.CommitteeMember,
	votes []*repository.CommitteeVote,
	quorumFraction decimal.Decimal,
	now time.Time,
) bool {
	active := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.Active {
			active[m.ID] = struct{}{}
		}
	}

	d.TotalMembers = len(active)
	d.TotalVotesCast, d.ApproveVotes, d.RejectVotes, d.AbstainVotes = 0, 0, 0, 0
	d.ApproveWeight, d.RejectWeight, d.AbstainWeight = decimal.Zero, decimal.Zero, decimal.Zero

	for _, v := range votes {
		if _, ok := active[v.MemberID]; !ok {
			continue
		}
		d.TotalVotesCast++
		switch v.Decision {
		case workflow.VoteApprove:
			d.ApproveVotes++
			d.ApproveWeight = d.ApproveWeight.Add(v.Weight)
		case workflow.VoteReject:
			d.RejectVotes++
			d.RejectWeight = d.RejectWeight.Add(v.Weight)
		case workflow.VoteAbstain:
			d.AbstainVotes++
			d.AbstainWeight = d.AbstainWeight.Add(v.Weight)
		}
	}

	d.QuorumRequired = QuorumRequired(d.TotalMembers, quorumFraction)
	d.QuorumMet = d.TotalVotesCast >= d.QuorumRequired

	if d.FinalDecision != workflow.DecisionPending && d.FinalDecision != "" {
		return false
	}
	d.FinalDecision = workflow.DecisionPending
	if !d.QuorumMet {
		return false
	}
	switch d.ApproveWeight.Cmp(d.RejectWeight) {
	case 1:
		d.FinalDecision = workflow.DecisionApprove
	case -1:
		d.FinalDecision = workflow.DecisionReject
	default:
		return false
	}
	d.ResolvedAt = &now
	return true
}

func toTally(d *repository.CommitteeDecision) *Tally {
	return &Tally{
		ApplicationID:  d.ApplicationID,
		TotalMembers:   d.TotalMembers,
		TotalVotesCast: d.TotalVotesCast,
		ApproveVotes:   d.ApproveVotes,
		RejectVotes:    d.RejectVotes,
		AbstainVotes:   d.AbstainVotes,
		ApproveWeight:  d.ApproveWeight,
		RejectWeight:   d.RejectWeight,
		AbstainWeight:  d.AbstainWeight,
		QuorumRequired: d.QuorumRequired,
		QuorumMet:      d.QuorumMet,
		FinalDecision:  d.FinalDecision,
		ResolvedAt:     d.ResolvedAt,
		DecidedBy:      d.DecidedBy,
		DecidedAt:      d.DecidedAt,
		DecisionReason: d.DecisionReason,
	}
}
