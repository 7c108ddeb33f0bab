package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/service"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
)

// ── Requests ──────────────────────────────────────────────────────────────────

type submitRequest struct {
	Comments *string `json:"comments" validate:"omitempty,max=2000"`
}

type actionRequest struct {
	Action   string  `json:"action" validate:"required,oneof=approve reject refer_to_committee"`
	Comments *string `json:"comments" validate:"omitempty,max=2000"`
}

type voteRequest struct {
	Decision string  `json:"decision" validate:"required,oneof=approve reject abstain"`
	Comments *string `json:"comments" validate:"omitempty,max=2000"`
}

type finalizeRequest struct {
	Reason *string `json:"reason" validate:"omitempty,max=2000"`
}

type tierRequest struct {
	Name                      string           `json:"name" validate:"required,max=100"`
	MinAmount                 decimal.Decimal  `json:"min_amount"`
	MaxAmount                 *decimal.Decimal `json:"max_amount"`
	AuthorityRole             string           `json:"authority_role" validate:"required,oneof=loan_officer senior_officer manager committee"`
	RequiresCommitteeApproval bool             `json:"requires_committee_approval"`
	CommitteeThreshold        *decimal.Decimal `json:"committee_threshold"`
	Active                    *bool            `json:"active"`
}

type upsertTiersRequest struct {
	Tiers []tierRequest `json:"tiers" validate:"required,min=1,dive"`
}

func (t tierRequest) toDomain() *repository.ApprovalTier {
	active := true
	if t.Active != nil {
		active = *t.Active
	}
	return &repository.ApprovalTier{
		Name:                      t.Name,
		MinAmount:                 t.MinAmount,
		MaxAmount:                 t.MaxAmount,
		AuthorityRole:             workflow.AuthorityRole(t.AuthorityRole),
		RequiresCommitteeApproval: t.RequiresCommitteeApproval,
		CommitteeThreshold:        t.CommitteeThreshold,
		Active:                    active,
	}
}

// ── Responses ─────────────────────────────────────────────────────────────────

type tierResponse struct {
	ID                        string           `json:"id"`
	Name                      string           `json:"name"`
	MinAmount                 decimal.Decimal  `json:"min_amount"`
	MaxAmount                 *decimal.Decimal `json:"max_amount"`
	AuthorityRole             string           `json:"authority_role"`
	RequiresCommitteeApproval bool             `json:"requires_committee_approval"`
	CommitteeThreshold        *decimal.Decimal `json:"committee_threshold"`
	Active                    bool             `json:"active"`
}

type resolveResponse struct {
	Amount            decimal.Decimal `json:"amount"`
	BorrowerType      string          `json:"borrower_type"`
	Tier              tierResponse    `json:"tier"`
	CommitteeRequired bool            `json:"committee_required"`
}

type applicationResponse struct {
	ID                      string          `json:"id"`
	RequestedAmount         decimal.Decimal `json:"requested_amount"`
	BorrowerType            string          `json:"borrower_type"`
	ApprovalStatus          string          `json:"approval_status"`
	ApprovalLevel           *string         `json:"approval_level,omitempty"`
	CommitteeReviewRequired bool            `json:"committee_review_required"`
	DisbursementMethod      *string         `json:"disbursement_method,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

type queueItemResponse struct {
	applicationResponse
	Page            string `json:"page"`
	Stage           string `json:"stage"`
	ProgressPercent int    `json:"progress_percent"`
}

type assignmentResponse struct {
	ID              string     `json:"id"`
	TierID          string     `json:"tier_id"`
	AssignedActorID *string    `json:"assigned_actor_id,omitempty"`
	Status          string     `json:"status"`
	Comments        *string    `json:"comments,omitempty"`
	DecidedBy       *string    `json:"decided_by,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type workflowStateResponse struct {
	Application         applicationResponse   `json:"application"`
	Status              string                `json:"status"`
	CurrentTier         *tierResponse         `json:"current_tier"`
	CurrentAssignment   *assignmentResponse   `json:"current_assignment"`
	Assignments         []*assignmentResponse `json:"assignments"`
	IsFinal             bool                  `json:"is_final"`
	CanApprove          bool                  `json:"can_approve"`
	CanReject           bool                  `json:"can_reject"`
	IsCommitteeRequired bool                  `json:"is_committee_required"`
	ProgressPercent     int                   `json:"progress_percent"`
}

type actionResultResponse struct {
	Success      bool                `json:"success"`
	Message      string              `json:"message"`
	StatusBefore string              `json:"status_before"`
	StatusAfter  string              `json:"status_after"`
	Assignment   *assignmentResponse `json:"assignment,omitempty"`
}

type historyResponse struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	ActorID      string    `json:"actor_id"`
	Comments     *string   `json:"comments,omitempty"`
	TierAtAction *string   `json:"tier_at_action,omitempty"`
	StatusBefore string    `json:"status_before"`
	StatusAfter  string    `json:"status_after"`
	Timestamp    time.Time `json:"timestamp"`
}

type reconcileResponse struct {
	ApplicationID string   `json:"application_id"`
	StatusBefore  string   `json:"status_before"`
	StatusAfter   string   `json:"status_after"`
	Corrections   []string `json:"corrections"`
	Skipped       bool     `json:"skipped"`
	Changed       bool     `json:"changed"`
}

type reconcileSummaryResponse struct {
	Checked   int                 `json:"checked"`
	Corrected int                 `json:"corrected"`
	Failed    int                 `json:"failed"`
	Results   []reconcileResponse `json:"results"`
	Failures  map[string]string   `json:"failures"`
}

type voteResponse struct {
	ID       string          `json:"id"`
	MemberID string          `json:"member_id"`
	Decision string          `json:"decision"`
	Comments *string         `json:"comments,omitempty"`
	Weight   decimal.Decimal `json:"weight"`
	CastAt   time.Time       `json:"cast_at"`
}

type memberResponse struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Role         string          `json:"role"`
	VotingWeight decimal.Decimal `json:"voting_weight"`
}

type finalizeResponse struct {
	Tally       *service.Tally       `json:"tally"`
	Application actionResultResponse `json:"application"`
}

// ── Converters ────────────────────────────────────────────────────────────────

func toTierResponse(t *repository.ApprovalTier) tierResponse {
	return tierResponse{
		ID:                        t.ID,
		Name:                      t.Name,
		MinAmount:                 t.MinAmount,
		MaxAmount:                 t.MaxAmount,
		AuthorityRole:             string(t.AuthorityRole),
		RequiresCommitteeApproval: t.RequiresCommitteeApproval,
		CommitteeThreshold:        t.CommitteeThreshold,
		Active:                    t.Active,
	}
}

func toApplicationResponse(a *repository.LoanApplication) applicationResponse {
	resp := applicationResponse{
		ID:                      a.ID,
		RequestedAmount:         a.RequestedAmount,
		BorrowerType:            a.BorrowerType,
		ApprovalStatus:          string(a.ApprovalStatus),
		CommitteeReviewRequired: a.CommitteeReviewRequired,
		DisbursementMethod:      a.DisbursementMethod,
		CreatedAt:               a.CreatedAt,
		UpdatedAt:               a.UpdatedAt,
	}
	if a.ApprovalLevel != nil {
		level := string(*a.ApprovalLevel)
		resp.ApprovalLevel = &level
	}
	return resp
}

func toAssignmentResponse(a *repository.ApprovalAssignment) *assignmentResponse {
	if a == nil {
		return nil
	}
	return &assignmentResponse{
		ID:              a.ID,
		TierID:          a.TierID,
		AssignedActorID: a.AssignedActorID,
		Status:          string(a.Status),
		Comments:        a.Comments,
		DecidedBy:       a.DecidedBy,
		DecidedAt:       a.DecidedAt,
		CreatedAt:       a.CreatedAt,
	}
}

func toWorkflowStateResponse(s *service.WorkflowState) workflowStateResponse {
	resp := workflowStateResponse{
		Application:         toApplicationResponse(s.Application),
		Status:              string(s.Status),
		CurrentAssignment:   toAssignmentResponse(s.CurrentAssignment),
		Assignments:         make([]*assignmentResponse, 0, len(s.Assignments)),
		IsFinal:             s.IsFinal,
		CanApprove:          s.CanApprove,
		CanReject:           s.CanReject,
		IsCommitteeRequired: s.IsCommitteeRequired,
		ProgressPercent:     s.ProgressPercent,
	}
	for _, a := range s.Assignments {
		resp.Assignments = append(resp.Assignments, toAssignmentResponse(a))
	}
	if s.CurrentTier != nil {
		tier := toTierResponse(s.CurrentTier)
		resp.CurrentTier = &tier
	}
	return resp
}

func toActionResultResponse(r *service.ActionResult) actionResultResponse {
	return actionResultResponse{
		Success:      r.Success,
		Message:      r.Message,
		StatusBefore: string(r.StatusBefore),
		StatusAfter:  string(r.StatusAfter),
		Assignment:   toAssignmentResponse(r.Assignment),
	}
}

func toHistoryResponse(e *repository.ApprovalHistoryEntry) historyResponse {
	return historyResponse{
		ID:           e.ID,
		Action:       string(e.Action),
		ActorID:      e.ActorID,
		Comments:     e.Comments,
		TierAtAction: e.TierAtAction,
		StatusBefore: string(e.StatusBefore),
		StatusAfter:  string(e.StatusAfter),
		Timestamp:    e.Timestamp,
	}
}

func toReconcileResponse(r *service.ReconcileResult) reconcileResponse {
	corrections := r.Corrections
	if corrections == nil {
		corrections = []string{}
	}
	return reconcileResponse{
		ApplicationID: r.ApplicationID,
		StatusBefore:  string(r.StatusBefore),
		StatusAfter:   string(r.StatusAfter),
		Corrections:   corrections,
		Skipped:       r.Skipped,
		Changed:       r.Changed(),
	}
}

func toVoteResponse(v *repository.CommitteeVote) voteResponse {
	return voteResponse{
		ID:       v.ID,
		MemberID: v.MemberID,
		Decision: string(v.Decision),
		Comments: v.Comments,
		Weight:   v.Weight,
		CastAt:   v.CastAt,
	}
}

func toMemberResponse(m *repository.CommitteeMember) memberResponse {
	return memberResponse{
		ID:           m.ID,
		UserID:       m.UserID,
		Role:         string(m.Role),
		VotingWeight: m.VotingWeight,
	}
}
