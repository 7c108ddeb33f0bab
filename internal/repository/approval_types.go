package repository

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
)

// ── Domain types for the loan approval workflow ──────────────────────────────

// ApprovalTier is one band of the approval ladder. Its range is [MinAmount,
// MaxAmount); the highest bounded tier also accepts MaxAmount itself.
type ApprovalTier struct {
	ID                        string
	Name                      string
	MinAmount                 decimal.Decimal
	MaxAmount                 *decimal.Decimal // nil = unbounded
	AuthorityRole             workflow.AuthorityRole
	RequiresCommitteeApproval bool
	CommitteeThreshold        *decimal.Decimal // nil = any amount in range
	Active                    bool
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// Contains reports whether amount falls in [MinAmount, MaxAmount). When
// ceiling is set the upper bound is inclusive.
func (t *ApprovalTier) Contains(amount decimal.Decimal, ceiling bool) bool {
	if amount.LessThan(t.MinAmount) {
		return false
	}
	if t.MaxAmount == nil {
		return true
	}
	if ceiling {
		return amount.LessThanOrEqual(*t.MaxAmount)
	}
	return amount.LessThan(*t.MaxAmount)
}

// LoanApplication holds the fields of a loan application the approval
// workflow reads and writes.
type LoanApplication struct {
	ID                      string
	RequestedAmount         decimal.Decimal
	BorrowerType            string
	ApprovalStatus          workflow.Status
	ApprovalLevel           *workflow.AuthorityRole
	CommitteeReviewRequired bool
	DisbursementMethod      *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// ApplicationStatusUpdate is the only write the workflow performs on an
// application row.
type ApplicationStatusUpdate struct {
	Status                  workflow.Status
	ApprovalLevel           *workflow.AuthorityRole
	CommitteeReviewRequired bool
	DisbursementMethod      *string
}

// ApprovalAssignment is the work item for one tier of one application.
type ApprovalAssignment struct {
	ID              string
	ApplicationID   string
	TierID          string
	AssignedActorID *string
	Status          workflow.AssignmentStatus
	Comments        *string
	DecidedBy       *string
	DecidedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApprovalHistoryEntry is one immutable record of a workflow transition.
type ApprovalHistoryEntry struct {
	ID            string
	ApplicationID string
	Action        workflow.Action
	ActorID       string
	Comments      *string
	TierAtAction  *string
	StatusBefore  workflow.Status
	StatusAfter   workflow.Status
	Timestamp     time.Time
}

// CommitteeMember is a credit committee seat.
type CommitteeMember struct {
	ID           string
	UserID       string
	Role         workflow.MemberRole
	VotingWeight decimal.Decimal
	Active       bool
}

// CommitteeVote is one member's current vote on an application.
type CommitteeVote struct {
	ID            string
	ApplicationID string
	MemberID      string
	Decision      workflow.VoteDecision
	Comments      *string
	Weight        decimal.Decimal
	CastAt        time.Time
}

// CommitteeDecision is the running tally and outcome for one application.
type CommitteeDecision struct {
	ApplicationID  string
	TotalMembers   int
	TotalVotesCast int
	ApproveVotes   int
	RejectVotes    int
	AbstainVotes   int
	ApproveWeight  decimal.Decimal
	RejectWeight   decimal.Decimal
	AbstainWeight  decimal.Decimal
	QuorumRequired int
	QuorumMet      bool
	FinalDecision  workflow.FinalDecision
	DecidedBy      *string
	DecidedAt      *time.Time
	DecisionReason *string
	ResolvedAt     *time.Time
	UpdatedAt      time.Time
}

// IsFinalized reports whether the chairperson has recorded the decision.
func (d *CommitteeDecision) IsFinalized() bool {
	return d.DecidedAt != nil
}
