package service

import (
	"context"

	"github.com/pesio-ai/be-loan-approvals/internal/client"
	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
)

// Transactor runs fn in a transaction carried by ctx. Nested calls join the
// outer transaction.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TierStore persists approval tiers.
type TierStore interface {
	List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalTier, error)
	Upsert(ctx context.Context, tier *repository.ApprovalTier) error
}

// TierCache holds the active tier set between reads. Implementations swallow
// their own failures.
type TierCache interface {
	Get(ctx context.Context) ([]*repository.ApprovalTier, bool)
	Set(ctx context.Context, tiers []*repository.ApprovalTier)
	Invalidate(ctx context.Context)
}

// ApplicationStore reads loan applications and writes their approval state.
type ApplicationStore interface {
	GetByID(ctx context.Context, id string) (*repository.LoanApplication, error)
	GetForUpdate(ctx context.Context, id string) (*repository.LoanApplication, error)
	UpdateApprovalState(ctx context.Context, id string, update repository.ApplicationStatusUpdate) error
	ListByStatuses(ctx context.Context, statuses []workflow.Status) ([]*repository.LoanApplication, error)
	ListExcludingStatuses(ctx context.Context, statuses []workflow.Status) ([]*repository.LoanApplication, error)
}

// AssignmentStore persists approval assignments.
type AssignmentStore interface {
	Create(ctx context.Context, a *repository.ApprovalAssignment) error
	GetPending(ctx context.Context, applicationID string) (*repository.ApprovalAssignment, error)
	ListByApplication(ctx context.Context, applicationID string) ([]*repository.ApprovalAssignment, error)
	Close(ctx context.Context, id string, status workflow.AssignmentStatus, decidedBy string, comments *string) error
}

// HistoryStore appends and reads approval history.
type HistoryStore interface {
	Append(ctx context.Context, entry *repository.ApprovalHistoryEntry) error
	ListByApplication(ctx context.Context, applicationID string) ([]*repository.ApprovalHistoryEntry, error)
}

// CommitteeStore persists committee members, votes and decisions.
type CommitteeStore interface {
	ListMembers(ctx context.Context, activeOnly bool) ([]*repository.CommitteeMember, error)
	GetActiveMemberByUser(ctx context.Context, userID string) (*repository.CommitteeMember, error)
	UpsertVote(ctx context.Context, v *repository.CommitteeVote) error
	ListVotes(ctx context.Context, applicationID string) ([]*repository.CommitteeVote, error)
	LockDecision(ctx context.Context, applicationID string) (*repository.CommitteeDecision, error)
	GetDecision(ctx context.Context, applicationID string) (*repository.CommitteeDecision, error)
	SaveDecision(ctx context.Context, d *repository.CommitteeDecision) error
}

// EventPublisher hands committed workflow events to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, event *client.WorkflowEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *client.WorkflowEvent) {}
