// Package workflow defines the loan approval vocabulary: application
// statuses, authority roles, actions and vote decisions. The workflow engine
// owns these types; queue routing and transport layers import them rather
// than comparing raw strings.
package workflow

import "fmt"

// Status is the approval status stored on a loan application.
type Status string

const (
	StatusSubmitted                 Status = "submitted"
	StatusUnderReview               Status = "under_review"
	StatusPendingInitialReview      Status = "pending_initial_review"
	StatusPendingSupervisorApproval Status = "pending_supervisor_approval"
	StatusPendingManagerApproval    Status = "pending_manager_approval"
	StatusPendingCommitteeReview    Status = "pending_committee_review"
	StatusApproved                  Status = "approved"
	StatusRejected                  Status = "rejected"
	StatusContractGenerated         Status = "contract_generated"
	StatusReadyForDisbursement      Status = "ready_for_disbursement"
	StatusDisbursed                 Status = "disbursed"
	StatusActive                    Status = "active"
	StatusCompleted                 Status = "completed"
)

var allStatuses = []Status{
	StatusSubmitted,
	StatusUnderReview,
	StatusPendingInitialReview,
	StatusPendingSupervisorApproval,
	StatusPendingManagerApproval,
	StatusPendingCommitteeReview,
	StatusApproved,
	StatusRejected,
	StatusContractGenerated,
	StatusReadyForDisbursement,
	StatusDisbursed,
	StatusActive,
	StatusCompleted,
}

// AllStatuses returns the vocabulary in pipeline order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown approval status %q", s)
	}
	return st, nil
}

// Valid reports whether s belongs to the vocabulary.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the approval workflow has finished.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// IsPendingApproval reports whether s is one of the per-tier review states.
func (s Status) IsPendingApproval() bool {
	_, ok := statusRoles[s]
	return ok
}

// IsPreReview reports whether the application has not entered the ladder yet.
func (s Status) IsPreReview() bool {
	return s == StatusSubmitted || s == StatusUnderReview
}

// IsPostApproval reports whether s lies beyond approval (contracting and
// servicing states). These are owned by the loan-management module.
func (s Status) IsPostApproval() bool {
	switch s {
	case StatusContractGenerated, StatusReadyForDisbursement, StatusDisbursed, StatusActive, StatusCompleted:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// ProgressPercent is the display progress for a status. When the committee is
// not required for the application, committee review counts as complete.
func ProgressPercent(s Status, committeeRequired bool) int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusUnderReview:
		return 10
	case StatusPendingInitialReview:
		return 20
	case StatusPendingSupervisorApproval:
		return 40
	case StatusPendingManagerApproval:
		return 60
	case StatusPendingCommitteeReview:
		if committeeRequired {
			return 80
		}
		return 100
	case StatusApproved:
		return 100
	case StatusRejected:
		return 0
	}
	if s.IsPostApproval() {
		return 100
	}
	return 0
}
