package workflow

import "fmt"

// Action is a state transition recorded in approval history.
type Action string

const (
	ActionApprove          Action = "approve"
	ActionReject           Action = "reject"
	ActionReferToCommittee Action = "refer_to_committee"
	ActionSubmit           Action = "submit"
	ActionReconcile        Action = "reconcile"
)

// ParseAction accepts only the actions an approver may request.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionApprove, ActionReject, ActionReferToCommittee:
		return a, nil
	}
	return "", fmt.Errorf("unsupported approval action %q", s)
}

func (a Action) String() string {
	return string(a)
}

// AssignmentStatus is the lifecycle of one tier assignment.
type AssignmentStatus string

const (
	AssignmentPending  AssignmentStatus = "pending"
	AssignmentApproved AssignmentStatus = "approved"
	AssignmentRejected AssignmentStatus = "rejected"
	// AssignmentSuperseded closes an assignment that reconciliation replaced.
	AssignmentSuperseded AssignmentStatus = "superseded"
)

// VoteDecision is an individual committee member's vote.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
	VoteAbstain VoteDecision = "abstain"
)

// ParseVoteDecision converts a string into a VoteDecision.
func ParseVoteDecision(s string) (VoteDecision, error) {
	switch d := VoteDecision(s); d {
	case VoteApprove, VoteReject, VoteAbstain:
		return d, nil
	}
	return "", fmt.Errorf("unsupported vote decision %q", s)
}

// FinalDecision is the committee outcome derived from the tally.
type FinalDecision string

const (
	DecisionPending FinalDecision = "pending"
	DecisionApprove FinalDecision = "approve"
	DecisionReject  FinalDecision = "reject"
)

// Status maps a resolved decision onto the application status it produces.
func (d FinalDecision) Status() (Status, bool) {
	switch d {
	case DecisionApprove:
		return StatusApproved, true
	case DecisionReject:
		return StatusRejected, true
	}
	return "", false
}

// MemberRole is a committee member's role.
type MemberRole string

const (
	MemberChairperson MemberRole = "chairperson"
	MemberSecretary   MemberRole = "secretary"
	MemberRegular     MemberRole = "member"
)
