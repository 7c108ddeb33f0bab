package workflow

import "fmt"

// AuthorityRole is the staff level that acts on a tier.
type AuthorityRole string

const (
	RoleLoanOfficer   AuthorityRole = "loan_officer"
	RoleSeniorOfficer AuthorityRole = "senior_officer"
	RoleManager       AuthorityRole = "manager"
	RoleCommittee     AuthorityRole = "committee"
)

var knownRoles = map[AuthorityRole]struct{}{
	RoleLoanOfficer:   {},
	RoleSeniorOfficer: {},
	RoleManager:       {},
	RoleCommittee:     {},
}

var roleStatuses = map[AuthorityRole]Status{
	RoleLoanOfficer:   StatusPendingInitialReview,
	RoleSeniorOfficer: StatusPendingSupervisorApproval,
	RoleManager:       StatusPendingManagerApproval,
	RoleCommittee:     StatusPendingCommitteeReview,
}

var statusRoles = map[Status]AuthorityRole{
	StatusPendingInitialReview:      RoleLoanOfficer,
	StatusPendingSupervisorApproval: RoleSeniorOfficer,
	StatusPendingManagerApproval:    RoleManager,
	StatusPendingCommitteeReview:    RoleCommittee,
}

// ParseAuthorityRole converts a stored string into an AuthorityRole.
func ParseAuthorityRole(s string) (AuthorityRole, error) {
	r := AuthorityRole(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown authority role %q", s)
	}
	return r, nil
}

// Valid reports whether r is a known role.
func (r AuthorityRole) Valid() bool {
	_, ok := knownRoles[r]
	return ok
}

func (r AuthorityRole) String() string {
	return string(r)
}

// PendingStatusFor returns the review status handled by role.
func PendingStatusFor(r AuthorityRole) Status {
	return roleStatuses[r]
}

// RoleForStatus returns the role that acts on a pending status.
func RoleForStatus(s Status) (AuthorityRole, bool) {
	r, ok := statusRoles[s]
	return r, ok
}
