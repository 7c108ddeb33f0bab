package repository

import (
	"context"

	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/database"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
)

// CommitteeRepository manages committee members, votes and the per
// application decision row. Votes and decisions are serialised by locking the
// decision row.
type CommitteeRepository struct {
	db *database.DB
}

// NewCommitteeRepository creates a new CommitteeRepository.
func NewCommitteeRepository(db *database.DB) *CommitteeRepository {
	return &CommitteeRepository{db: db}
}

// ── members ──────────────────────────────────────────────────────────────────

// ListMembers returns committee members, optionally active only.
func (r *CommitteeRepository) ListMembers(ctx context.Context, activeOnly bool) ([]*CommitteeMember, error) {
	query := `
		SELECT id, user_id, role, voting_weight, is_active
		FROM committee_members
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list committee members")
	}
	defer rows.Close()

	members := make([]*CommitteeMember, 0)
	for rows.Next() {
		m, err := r.scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list committee members")
	}
	return members, nil
}

// GetActiveMemberByUser returns the active member seat of a user, or nil when
// the user holds none.
func (r *CommitteeRepository) GetActiveMemberByUser(ctx context.Context, userID string) (*CommitteeMember, error) {
	query := `
		SELECT id, user_id, role, voting_weight, is_active
		FROM committee_members
		WHERE user_id = $1 AND is_active = TRUE
	`

	m, err := r.scanMember(r.db.QueryRow(ctx, query, userID))
	if database.IsNoRows(err) {
		return nil, nil
	}
	return m, err
}

// ── votes ────────────────────────────────────────────────────────────────────

// UpsertVote records a member's vote, replacing any earlier vote by the same
// member on the same application.
func (r *CommitteeRepository) UpsertVote(ctx context.Context, v *CommitteeVote) error {
	query := `
		INSERT INTO committee_votes
		    (application_id, member_id, decision, comments, weight)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (application_id, member_id) DO UPDATE
		SET decision = EXCLUDED.decision,
		    comments = EXCLUDED.comments,
		    weight   = EXCLUDED.weight,
		    cast_at  = NOW()
		RETURNING id, cast_at
	`

	err := r.db.QueryRow(ctx, query,
		v.ApplicationID,
		v.MemberID,
		string(v.Decision),
		v.Comments,
		v.Weight,
	).Scan(&v.ID, &v.CastAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to record committee vote")
	}
	return nil
}

// ListVotes returns all votes on an application, oldest first.
func (r *CommitteeRepository) ListVotes(ctx context.Context, applicationID string) ([]*CommitteeVote, error) {
	query := `
		SELECT id, application_id, member_id, decision, comments, weight, cast_at
		FROM committee_votes
		WHERE application_id = $1
		ORDER BY cast_at ASC
	`

	rows, err := r.db.Query(ctx, query, applicationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list committee votes")
	}
	defer rows.Close()

	votes := make([]*CommitteeVote, 0)
	for rows.Next() {
		v := &CommitteeVote{}
		var decision string
		if err := rows.Scan(
			&v.ID,
			&v.ApplicationID,
			&v.MemberID,
			&decision,
			&v.Comments,
			&v.Weight,
			&v.CastAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to scan committee vote")
		}
		v.Decision = workflow.VoteDecision(decision)
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list committee votes")
	}
	return votes, nil
}

// ── decisions ────────────────────────────────────────────────────────────────

const decisionColumns = `
	application_id, total_members, total_votes_cast,
	approve_votes, reject_votes, abstain_votes,
	approve_weight, reject_weight, abstain_weight,
	quorum_required, quorum_met, final_decision,
	decided_by, decided_at, decision_reason, resolved_at, updated_at`

// LockDecision creates the decision row if needed and locks it for the rest
// of the transaction.
func (r *CommitteeRepository) LockDecision(ctx context.Context, applicationID string) (*CommitteeDecision, error) {
	if !database.InTx(ctx) {
		return nil, errors.New(errors.ErrCodeInternal, "LockDecision requires a transaction")
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO committee_decisions (application_id)
		VALUES ($1)
		ON CONFLICT (application_id) DO NOTHING
	`, applicationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to create committee decision")
	}

	query := `SELECT` + decisionColumns + ` FROM committee_decisions WHERE application_id = $1 FOR UPDATE`
	return r.scanDecision(r.db.QueryRow(ctx, query, applicationID))
}

// GetDecision returns the decision row of an application, or nil when no
// vote has been cast yet.
func (r *CommitteeRepository) GetDecision(ctx context.Context, applicationID string) (*CommitteeDecision, error) {
	query := `SELECT` + decisionColumns + ` FROM committee_decisions WHERE application_id = $1`

	d, err := r.scanDecision(r.db.QueryRow(ctx, query, applicationID))
	if database.IsNoRows(err) {
		return nil, nil
	}
	return d, err
}

// SaveDecision persists the tally and outcome fields of a decision row.
func (r *CommitteeRepository) SaveDecision(ctx context.Context, d *CommitteeDecision) error {
	query := `
		UPDATE committee_decisions
		SET total_members    = $2,
		    total_votes_cast = $3,
		    approve_votes    = $4,
		    reject_votes     = $5,
		    abstain_votes    = $6,
		    approve_weight   = $7,
		    reject_weight    = $8,
		    abstain_weight   = $9,
		    quorum_required  = $10,
		    quorum_met       = $11,
		    final_decision   = $12,
		    decided_by       = $13,
		    decided_at       = $14,
		    decision_reason  = $15,
		    resolved_at      = $16,
		    updated_at       = NOW()
		WHERE application_id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		d.ApplicationID,
		d.TotalMembers,
		d.TotalVotesCast,
		d.ApproveVotes,
		d.RejectVotes,
		d.AbstainVotes,
		d.ApproveWeight,
		d.RejectWeight,
		d.AbstainWeight,
		d.QuorumRequired,
		d.QuorumMet,
		string(d.FinalDecision),
		d.DecidedBy,
		d.DecidedAt,
		d.DecisionReason,
		d.ResolvedAt,
	).Scan(&d.UpdatedAt)
	if database.IsNoRows(err) {
		return errors.NotFound("committee_decision", d.ApplicationID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to save committee decision")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *CommitteeRepository) scanMember(row rowScanner) (*CommitteeMember, error) {
	m := &CommitteeMember{}
	var role string
	err := row.Scan(&m.ID, &m.UserID, &role, &m.VotingWeight, &m.Active)
	if database.IsNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to scan committee member")
	}
	m.Role = workflow.MemberRole(role)
	return m, nil
}

func (r *CommitteeRepository) scanDecision(row rowScanner) (*CommitteeDecision, error) {
	d := &CommitteeDecision{}
	var final string
	err := row.Scan(
		&d.ApplicationID,
		&d.TotalMembers,
		&d.TotalVotesCast,
		&d.ApproveVotes,
		&d.RejectVotes,
		&d.AbstainVotes,
		&d.ApproveWeight,
		&d.RejectWeight,
		&d.AbstainWeight,
		&d.QuorumRequired,
		&d.QuorumMet,
		&final,
		&d.DecidedBy,
		&d.DecidedAt,
		&d.DecisionReason,
		&d.ResolvedAt,
		&d.UpdatedAt,
	)
	if database.IsNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to scan committee decision")
	}
	d.FinalDecision = workflow.FinalDecision(final)
	return d, nil
}
