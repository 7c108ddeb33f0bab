package repository

import (
	"context"

	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/database"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
)

// AssignmentRepository handles approval_assignments. At most one assignment
// per application is pending; a partial unique index enforces it.
type AssignmentRepository struct {
	db *database.DB
}

// NewAssignmentRepository creates a new AssignmentRepository.
func NewAssignmentRepository(db *database.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

const assignmentColumns = `
	id, application_id, tier_id, assigned_actor_id, status,
	comments, decided_by, decided_at, created_at, updated_at`

// Create inserts a pending assignment.
func (r *AssignmentRepository) Create(ctx context.Context, a *ApprovalAssignment) error {
	query := `
		INSERT INTO approval_assignments
		    (application_id, tier_id, assigned_actor_id, status, comments)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	if a.Status == "" {
		a.Status = workflow.AssignmentPending
	}

	err := r.db.QueryRow(ctx, query,
		a.ApplicationID,
		a.TierID,
		a.AssignedActorID,
		string(a.Status),
		a.Comments,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "application already has a pending assignment").
			WithDetails("application_id", a.ApplicationID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to create approval assignment")
	}
	return nil
}

// GetPending returns the pending assignment of an application, or nil when
// there is none.
func (r *AssignmentRepository) GetPending(ctx context.Context, applicationID string) (*ApprovalAssignment, error) {
	query := `SELECT` + assignmentColumns + `
		FROM approval_assignments
		WHERE application_id = $1 AND status = 'pending'`

	a, err := r.scanAssignment(r.db.QueryRow(ctx, query, applicationID))
	if database.IsNoRows(err) {
		return nil, nil
	}
	return a, err
}

// ListByApplication returns every assignment of an application, oldest first.
func (r *AssignmentRepository) ListByApplication(ctx context.Context, applicationID string) ([]*ApprovalAssignment, error) {
	query := `SELECT` + assignmentColumns + `
		FROM approval_assignments
		WHERE application_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, applicationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list approval assignments")
	}
	defer rows.Close()

	var out []*ApprovalAssignment
	for rows.Next() {
		a, err := r.scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list approval assignments")
	}
	return out, nil
}

// Close records the outcome of a pending assignment. The update only applies
// while the assignment is still pending; losing that race yields
// ErrCodeNoPendingAssignment.
func (r *AssignmentRepository) Close(
	ctx context.Context,
	id string,
	status workflow.AssignmentStatus,
	decidedBy string,
	comments *string,
) error {
	query := `
		UPDATE approval_assignments
		SET status     = $2,
		    decided_by = $3,
		    decided_at = NOW(),
		    comments   = COALESCE($4, comments),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, string(status), decidedBy, comments).Scan(&returnedID)
	if database.IsNoRows(err) {
		return errors.New(errors.ErrCodeNoPendingAssignment, "assignment not found or no longer pending").
			WithDetails("assignment_id", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to close approval assignment")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *AssignmentRepository) scanAssignment(row rowScanner) (*ApprovalAssignment, error) {
	a := &ApprovalAssignment{}
	var status string
	err := row.Scan(
		&a.ID,
		&a.ApplicationID,
		&a.TierID,
		&a.AssignedActorID,
		&status,
		&a.Comments,
		&a.DecidedBy,
		&a.DecidedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if database.IsNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to scan approval assignment")
	}
	a.Status = workflow.AssignmentStatus(status)
	return a, nil
}
