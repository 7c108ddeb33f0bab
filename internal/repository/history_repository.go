package repository

import (
	"context"

	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/database"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
)

// HistoryRepository appends and reads approval history entries.
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts one history entry. The table has an update/delete
// prevention trigger so this is the only mutation exposed.
func (r *HistoryRepository) Append(ctx context.Context, entry *ApprovalHistoryEntry) error {
	query := `
		INSERT INTO approval_history
		    (application_id, action, actor_id, comments,
		     tier_at_action, status_before, status_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.ApplicationID,
		string(entry.Action),
		entry.ActorID,
		entry.Comments,
		entry.TierAtAction,
		string(entry.StatusBefore),
		string(entry.StatusAfter),
	).Scan(&entry.ID, &entry.Timestamp)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to append approval history")
	}
	return nil
}

// ListByApplication returns the history of an application oldest-first.
func (r *HistoryRepository) ListByApplication(ctx context.Context, applicationID string) ([]*ApprovalHistoryEntry, error) {
	query := `
		SELECT id, application_id, action, actor_id, comments,
		       tier_at_action, status_before, status_after, created_at
		FROM approval_history
		WHERE application_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, applicationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to get approval history")
	}
	defer rows.Close()

	entries := make([]*ApprovalHistoryEntry, 0)
	for rows.Next() {
		entry := &ApprovalHistoryEntry{}
		var action, before, after string
		err := rows.Scan(
			&entry.ID,
			&entry.ApplicationID,
			&action,
			&entry.ActorID,
			&entry.Comments,
			&entry.TierAtAction,
			&before,
			&after,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to scan approval history")
		}
		entry.Action = workflow.Action(action)
		entry.StatusBefore = workflow.Status(before)
		entry.StatusAfter = workflow.Status(after)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to get approval history")
	}
	return entries, nil
}
