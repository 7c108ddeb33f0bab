package repository

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/database"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
)

var recordValidator = validator.New(validator.WithRequiredStructEnabled())

// ApplicationRepository reads loan applications and writes their approval
// state. Application creation belongs to the origination module.
type ApplicationRepository struct {
	db *database.DB
}

// NewApplicationRepository creates a new ApplicationRepository.
func NewApplicationRepository(db *database.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

const applicationColumns = `
	id, requested_amount, borrower_type, approval_status,
	approval_level, committee_review_required, disbursement_method,
	created_at, updated_at`

// GetByID retrieves an application by primary key.
func (r *ApplicationRepository) GetByID(ctx context.Context, id string) (*LoanApplication, error) {
	query := `SELECT` + applicationColumns + ` FROM loan_applications WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetForUpdate retrieves an application and locks its row until the
// surrounding transaction ends.
func (r *ApplicationRepository) GetForUpdate(ctx context.Context, id string) (*LoanApplication, error) {
	if !database.InTx(ctx) {
		return nil, errors.New(errors.ErrCodeInternal, "GetForUpdate requires a transaction")
	}
	query := `SELECT` + applicationColumns + ` FROM loan_applications WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *ApplicationRepository) getOne(ctx context.Context, query, id string) (*LoanApplication, error) {
	app, err := r.scanApplication(r.db.QueryRow(ctx, query, id))
	if database.IsNoRows(err) {
		return nil, errors.NotFound("loan_application", id)
	}
	return app, err
}

// UpdateApprovalState writes the workflow-owned fields of an application.
func (r *ApplicationRepository) UpdateApprovalState(ctx context.Context, id string, update ApplicationStatusUpdate) error {
	query := `
		UPDATE loan_applications
		SET approval_status           = $2,
		    approval_level            = $3,
		    committee_review_required = $4,
		    disbursement_method       = COALESCE($5, disbursement_method),
		    updated_at                = NOW()
		WHERE id = $1
		RETURNING id
	`

	var level *string
	if update.ApprovalLevel != nil {
		l := string(*update.ApprovalLevel)
		level = &l
	}

	var returnedID string
	err := r.db.QueryRow(ctx, query,
		id,
		string(update.Status),
		level,
		update.CommitteeReviewRequired,
		update.DisbursementMethod,
	).Scan(&returnedID)
	if database.IsNoRows(err) {
		return errors.NotFound("loan_application", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to update application approval state")
	}
	return nil
}

// ListByStatuses returns applications whose status is one of statuses,
// oldest first.
func (r *ApplicationRepository) ListByStatuses(ctx context.Context, statuses []workflow.Status) ([]*LoanApplication, error) {
	query := `SELECT` + applicationColumns + `
		FROM loan_applications
		WHERE approval_status = ANY($1)
		ORDER BY created_at ASC`
	return r.list(ctx, query, statusStrings(statuses))
}

// ListExcludingStatuses returns applications whose status is none of
// statuses. Used to surface records outside the known vocabulary.
func (r *ApplicationRepository) ListExcludingStatuses(ctx context.Context, statuses []workflow.Status) ([]*LoanApplication, error) {
	query := `SELECT` + applicationColumns + `
		FROM loan_applications
		WHERE NOT (approval_status = ANY($1))
		ORDER BY created_at ASC`
	return r.list(ctx, query, statusStrings(statuses))
}

func (r *ApplicationRepository) list(ctx context.Context, query string, args ...any) ([]*LoanApplication, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list loan applications")
	}
	defer rows.Close()

	apps := make([]*LoanApplication, 0)
	for rows.Next() {
		app, err := r.scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list loan applications")
	}
	return apps, nil
}

func statusStrings(statuses []workflow.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// ── scan helpers ─────────────────────────────────────────────────────────────

// loanApplicationRow is the raw shape of a loan_applications row. Required
// fields are checked once here so the workflow never sees a partial record.
type loanApplicationRow struct {
	ID                      *string          `validate:"required"`
	RequestedAmount         *decimal.Decimal `validate:"required"`
	BorrowerType            *string          `validate:"required"`
	ApprovalStatus          *string          `validate:"required"`
	ApprovalLevel           *string
	CommitteeReviewRequired *bool `validate:"required"`
	DisbursementMethod      *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (r *ApplicationRepository) scanApplication(row rowScanner) (*LoanApplication, error) {
	var raw loanApplicationRow
	err := row.Scan(
		&raw.ID,
		&raw.RequestedAmount,
		&raw.BorrowerType,
		&raw.ApprovalStatus,
		&raw.ApprovalLevel,
		&raw.CommitteeReviewRequired,
		&raw.DisbursementMethod,
		&raw.CreatedAt,
		&raw.UpdatedAt,
	)
	if database.IsNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to scan loan application")
	}
	return raw.toDomain()
}

func (raw loanApplicationRow) toDomain() (*LoanApplication, error) {
	id := ""
	if raw.ID != nil {
		id = *raw.ID
	}

	if err := recordValidator.Struct(raw); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
		}
		return nil, errors.Newf(errors.ErrCodeInvalidRecord,
			"loan application %s is missing required fields: %s", id, strings.Join(fields, ", ")).
			WithDetails("application_id", id).
			WithDetails("fields", fields)
	}

	// Unknown statuses are kept so they can be listed as unmapped; the
	// workflow refuses to act on them.
	app := &LoanApplication{
		ID:                      id,
		RequestedAmount:         *raw.RequestedAmount,
		BorrowerType:            *raw.BorrowerType,
		ApprovalStatus:          workflow.Status(*raw.ApprovalStatus),
		CommitteeReviewRequired: *raw.CommitteeReviewRequired,
		DisbursementMethod:      raw.DisbursementMethod,
		CreatedAt:               raw.CreatedAt,
		UpdatedAt:               raw.UpdatedAt,
	}
	if raw.ApprovalLevel != nil {
		level, err := workflow.ParseAuthorityRole(*raw.ApprovalLevel)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidRecord, "loan application "+id)
		}
		app.ApprovalLevel = &level
	}
	return app, nil
}
