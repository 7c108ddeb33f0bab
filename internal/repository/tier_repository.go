package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/database"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
)

// TierRepository handles reads and admin upserts on approval_tiers.
type TierRepository struct {
	db *database.DB
}

// NewTierRepository creates a new TierRepository.
func NewTierRepository(db *database.DB) *TierRepository {
	return &TierRepository{db: db}
}

const tierColumns = `
	id, name, min_amount, max_amount, authority_role,
	requires_committee_approval, committee_threshold, is_active,
	created_at, updated_at`

// List returns tiers ordered by min_amount, optionally active only.
func (r *TierRepository) List(ctx context.Context, activeOnly bool) ([]*ApprovalTier, error) {
	query := `SELECT` + tierColumns + ` FROM approval_tiers`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY min_amount ASC, name ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list approval tiers")
	}
	defer rows.Close()

	var tiers []*ApprovalTier
	for rows.Next() {
		tier, err := r.scanTier(rows)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list approval tiers")
	}
	return tiers, nil
}

// Upsert inserts a tier or updates the tier with the same name.
func (r *TierRepository) Upsert(ctx context.Context, tier *ApprovalTier) error {
	query := `
		INSERT INTO approval_tiers
		    (name, min_amount, max_amount, authority_role,
		     requires_committee_approval, committee_threshold, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE
		SET min_amount                  = EXCLUDED.min_amount,
		    max_amount                  = EXCLUDED.max_amount,
		    authority_role              = EXCLUDED.authority_role,
		    requires_committee_approval = EXCLUDED.requires_committee_approval,
		    committee_threshold         = EXCLUDED.committee_threshold,
		    is_active                   = EXCLUDED.is_active,
		    updated_at                  = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		tier.Name,
		tier.MinAmount,
		nullableDecimal(tier.MaxAmount),
		string(tier.AuthorityRole),
		tier.RequiresCommitteeApproval,
		nullableDecimal(tier.CommitteeThreshold),
		tier.Active,
	).Scan(&tier.ID, &tier.CreatedAt, &tier.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to upsert approval tier")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *TierRepository) scanTier(row rowScanner) (*ApprovalTier, error) {
	tier := &ApprovalTier{}
	var (
		role      string
		max       decimal.NullDecimal
		threshold decimal.NullDecimal
	)

	err := row.Scan(
		&tier.ID,
		&tier.Name,
		&tier.MinAmount,
		&max,
		&role,
		&tier.RequiresCommitteeApproval,
		&threshold,
		&tier.Active,
		&tier.CreatedAt,
		&tier.UpdatedAt,
	)
	if database.IsNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to scan approval tier")
	}

	tier.AuthorityRole, err = workflow.ParseAuthorityRole(role)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidRecord, "approval tier "+tier.Name)
	}
	tier.MaxAmount = decimalPtr(max)
	tier.CommitteeThreshold = decimalPtr(threshold)
	return tier, nil
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nullableDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
