package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

// Kinds of catalog configuration problems.
const (
	ProblemEmpty           = "empty"
	ProblemFloor           = "floor"
	ProblemGap             = "gap"
	ProblemOverlap         = "overlap"
	ProblemUnboundedMiddle = "unbounded_not_last"
)

// TierProblem describes one inconsistency in the active tier set.
type TierProblem struct {
	Kind    string   `json:"kind"`
	Tiers   []string `json:"tiers"`
	Message string   `json:"message"`
}

// TierSnapshot is the active tier set ordered by MinAmount, together with
// any configuration problems found in it.
type TierSnapshot struct {
	Tiers    []*repository.ApprovalTier
	Problems []TierProblem
}

// Valid reports whether the snapshot partitions the amount axis cleanly.
func (s *TierSnapshot) Valid() bool {
	return len(s.Problems) == 0
}

// IsCeiling reports whether tier is the highest bounded tier, whose
// MaxAmount is inclusive.
func (s *TierSnapshot) IsCeiling(tier *repository.ApprovalTier) bool {
	if len(s.Tiers) == 0 || tier.MaxAmount == nil {
		return false
	}
	return s.Tiers[len(s.Tiers)-1].ID == tier.ID
}

// Next returns the first active tier above tier on the ladder, or nil.
func (s *TierSnapshot) Next(tier *repository.ApprovalTier) *repository.ApprovalTier {
	for _, t := range s.Tiers {
		if t.MinAmount.GreaterThan(tier.MinAmount) {
			return t
		}
	}
	return nil
}

// Lowest returns the entry tier of the ladder, or nil when empty.
func (s *TierSnapshot) Lowest() *repository.ApprovalTier {
	if len(s.Tiers) == 0 {
		return nil
	}
	return s.Tiers[0]
}

// ByID finds an active tier.
func (s *TierSnapshot) ByID(id string) *repository.ApprovalTier {
	for _, t := range s.Tiers {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TierCatalog serves the ordered approval tier table.
type TierCatalog struct {
	store TierStore
	tx    Transactor
	cache TierCache
	log   *logger.Logger
}

// NewTierCatalog creates a TierCatalog. cache may be nil.
func NewTierCatalog(store TierStore, tx Transactor, cache TierCache, log *logger.Logger) *TierCatalog {
	return &TierCatalog{store: store, tx: tx, cache: cache, log: log}
}

// ListActiveTiers returns the active tiers ordered by MinAmount. An active set
// that is empty, does not start at zero, has gaps or overlaps, or continues
// past an unbounded tier fails with ErrCodeConfiguration.
func (c *TierCatalog) ListActiveTiers(ctx context.Context) ([]*repository.ApprovalTier, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.Valid() {
		return nil, c.configurationError(snap)
	}
	return snap.Tiers, nil
}

// Snapshot returns the ordered active set and its problems without failing on
// them.
func (c *TierCatalog) Snapshot(ctx context.Context) (*TierSnapshot, error) {
	tiers, err := c.loadActive(ctx)
	if err != nil {
		return nil, err
	}
	return buildSnapshot(tiers), nil
}

// ListTiers returns all tiers, optionally active only.
func (c *TierCatalog) ListTiers(ctx context.Context, activeOnly bool) ([]*repository.ApprovalTier, error) {
	return c.store.List(ctx, activeOnly)
}

// UpsertTiers validates and stores tiers in one transaction, then drops the
// cached set. The resulting active set is not required to be consistent.
func (c *TierCatalog) UpsertTiers(ctx context.Context, tiers []*repository.ApprovalTier) error {
	for _, t := range tiers {
		if err := validateTier(t); err != nil {
			return err
		}
	}

	err := c.tx.InTransaction(ctx, func(ctx context.Context) error {
		for _, t := range tiers {
			if err := c.store.Upsert(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if c.cache != nil {
		c.cache.Invalidate(ctx)
	}
	c.log.Info().Int("tiers", len(tiers)).Msg("Approval tiers upserted")
	return nil
}

func (c *TierCatalog) loadActive(ctx context.Context) ([]*repository.ApprovalTier, error) {
	if c.cache != nil {
		if tiers, ok := c.cache.Get(ctx); ok {
			return tiers, nil
		}
	}

	tiers, err := c.store.List(ctx, true)
	if err != nil {
		return nil, errors.Storage(err, "failed to load approval tiers")
	}

	if c.cache != nil {
		c.cache.Set(ctx, tiers)
	}
	return tiers, nil
}

func (c *TierCatalog) configurationError(snap *TierSnapshot) error {
	var names []string
	messages := make([]string, 0, len(snap.Problems))
	for _, p := range snap.Problems {
		names = append(names, p.Tiers...)
		messages = append(messages, p.Message)
	}

	c.log.Error().
		Strs("tiers", names).
		Strs("problems", messages).
		Msg("Approval tier catalog is misconfigured")

	return errors.New(errors.ErrCodeConfiguration, "approval tier catalog is misconfigured: "+strings.Join(messages, "; ")).
		WithDetails("problems", snap.Problems)
}

func buildSnapshot(tiers []*repository.ApprovalTier) *TierSnapshot {
	ordered := make([]*repository.ApprovalTier, 0, len(tiers))
	for _, t := range tiers {
		if t.Active {
			ordered = append(ordered, t)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].MinAmount.Equal(ordered[j].MinAmount) {
			return ordered[i].Name < ordered[j].Name
		}
		return ordered[i].MinAmount.LessThan(ordered[j].MinAmount)
	})

	snap := &TierSnapshot{Tiers: ordered}
	if len(ordered) == 0 {
		snap.Problems = append(snap.Problems, TierProblem{
			Kind:    ProblemEmpty,
			Message: "no active approval tiers",
		})
		return snap
	}

	if first := ordered[0]; !first.MinAmount.IsZero() {
		snap.Problems = append(snap.Problems, TierProblem{
			Kind:    ProblemFloor,
			Tiers:   []string{first.Name},
			Message: fmt.Sprintf("lowest tier %q starts at %s, not 0", first.Name, first.MinAmount),
		})
	}

	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		pair := []string{prev.Name, cur.Name}
		switch {
		case prev.MaxAmount == nil:
			snap.Problems = append(snap.Problems, TierProblem{
				Kind:    ProblemUnboundedMiddle,
				Tiers:   pair,
				Message: fmt.Sprintf("unbounded tier %q is followed by %q", prev.Name, cur.Name),
			})
		case cur.MinAmount.GreaterThan(*prev.MaxAmount):
			snap.Problems = append(snap.Problems, TierProblem{
				Kind:    ProblemGap,
				Tiers:   pair,
				Message: fmt.Sprintf("gap between %q (max %s) and %q (min %s)", prev.Name, prev.MaxAmount, cur.Name, cur.MinAmount),
			})
		case cur.MinAmount.LessThan(*prev.MaxAmount):
			snap.Problems = append(snap.Problems, TierProblem{
				Kind:    ProblemOverlap,
				Tiers:   pair,
				Message: fmt.Sprintf("%q overlaps %q", prev.Name, cur.Name),
			})
		}
	}
	return snap
}

func validateTier(t *repository.ApprovalTier) error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.InvalidInput("name", "tier name is required")
	}
	if !t.AuthorityRole.Valid() {
		return errors.InvalidInput("authority_role", fmt.Sprintf("unknown authority role %q", t.AuthorityRole))
	}
	if t.MinAmount.IsNegative() {
		return errors.InvalidInput("min_amount", "must not be negative")
	}
	if t.MaxAmount != nil && !t.MaxAmount.GreaterThan(t.MinAmount) {
		return errors.InvalidInput("max_amount", "must be greater than min_amount")
	}
	if t.CommitteeThreshold != nil && t.CommitteeThreshold.LessThan(decimal.Zero) {
		return errors.InvalidInput("committee_threshold", "must not be negative")
	}
	return nil
}
