package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
)

type tierFile struct {
	Tiers []tierEntry `yaml:"tiers"`
}

type tierEntry struct {
	Name                      string  `yaml:"name"`
	MinAmount                 string  `yaml:"min_amount"`
	MaxAmount                 *string `yaml:"max_amount"`
	AuthorityRole             string  `yaml:"authority_role"`
	RequiresCommitteeApproval bool    `yaml:"requires_committee_approval"`
	CommitteeThreshold        *string `yaml:"committee_threshold"`
	Active                    *bool   `yaml:"active"`
}

// parseTierFile decodes a tier seed file. Amounts are strings so that YAML
// never rounds them through float64.
func parseTierFile(raw []byte) ([]*repository.ApprovalTier, error) {
	var f tierFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if len(f.Tiers) == 0 {
		return nil, fmt.Errorf("no tiers defined")
	}

	out := make([]*repository.ApprovalTier, 0, len(f.Tiers))
	for i, e := range f.Tiers {
		role, err := workflow.ParseAuthorityRole(e.AuthorityRole)
		if err != nil {
			return nil, fmt.Errorf("tier %d (%s): %w", i, e.Name, err)
		}
		minAmount, err := decimal.NewFromString(e.MinAmount)
		if err != nil {
			return nil, fmt.Errorf("tier %d (%s): min_amount: %w", i, e.Name, err)
		}
		maxAmount, err := optionalDecimal(e.MaxAmount)
		if err != nil {
			return nil, fmt.Errorf("tier %d (%s): max_amount: %w", i, e.Name, err)
		}
		threshold, err := optionalDecimal(e.CommitteeThreshold)
		if err != nil {
			return nil, fmt.Errorf("tier %d (%s): committee_threshold: %w", i, e.Name, err)
		}

		active := true
		if e.Active != nil {
			active = *e.Active
		}
		out = append(out, &repository.ApprovalTier{
			Name:                      e.Name,
			MinAmount:                 minAmount,
			MaxAmount:                 maxAmount,
			AuthorityRole:             role,
			RequiresCommitteeApproval: e.RequiresCommitteeApproval,
			CommitteeThreshold:        threshold,
			Active:                    active,
		})
	}
	return out, nil
}

func optionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
