package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-loan-approvals/internal/service"
)

func newTiersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Approval tier catalog",
	}
	cmd.AddCommand(newTiersSeedCmd())
	cmd.AddCommand(newTiersResolveCmd())
	cmd.AddCommand(newTiersCheckCmd())
	return cmd
}

func newTiersSeedCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert approval tiers from a YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			tiers, err := parseTierFile(raw)
			if err != nil {
				return fmt.Errorf("invalid tier file %s: %w", file, err)
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			svc := e.services()
			if err := svc.Catalog.UpsertTiers(cmd.Context(), tiers); err != nil {
				return err
			}
			snap, err := svc.Catalog.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(map[string]any{
				"upserted": len(tiers),
				"active":   len(snap.Tiers),
				"problems": snap.Problems,
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML tier file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTiersResolveCmd() *cobra.Command {
	var (
		amount       string
		borrowerType string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the tier an amount resolves to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			tier, err := e.services().Resolver.ResolveTier(cmd.Context(), amt, borrowerType)
			if err != nil {
				return err
			}
			return writeJSON(map[string]any{
				"amount":             amt.String(),
				"tier":               tier.Name,
				"authority_role":     tier.AuthorityRole,
				"committee_required": service.CommitteeRequired(tier, amt),
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "Requested amount (required)")
	cmd.Flags().StringVar(&borrowerType, "borrower-type", "individual", "Borrower type")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newTiersCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the active tier set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			snap, err := e.services().Catalog.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeJSON(map[string]any{"active": len(snap.Tiers), "problems": snap.Problems}); err != nil {
				return err
			}
			if !snap.Valid() {
				return fmt.Errorf("tier catalog has %d problem(s)", len(snap.Problems))
			}
			return nil
		},
	}
}
