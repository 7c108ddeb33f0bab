package main

import (
	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	var (
		applicationID string
		actorID       string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-derive tier routing from the current catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			wf := e.services().Workflow
			if applicationID != "" {
				res, err := wf.ReconcileTierConsistency(cmd.Context(), applicationID, actorID)
				if err != nil {
					return err
				}
				return writeJSON(map[string]any{"result": res.String(), "corrections": res.Corrections})
			}

			summary, err := wf.ReconcileAll(cmd.Context(), actorID)
			if err != nil {
				return err
			}
			results := make([]string, 0, len(summary.Results))
			for _, r := range summary.Results {
				results = append(results, r.String())
			}
			return writeJSON(map[string]any{
				"checked":   summary.Checked,
				"corrected": summary.Corrected,
				"failed":    summary.Failed,
				"results":   results,
				"failures":  summary.Failures,
			})
		},
	}
	cmd.Flags().StringVar(&applicationID, "application", "", "Reconcile one application (default: all awaiting approval)")
	cmd.Flags().StringVar(&actorID, "actor", "loanctl", "Actor recorded in history")
	return cmd
}
