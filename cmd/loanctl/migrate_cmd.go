package main

import (
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-loan-approvals/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			applied, err := e.db.Migrate(cmd.Context(), migrations.FS)
			if err != nil {
				return err
			}
			return writeJSON(map[string]any{"applied": applied})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			statuses, err := e.db.MigrationStatuses(cmd.Context(), migrations.FS)
			if err != nil {
				return err
			}
			return writeJSON(statuses)
		},
	})
	return cmd
}
