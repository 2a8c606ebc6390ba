package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the workflow schema to PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate requires the postgres store driver, configured driver is %q", cfg.Store.Driver)
			}

			store, closeStore, err := openPgStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Workflow schema is up to date")
			return nil
		},
	}
}
