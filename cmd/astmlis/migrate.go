package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"astmlis/internal/config"
	"astmlis/internal/core"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the results table and index for the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := core.Migrate(cmd.Context(), cfg.Storage); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", cfg.Storage.Driver)
			return nil
		},
	}
}
