package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"astmlis/internal/adapters/results"
	"astmlis/internal/config"
	"astmlis/internal/core"
)

func recentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest stored results as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := core.OpenResultStore(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			gateway := core.NewGateway(store)
			defer gateway.Close()
			recs, err := gateway.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []core.StoredResult{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"results": recs})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", results.DefaultLimit, "number of records")
	return cmd
}
