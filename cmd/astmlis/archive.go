package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"astmlis/internal/blob"
	"astmlis/internal/config"
	"astmlis/internal/core"
)

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Read the raw message archive",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls [prefix]",
		Short: "List archived blobs as JSON, ordered by key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prefix string
			if len(args) == 1 {
				prefix = args[0]
			}
			return withArchiveGateway(cmd.Context(), func(gw *core.Gateway) error {
				list, err := gw.ListArchive(cmd.Context(), prefix)
				if err != nil {
					return err
				}
				if list == nil {
					list = []blob.Info{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"prefix": prefix, "blobs": list})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <record-id>",
		Short: "Write the archived wire bytes of a record to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchiveGateway(cmd.Context(), func(gw *core.Gateway) error {
				_, rc, err := gw.OpenRaw(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				defer rc.Close()
				if _, err := io.Copy(cmd.OutOrStdout(), rc); err != nil {
					return fmt.Errorf("copy raw %s: %w", args[0], err)
				}
				return nil
			})
		},
	})
	return cmd
}

// withArchiveGateway opens the configured store and archive for a read-only command.
func withArchiveGateway(ctx context.Context, fn func(*core.Gateway) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := core.OpenResultStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	archive, err := blob.Open(ctx, cfg.Archive)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open raw archive: %w", err)
	}
	gateway := core.NewGateway(store, core.WithArchive(archive))
	defer gateway.Close()
	return fn(gateway)
}
