// Command astmlis receives ASTM-style result messages from laboratory
// instruments over TCP and stores one record per message.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"astmlis/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "astmlis:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "astmlis",
		Short:         "ASTM lab result ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadEnvFile(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file seeding ASTMLIS_* variables (missing file is ignored)")

	root.AddCommand(serveCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(recentCmd())
	root.AddCommand(archiveCmd())
	return root
}
