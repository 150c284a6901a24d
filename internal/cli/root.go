// Package cli holds the commands of the rimborso-import tool: backfilling
// records from a Google spreadsheet into the local operation queue and
// inspecting that queue.
package cli

import (
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"rimborso/internal/log"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	DBPath  string
}

// NewRootCommand creates the root command for the import tool.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rimborso-import",
		Short: "Backfill and inspect the local sync queue",
		Long: `rimborso-import reads historical expense rows from a Google spreadsheet
and enqueues them into the local operation log, where the sync agent picks
them up. Re-running an import is safe: the backend deduplicates records by
their natural key.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()

			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			log.Setup(log.ComponentImport, level)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to the operation log database (default: AGENT_DB_PATH)")

	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))

	return cmd
}
