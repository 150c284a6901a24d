package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rimborso/internal/config"
	"rimborso/internal/oplog"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show operation log counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := rootOpts.DBPath
			if dbPath == "" {
				dbPath = config.Load().AgentDBPath
			}

			queue, err := oplog.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open operation log: %w", err)
			}
			defer queue.Close()

			stats, err := queue.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pending: %d\n", stats.Pending)
			fmt.Fprintf(out, "sent:    %d\n", stats.Sent)
			fmt.Fprintf(out, "acked:   %d\n", stats.Acked)
			fmt.Fprintf(out, "failed:  %d\n", stats.Failed)
			return nil
		},
	}
}
