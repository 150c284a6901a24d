package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rimborso/internal/config"
	"rimborso/internal/importer"
	"rimborso/internal/oplog"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	SpreadsheetID string
	SheetName     string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Enqueue spreadsheet rows into the operation log",
		Long: `Fetch the configured sheet and enqueue one create operation per row.

The sheet needs a header row; recognized columns are Kind, Employee, Date,
Cost Center, Miles, From, To, Purpose, Amount, Vendor, Category, Minutes
and Description. Kind selects the record type (mileage, receipt or time).
Rows that fail to parse are logged and skipped.

Example:
  rimborso-import import --spreadsheet 1BxiM...sample --sheet "2025 Expenses"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.SpreadsheetID, "spreadsheet", "", "spreadsheet id (default: GOOGLE_SPREADSHEET_ID)")
	cmd.Flags().StringVar(&opts.SheetName, "sheet", "", "sheet name (default: GOOGLE_SHEET_NAME)")

	return cmd
}

func runImport(cmd *cobra.Command, opts *ImportOptions) error {
	cfg := config.Load()
	if opts.SpreadsheetID == "" {
		opts.SpreadsheetID = cfg.GoogleSpreadsheetID
	}
	if opts.SheetName == "" {
		opts.SheetName = cfg.GoogleSheetName
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = cfg.AgentDBPath
	}

	ctx := cmd.Context()
	client, err := importer.New(ctx, opts.SpreadsheetID, opts.SheetName)
	if err != nil {
		return err
	}

	queue, err := oplog.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open operation log: %w", err)
	}
	defer queue.Close()

	summary, err := client.Run(ctx, queue)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d, skipped %d\n", summary.Enqueued, summary.Skipped)
	return nil
}
