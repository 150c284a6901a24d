// Package importer backfills expense records from a Google spreadsheet into
// the local operation queue. Imported rows flow through the same sync
// pipeline as interactive edits, so re-running an import is harmless: the
// backend deduplicates by natural key.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"rimborso/internal/oplog"
)

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
}

// New creates a Sheets client for the given spreadsheet using Service
// Account credentials from the environment.
func New(ctx context.Context, spreadsheetID, sheetName string) (*Client, error) {
	if spreadsheetID == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if sheetName == "" {
		return nil, errors.New("missing sheet name")
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}, nil
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
// Uses GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS.
func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	var err error

	switch {
	case serviceAccountJSON != "":
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsReadonlyScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return service, nil
}

// Summary reports what an import run did.
type Summary struct {
	Enqueued int
	Skipped  int
}

// Run fetches the sheet, parses each row into a record, and enqueues one
// create operation per row. Rows that fail to parse are logged and skipped;
// a bad row never aborts the run.
func (c *Client) Run(ctx context.Context, queue *oplog.Log) (Summary, error) {
	rng := fmt.Sprintf("%s!A1:Z", c.sheetName)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return Summary{}, fmt.Errorf("fetch sheet %s: %w", c.sheetName, err)
	}

	rows, errs := parseRows(resp.Values)
	for _, rowErr := range errs {
		slog.WarnContext(ctx, "Skipping row", "row", rowErr.Row, "error", rowErr.Err)
	}

	var summary Summary
	summary.Skipped = len(errs)
	for _, row := range rows {
		if _, err := queue.Enqueue(ctx, row.Intent, row.Record); err != nil {
			slog.WarnContext(ctx, "Skipping row", "row", row.Row, "error", err)
			summary.Skipped++
			continue
		}
		summary.Enqueued++
	}

	slog.InfoContext(ctx, "Import finished",
		"sheet", c.sheetName,
		"enqueued", summary.Enqueued,
		"skipped", summary.Skipped)
	return summary, nil
}
