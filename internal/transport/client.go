// Package transport is the HTTP client the dispatcher uses to deliver sync
// batches to the backend. It classifies failures: connection errors,
// timeouts and 5xx responses are transient and safe to re-send thanks to the
// backend's idempotent upsert; 4xx responses are terminal for the batch.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rimborso/internal/core"
	"rimborso/internal/wire"
)

type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the backend at baseURL (no trailing slash
// required).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SendBatch posts one envelope to the ingest endpoint. An ambiguous failure
// (timeout, connection reset, 5xx) comes back wrapping core.ErrTransient and
// the caller must assume the batch was not applied.
func (c *Client) SendBatch(ctx context.Context, batch wire.BatchRequest) (*wire.BatchResponse, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.Transientf("send batch: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, core.Transientf("read response: %v", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, core.Transientf("backend returned %d: %s", resp.StatusCode, truncate(respBody))
	case resp.StatusCode == http.StatusBadRequest:
		var er wire.ErrorResponse
		if err := json.Unmarshal(respBody, &er); err == nil && er.Error != "" {
			return nil, core.SchemaMismatchf("batch rejected: %s", er.Error)
		}
		return nil, core.SchemaMismatchf("batch rejected: %s", truncate(respBody))
	case resp.StatusCode != http.StatusOK:
		return nil, core.Validationf("unexpected status %d: %s", resp.StatusCode, truncate(respBody))
	}

	var out wire.BatchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, core.Transientf("decode response: %v", err)
	}
	return &out, nil
}

func truncate(b []byte) string {
	const max = 256
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
