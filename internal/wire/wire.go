// Package wire defines the sync envelope exchanged between the client
// dispatcher and the backend reconciler. The envelope's only permitted
// top-level keys are the canonical entity wire keys; anything else is a
// validation error for the whole batch.
package wire

import "encoding/json"

// Per-operation result statuses returned by the reconciler.
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
	StatusConflict  = "conflict"
)

// OperationEnvelope wraps one record with its client operation id and
// mutation type. Records alone cannot express deletes.
type OperationEnvelope struct {
	OpID   string          `json:"opId"`
	OpType string          `json:"opType"`
	Record json.RawMessage `json:"record"`
}

// BatchRequest is the ingest request body: canonical wire key -> operations.
type BatchRequest map[string][]OperationEnvelope

// Result reports the outcome of a single operation.
type Result struct {
	OpID       string `json:"opId"`
	NaturalKey string `json:"naturalKey,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// BatchResponse is the ingest response body.
type BatchResponse struct {
	Results []Result `json:"results"`
}

// ErrorResponse is the body of a batch-level rejection.
type ErrorResponse struct {
	Error string `json:"error"`
}
