package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rimborso/internal/core"
	"rimborso/internal/wire"
)

func testBatch() wire.BatchRequest {
	return wire.BatchRequest{
		"mileageEntries": {{OpID: "op-1", OpType: "create", Record: json.RawMessage(`{}`)}},
	}
}

func TestSendBatchOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sync" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var batch wire.BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(batch["mileageEntries"]) != 1 {
			t.Errorf("unexpected batch %+v", batch)
		}
		json.NewEncoder(w).Encode(wire.BatchResponse{
			Results: []wire.Result{{OpID: "op-1", Status: wire.StatusApplied}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	resp, err := c.SendBatch(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Status != wire.StatusApplied {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestSendBatchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.SendBatch(context.Background(), testBatch())
	if !errors.Is(err, core.ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", err)
	}
}

func TestSendBatchConnectionErrorIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := c.SendBatch(context.Background(), testBatch())
	if !errors.Is(err, core.ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", err)
	}
}

func TestSendBatchRejectionIsSchemaMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(wire.ErrorResponse{Error: `unknown wire key "expenses"`})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.SendBatch(context.Background(), testBatch())
	if !errors.Is(err, core.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
	if !core.IsTerminal(err) {
		t.Error("a batch rejection must be terminal")
	}
}

func TestSendBatchGarbledResponseIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.SendBatch(context.Background(), testBatch())
	if !errors.Is(err, core.ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", err)
	}
}
