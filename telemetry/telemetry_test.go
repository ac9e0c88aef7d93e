package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func record(bucket string) RateLimitRecord {
	return RateLimitRecord{
		RequestID:    "req-1",
		Bucket:       bucket,
		Route:        "GET guilds/{guild_id}",
		RetryAfterMs: 250,
		At:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNoopExporter(t *testing.T) {
	var exp Exporter = NoopExporter{}

	exp.Export(record("route:GET a"))

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}
	defer exp.Close()

	exp.Export(record("route:GET a"))
	exp.Export(record("route:GET b"))
	exp.Flush()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var got RateLimitRecord
	if err := json.Unmarshal([]byte(lines[1]), &got); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if got.Bucket != "route:GET b" || got.RetryAfterMs != 250 {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestHTTPExporter(t *testing.T) {
	var received []RateLimitRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	rec := record("global")
	rec.Global = true
	exp.Export(rec)

	if err := exp.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(received) != 1 || !received[0].Global {
		t.Fatalf("received = %+v", received)
	}
}

func TestHTTPExporter_KeepsRecordsOnFailure(t *testing.T) {
	var mu sync.Mutex
	fail := true
	var received []RateLimitRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.Export(record("route:GET a"))
	if err := exp.Flush(); err == nil {
		t.Fatal("expected error for 500 response")
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	exp.Export(record("route:GET b"))
	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0].Bucket != "route:GET a" {
		t.Errorf("received = %+v, want both records in order", received)
	}
}

func TestHTTPExporter_PostsFullBatch(t *testing.T) {
	posted := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []RateLimitRecord
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &batch)
		posted <- len(batch)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	for i := 0; i < httpBatchSize; i++ {
		exp.Export(record("route:GET a"))
	}

	select {
	case n := <-posted:
		if n != httpBatchSize {
			t.Errorf("batch size = %d, want %d", n, httpBatchSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("full batch was not posted")
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{"noop", false},
		{"", false},
		{"http", false},
		{"unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			exp, err := NewExporter(tt.kind, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exp != nil {
				exp.Close()
			}
		})
	}
}
