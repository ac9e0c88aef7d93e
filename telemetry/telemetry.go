// Package telemetry provides event export and OpenTelemetry tracing for
// dispatched requests.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// RateLimitRecord is the exported form of one rate-limit rejection. It is
// also the payload published on the message bus.
type RateLimitRecord struct {
	RequestID    string    `json:"request_id"`
	Bucket       string    `json:"bucket"`
	Route        string    `json:"route"`
	Global       bool      `json:"global"`
	RetryAfterMs int64     `json:"retry_after_ms"`
	Scope        string    `json:"scope,omitempty"`
	Hash         string    `json:"hash,omitempty"`
	At           time.Time `json:"at"`
}

// Exporter ships rate-limit records to an external sink. Export is called
// from the dispatch path and must not block on the network.
type Exporter interface {
	Export(r RateLimitRecord)
	// Flush sends any buffered records.
	Flush() error
	Close() error
}

// NewExporter creates an exporter for kind: "http" posts batches to
// target, "file" appends JSON lines to the file at target.
func NewExporter(kind, target string) (Exporter, error) {
	switch kind {
	case "http":
		return NewHTTPExporter(target), nil
	case "file":
		return NewFileExporter(target)
	case "noop", "":
		return NoopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown event exporter: %s", kind)
	}
}

// --- HTTP Exporter ---

const (
	httpBatchSize = 100
	httpMaxBuffer = 10 * httpBatchSize // oldest records are dropped beyond this
)

// HTTPExporter posts records as a JSON array once a batch is full or on
// Flush. Records survive a failed post until the buffer limit is reached.
type HTTPExporter struct {
	endpoint string
	client   *http.Client

	mu      sync.Mutex
	pending []RateLimitRecord
	sending bool
}

// NewHTTPExporter creates an exporter posting to endpoint.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Export buffers r and starts a background post when a batch is full.
func (e *HTTPExporter) Export(r RateLimitRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = append(e.pending, r)
	if over := len(e.pending) - httpMaxBuffer; over > 0 {
		e.pending = append(e.pending[:0], e.pending[over:]...)
	}
	if len(e.pending) >= httpBatchSize && !e.sending {
		e.sending = true
		go func() { _ = e.Flush() }()
	}
}

// Flush posts everything buffered.
func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	err := e.post(batch)

	e.mu.Lock()
	if err != nil {
		e.pending = append(batch, e.pending...)
	}
	e.sending = false
	e.mu.Unlock()
	return err
}

func (e *HTTPExporter) post(batch []RateLimitRecord) error {
	if len(batch) == 0 {
		return nil
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("event endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Close flushes the buffer.
func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- File Exporter ---

// FileExporter appends records to a file, one JSON object per line.
type FileExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
	f   *os.File
}

// NewFileExporter opens path for appending.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &FileExporter{f: f, enc: json.NewEncoder(f)}, nil
}

func (e *FileExporter) Export(r RateLimitRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(r)
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Sync()
}

func (e *FileExporter) Close() error {
	e.Flush()
	return e.f.Close()
}

// --- Noop Exporter ---

// NoopExporter discards all records.
type NoopExporter struct{}

func (NoopExporter) Export(RateLimitRecord) {}
func (NoopExporter) Flush() error           { return nil }
func (NoopExporter) Close() error           { return nil }
