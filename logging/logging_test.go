package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("dispatcher")
	logger.SetOutput(&buf)

	logger.Info("test message")

	if !strings.Contains(buf.String(), "[dispatcher]") {
		t.Errorf("expected component 'dispatcher' in log, got: %s", buf.String())
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("test")
	logger.SetOutput(&buf)

	logger.Info("hello world", map[string]interface{}{"b": 2, "a": 1})

	output := buf.String()
	if !strings.HasPrefix(output, "INFO ") {
		t.Errorf("expected line to start with 'INFO ', got: %s", output)
	}
	if !strings.Contains(output, "hello world a=1 b=2") {
		t.Errorf("expected sorted fields, got: %s", output)
	}
}

func TestLogger_RateLimited(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.RateLimited("route:GET guilds/{guild_id}:42", "GET guilds/{guild_id}", true, 2*time.Second)

	output := buf.String()
	if !strings.Contains(output, "WARN") {
		t.Error("rate limit should log at WARN")
	}
	for _, want := range []string{"global=true", "retry_after=2s", "route=GET guilds/{guild_id}"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in %s", want, output)
		}
	}
}

func TestLogger_DebugEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelDebug)

	logger.Throttled("client:send_edit", "req-1", 250*time.Millisecond)
	logger.Redirected("route:a", "hash:abc")
	logger.Evicted(3, 7)
	logger.TransportError("route:a", "GET a", errors.New("connection reset"))

	output := buf.String()
	for _, want := range []string{"throttled", "wait=250ms", "bucket_redirect", "evicted=3", "error=connection reset"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in %s", want, output)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("dropped")
}
