package shutdown

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/vinayprograms/dispatchkit/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown is returned by a Shutdown call that overlaps a
	// shutdown already in progress.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates the context ended before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by dispatchkit components. Lower phases stop first.
const (
	// PhaseTransport stops the producers of work: gateway connections and
	// REST clients.
	PhaseTransport = 10

	// PhaseDispatcher cancels queued and in-flight work.
	PhaseDispatcher = 20

	// PhaseBackend closes what the dispatcher depended on: global throttle
	// backends, message buses and telemetry exporters.
	PhaseBackend = 30
)

// ShutdownHandler is implemented by components that need an orderly stop.
// The context is cancelled when the shutdown timeout is reached.
type ShutdownHandler interface {
	OnShutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to ShutdownHandler.
type ShutdownFunc func(ctx context.Context) error

// OnShutdown implements ShutdownHandler.
func (f ShutdownFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer. Close is not interruptible, so the handler
// returns early with the context's error if the deadline passes first.
func Closer(c io.Closer) ShutdownHandler {
	return ShutdownFunc(func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- c.Close() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// ShutdownResult is the outcome of a complete shutdown.
type ShutdownResult struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil when every handler succeeded.
	Err error
}

// Failed reports whether any handler failed or the shutdown timed out.
func (r *ShutdownResult) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *ShutdownResult) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a shutdown started by a signal or ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned by Register.
	// Default: PhaseDispatcher
	DefaultPhase int

	// ContinueOnError runs later phases after a handler fails.
	// Default: true
	ContinueOnError bool

	// Signals that start a shutdown in HandleSignals.
	// Default: SIGTERM, SIGINT
	Signals []os.Signal

	// Logger records progress. Default: discard
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 || c.DefaultPhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseDispatcher,
		ContinueOnError: true,
		Signals:         []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

type registration struct {
	name    string
	handler ShutdownHandler
	phase   int
}
