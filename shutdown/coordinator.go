package shutdown

import (
	"context"
	"fmt"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/dispatchkit/logging"
)

// Coordinator stops registered components phase by phase. Handlers in the
// same phase run concurrently.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  atomic.Bool
	err      error
	result   *ShutdownResult
	done     chan struct{}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}
	if len(config.Signals) == 0 {
		config.Signals = def.Signals
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Coordinator{
		config: config,
		logger: logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}, nil
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, h ShutdownHandler) {
	c.RegisterWithPhase(name, h, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in the given phase.
func (c *Coordinator) RegisterWithPhase(name string, h ShutdownHandler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds a function in the given phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.RegisterWithPhase(name, ShutdownFunc(fn), phase)
}

// Shutdown runs every phase in order. Later calls return the first call's
// error; a call overlapping one in progress returns ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.started.CompareAndSwap(false, true) {
		c.err = c.run(ctx)
		close(c.done)
		return c.err
	}

	select {
	case <-c.done:
		return c.err
	default:
		return ErrAlreadyShutdown
	}
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the
// configured Timeout when timeout is zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts a shutdown when one of the configured signals
// arrives or ctx is done. The returned function stops listening.
func (c *Coordinator) HandleSignals(ctx context.Context) (stop func()) {
	sigCtx, cancel := signal.NotifyContext(ctx, c.config.Signals...)

	go func() {
		select {
		case <-sigCtx.Done():
			c.logger.Info("shutdown_signal", map[string]interface{}{
				"cause": context.Cause(sigCtx).Error(),
			})
			_ = c.ShutdownWithTimeout(0)
		case <-c.done:
		}
	}()

	return cancel
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the detailed result once Done is closed.
func (c *Coordinator) Result() *ShutdownResult {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &ShutdownResult{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(start)
		c.result = result
		fields := map[string]interface{}{
			"handlers": len(result.Results),
			"duration": result.TotalDuration.String(),
		}
		if err != nil {
			fields["error"] = err.Error()
			c.logger.Warn("shutdown_incomplete", fields)
		} else {
			c.logger.Info("shutdown_complete", fields)
		}
		return err
	}

	var failed []string
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil {
				failed = append(failed, hr.Name)
			}
		}
		if len(failed) > 0 && !c.config.ContinueOnError {
			break
		}
	}

	if len(failed) > 0 {
		return finish(fmt.Errorf("%w: %v", ErrHandlerFailed, failed))
	}
	return finish(nil)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, reg := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := reg.handler.OnShutdown(ctx)
			results[i] = HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}

			fields := map[string]interface{}{
				"handler":  reg.name,
				"phase":    reg.phase,
				"duration": results[i].Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Error("shutdown_handler_failed", fields)
				return
			}
			c.logger.Debug("shutdown_handler_done", fields)
		}()
	}

	wg.Wait()
	return results
}

// groupByPhase splits handlers sorted by phase into one slice per phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
