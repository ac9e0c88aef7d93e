package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/dispatchkit/bus"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/ratelimit"
	"github.com/vinayprograms/dispatchkit/shutdown"
	"github.com/vinayprograms/dispatchkit/telemetry"
)

// Stack holds the runtime components built from a Config.
type Stack struct {
	Logger   *logging.Logger
	Throttle ratelimit.Throttle
	Events   ratelimit.EventHandler
	Tracer   *telemetry.Tracer
	Bus      bus.MessageBus // nil unless the bus backend or event publishing is enabled

	backends []backend
}

type backend struct {
	name    string
	handler shutdown.ShutdownHandler
}

// Open builds the logger, global throttle, event handlers and tracer. The
// stack must be closed, directly or through a shutdown coordinator.
func (c *Config) Open(ctx context.Context) (_ *Stack, err error) {
	s := &Stack{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	var logFile io.Closer
	if s.Logger, logFile, err = c.logger(); err != nil {
		return nil, err
	}
	if logFile != nil {
		s.add("log", shutdown.Closer(logFile))
	}

	if c.Global.Backend == BackendBus || c.Events.Publish {
		nc := bus.DefaultNATSConfig()
		nc.URL = c.Global.NATSURL
		nc.Name = "dispatchkit"
		nc.Logger = s.Logger.WithComponent("bus")
		nb, err := bus.NewNATSBus(nc)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		s.Bus = nb
		s.add("bus", shutdown.Closer(nb))
	}

	switch c.Global.Backend {
	case BackendBus:
		dt, err := ratelimit.NewDistributedThrottle(ratelimit.DistributedConfig{
			Bus:        s.Bus,
			InstanceID: c.Global.InstanceID,
			Logger:     s.Logger.WithComponent("throttle"),
		})
		if err != nil {
			return nil, err
		}
		s.Throttle = dt
		s.add("throttle", shutdown.Closer(dt))
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Global.RedisAddr,
			Password: c.Global.RedisPassword,
			DB:       c.Global.RedisDB,
		})
		s.add("redis", shutdown.Closer(client))
		rt, err := ratelimit.NewRedisThrottle(client, c.Global.RedisKey)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.Throttle = rt
	default:
		s.Throttle = ratelimit.NewGlobalThrottle()
	}

	var handlers []ratelimit.EventHandler
	if c.Events.Publish {
		handlers = append(handlers, ratelimit.BusPublisher(s.Bus))
	}
	if c.Events.Exporter != "" {
		exp, err := telemetry.NewExporter(c.Events.Exporter, c.Events.Endpoint)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, ratelimit.ExporterHandler(exp))
		s.add("events", shutdown.Closer(exp))
	}
	if len(handlers) > 0 {
		s.Events = ratelimit.Handlers(handlers...)
	}

	s.Tracer = telemetry.GetTracer()
	if c.Telemetry.Endpoint != "" {
		p, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: c.Telemetry.ServiceName,
			Endpoint:    c.Telemetry.Endpoint,
			Protocol:    c.Telemetry.Protocol,
			Insecure:    c.Telemetry.Insecure,
			Debug:       c.Telemetry.Debug,
			SampleRatio: c.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, err
		}
		s.Tracer = p.Tracer()
		s.add("telemetry", shutdown.ShutdownFunc(p.Shutdown))
	}

	return s, nil
}

func (c *Config) logger() (*logging.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, nil, err
	}

	l := logging.New()
	l.SetLevel(level)

	switch c.Logging.Output {
	case "", "stdout":
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(c.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.SetOutput(f)
		return l, f, nil
	}
	return l, nil, nil
}

func (s *Stack) add(name string, h shutdown.ShutdownHandler) {
	s.backends = append(s.backends, backend{name: name, handler: h})
}

// Options returns the dispatcher options for the stack.
func (s *Stack) Options() []ratelimit.Option {
	opts := []ratelimit.Option{
		ratelimit.WithLogger(s.Logger.WithComponent("dispatcher")),
		ratelimit.WithThrottle(s.Throttle),
		ratelimit.WithTracer(s.Tracer),
	}
	if s.Events != nil {
		opts = append(opts, ratelimit.WithEventHandler(s.Events))
	}
	return opts
}

// Register hands the stack's backends to a shutdown coordinator so they
// close after the dispatcher.
func (s *Stack) Register(coord *shutdown.Coordinator) {
	for _, b := range s.backends {
		coord.RegisterWithPhase(b.name, b.handler, shutdown.PhaseBackend)
	}
	s.backends = nil
}

// Close releases the stack's backends in reverse order of creation.
func (s *Stack) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(s.backends) - 1; i >= 0; i-- {
		if err := s.backends[i].handler.OnShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.backends[i].name, err))
		}
	}
	s.backends = nil
	return errors.Join(errs...)
}

var _ io.Closer = (*Stack)(nil)
