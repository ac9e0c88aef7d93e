// Package config loads dispatcher configuration from TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/ratelimit"
)

// FileName is the configuration file looked for by Load.
const FileName = "dispatch.toml"

// Global throttle backends.
const (
	BackendMemory = "memory"
	BackendBus    = "bus"
	BackendRedis  = "redis"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string ("750ms", "1m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete file configuration.
type Config struct {
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Global     GlobalConfig     `toml:"global"`
	Buckets    []BucketConfig   `toml:"bucket"`
	REST       RESTConfig       `toml:"rest"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Logging    LoggingConfig    `toml:"logging"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Events     EventsConfig     `toml:"events"`
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	ReapInterval        Duration `toml:"reap_interval"`
	IdleTimeout         Duration `toml:"idle_timeout"`
	MaxRateLimitRetries int      `toml:"max_rate_limit_retries"`
}

// GlobalConfig selects where the global pause deadline lives.
type GlobalConfig struct {
	Backend string `toml:"backend"`

	// bus backend
	NATSURL    string `toml:"nats_url"`
	InstanceID string `toml:"instance_id"`

	// redis backend
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisKey      string `toml:"redis_key"`
}

// BucketConfig overrides or adds a static scope.
type BucketConfig struct {
	Kind   string   `toml:"kind"` // "gateway" or "client"
	Name   string   `toml:"name"`
	Limit  int      `toml:"limit"`
	Window Duration `toml:"window"`
}

// RESTConfig configures the HTTP client.
type RESTConfig struct {
	BaseURL   string   `toml:"base_url"`
	UserAgent string   `toml:"user_agent"`
	Timeout   Duration `toml:"timeout"`
}

// GatewayConfig configures the gateway connection.
type GatewayConfig struct {
	URL              string   `toml:"url"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Output string `toml:"output"` // "stdout", "stderr" or a file path
}

// TelemetryConfig configures OTLP tracing. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
	Debug       bool    `toml:"debug"`
}

// EventsConfig selects where rate-limit events go.
type EventsConfig struct {
	// Publish sends events on the message bus (requires nats_url).
	Publish bool `toml:"publish"`

	// Exporter is "http", "file" or empty.
	Exporter string `toml:"exporter"`
	Endpoint string `toml:"endpoint"`
}

// Default returns the built-in configuration.
func Default() *Config {
	d := ratelimit.DefaultConfig()
	return &Config{
		Dispatcher: DispatcherConfig{
			ReapInterval:        Duration{d.ReapInterval},
			IdleTimeout:         Duration{d.IdleTimeout},
			MaxRateLimitRetries: d.MaxRateLimitRetries,
		},
		Global: GlobalConfig{
			Backend:   BackendMemory,
			NATSURL:   "nats://localhost:4222",
			RedisAddr: "localhost:6379",
			RedisKey:  ratelimit.DefaultRedisKey,
		},
		REST: RESTConfig{
			BaseURL:   "https://discord.com/api/v10",
			UserAgent: "DiscordBot (https://github.com/vinayprograms/dispatchkit, 1.0)",
			Timeout:   Duration{30 * time.Second},
		},
		Gateway: GatewayConfig{
			URL:              "wss://gateway.discord.gg/?v=10&encoding=json",
			HandshakeTimeout: Duration{10 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
	}
}

// StandardPaths returns the locations Load searches, in order.
func StandardPaths() []string {
	paths := []string{FileName}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "dispatchkit", FileName))
	}
	return paths
}

// Load reads the first configuration file found in StandardPaths. It
// returns the defaults and an empty path when none exists.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// LoadFile reads and validates a configuration file.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML content over the defaults and validates the result.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Dispatcher.ReapInterval.Duration < 0 || c.Dispatcher.IdleTimeout.Duration < 0 {
		return fmt.Errorf("%w: dispatcher durations must not be negative", ErrInvalid)
	}
	if c.Dispatcher.MaxRateLimitRetries < 0 {
		return fmt.Errorf("%w: max_rate_limit_retries must not be negative", ErrInvalid)
	}

	switch c.Global.Backend {
	case BackendMemory:
	case BackendBus:
		if c.Global.NATSURL == "" {
			return fmt.Errorf("%w: bus backend needs nats_url", ErrInvalid)
		}
	case BackendRedis:
		if c.Global.RedisAddr == "" {
			return fmt.Errorf("%w: redis backend needs redis_addr", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown global backend %q", ErrInvalid, c.Global.Backend)
	}

	for i, b := range c.Buckets {
		if _, err := parseKind(b.Kind); err != nil {
			return fmt.Errorf("%w: bucket %d: %v", ErrInvalid, i, err)
		}
		if b.Name == "" {
			return fmt.Errorf("%w: bucket %d has no name", ErrInvalid, i)
		}
		if b.Limit <= 0 || b.Window.Duration <= 0 {
			return fmt.Errorf("%w: bucket %s needs a positive limit and window", ErrInvalid, b.Name)
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch strings.ToLower(c.Telemetry.Protocol) {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("%w: unknown telemetry protocol %q", ErrInvalid, c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: sample_ratio must be within [0, 1]", ErrInvalid)
	}

	switch c.Events.Exporter {
	case "":
	case "http", "file":
		if c.Events.Endpoint == "" {
			return fmt.Errorf("%w: %s event exporter needs an endpoint", ErrInvalid, c.Events.Exporter)
		}
	default:
		return fmt.Errorf("%w: unknown event exporter %q", ErrInvalid, c.Events.Exporter)
	}
	if c.Events.Publish && c.Global.NATSURL == "" {
		return fmt.Errorf("%w: publishing events needs nats_url", ErrInvalid)
	}

	return nil
}

// Ratelimit converts the configuration into dispatcher settings. Declared
// buckets override the built-in static scopes of the same name.
func (c *Config) Ratelimit() ratelimit.Config {
	rc := ratelimit.DefaultConfig()
	rc.ReapInterval = c.Dispatcher.ReapInterval.Duration
	rc.IdleTimeout = c.Dispatcher.IdleTimeout.Duration
	rc.MaxRateLimitRetries = c.Dispatcher.MaxRateLimitRetries

	for _, b := range c.Buckets {
		kind, _ := parseKind(b.Kind)
		rc.Buckets[ratelimit.StaticKey(kind, b.Name)] = ratelimit.Limit{
			Count:  b.Limit,
			Window: b.Window.Duration,
		}
	}
	return rc
}

func parseKind(s string) (ratelimit.Kind, error) {
	switch strings.ToLower(s) {
	case "gateway":
		return ratelimit.KindGateway, nil
	case "client":
		return ratelimit.KindClient, nil
	default:
		return 0, fmt.Errorf("unknown bucket kind %q", s)
	}
}
