// Package config defines the conductor daemon configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/conductor/agent"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings and plain integer seconds.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		var secs int64
		if _, serr := fmt.Sscanf(s, "%d", &secs); serr != nil || fmt.Sprint(secs) != s {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		v = time.Duration(secs) * time.Second
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level conductor configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agents       AgentsConfig       `yaml:"agents"`
	Tools        ToolsConfig        `yaml:"tools"`
	Events       EventsConfig       `yaml:"events"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Store        StoreConfig        `yaml:"store"`
	Tracing      TracingConfig      `yaml:"tracing"`
	LogLevel     string             `yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr               string   `yaml:"addr"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	ReadHeaderTimeout  Duration `yaml:"read_header_timeout"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
}

// AuthConfig controls how caller identity is read. With a secret, bearer
// tokens are verified as HS256 JWTs; without one the X-User-ID header is
// trusted.
type AuthConfig struct {
	Secret string `yaml:"secret"`
}

// OrchestratorConfig tunes the scheduling loop.
type OrchestratorConfig struct {
	Tick         Duration      `yaml:"tick"`
	QueueTimeout Duration      `yaml:"queue_timeout"`
	Planner      PlannerConfig `yaml:"planner"`
}

// PlannerConfig selects how commands become plans. Provider "keyword" uses
// the built-in keyword rules; "anthropic" and "openai" ask a hosted model and
// fall back to the keyword rules when it fails. The API key is read from the
// environment variable named by APIKeyEnv.
type PlannerConfig struct {
	Provider  string   `yaml:"provider"`
	Model     string   `yaml:"model"`
	BaseURL   string   `yaml:"base_url"`
	APIKeyEnv string   `yaml:"api_key_env"`
	MaxTokens int      `yaml:"max_tokens"`
	Timeout   Duration `yaml:"timeout"`
}

// Planner providers.
const (
	PlannerKeyword   = "keyword"
	PlannerAnthropic = "anthropic"
	PlannerOpenAI    = "openai"
)

// AgentsConfig sizes the agent pool.
type AgentsConfig struct {
	Max          int                  `yaml:"max"`
	AutoSpawn    bool                 `yaml:"auto_spawn"`
	IdleTimeout  Duration             `yaml:"idle_timeout"`
	ReapSchedule string               `yaml:"reap_schedule"`
	Spawn        []agent.SpawnRequest `yaml:"spawn"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	DefaultTimeout Duration      `yaml:"default_timeout"`
	BaseDir        string        `yaml:"base_dir"`
	SearchURL      string        `yaml:"search_url"`
	HTTPTimeout    Duration      `yaml:"http_timeout"`
	Shell          ShellConfig   `yaml:"shell"`
	Browser        BrowserConfig `yaml:"browser"`
}

// ShellConfig configures cli_exec. A non-empty Container runs commands in
// that Docker container.
type ShellConfig struct {
	Container string `yaml:"container"`
	Workdir   string `yaml:"workdir"`
}

// BrowserConfig configures browser_navigate.
type BrowserConfig struct {
	Headless bool     `yaml:"headless"`
	Timeout  Duration `yaml:"timeout"`
}

// EventsConfig sizes the event bus and the live channel keepalive.
type EventsConfig struct {
	BufferSize      int      `yaml:"buffer_size"`
	SubscriberQueue int      `yaml:"subscriber_queue"`
	PingInterval    Duration `yaml:"ping_interval"`
	PingTimeout     Duration `yaml:"ping_timeout"`
}

// WebhooksConfig tunes webhook delivery.
type WebhooksConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
	Timeout    Duration `yaml:"timeout"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// TracingConfig toggles span export to stdout.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":9090",
			RateLimitPerMinute: 100,
			ReadHeaderTimeout:  Duration(15 * time.Second),
			ShutdownTimeout:    Duration(10 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			Tick: Duration(time.Second),
			Planner: PlannerConfig{
				Provider: PlannerKeyword,
				Timeout:  Duration(30 * time.Second),
			},
		},
		Agents: AgentsConfig{
			Max:          20,
			AutoSpawn:    true,
			IdleTimeout:  Duration(10 * time.Minute),
			ReapSchedule: "@every 1m",
			Spawn: []agent.SpawnRequest{
				{Role: agent.RoleResearch},
				{Role: agent.RoleCode},
				{Role: agent.RoleData},
				{Role: agent.RoleValidator},
			},
		},
		Tools: ToolsConfig{
			DefaultTimeout: Duration(30 * time.Second),
			BaseDir:        "./workspace",
			HTTPTimeout:    Duration(20 * time.Second),
			Browser:        BrowserConfig{Headless: true, Timeout: Duration(45 * time.Second)},
		},
		Events: EventsConfig{
			BufferSize:      1024,
			SubscriberQueue: 256,
			PingInterval:    Duration(30 * time.Second),
			PingTimeout:     Duration(10 * time.Second),
		},
		Webhooks: WebhooksConfig{
			MaxRetries: 3,
			BaseDelay:  Duration(500 * time.Millisecond),
			MaxDelay:   Duration(30 * time.Second),
			Timeout:    Duration(10 * time.Second),
		},
		Store:    StoreConfig{Driver: DriverMemory, Path: "./data/conductor.db"},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("server.rate_limit_per_minute must not be negative"))
	}
	if c.Orchestrator.Tick <= 0 {
		errs = append(errs, errors.New("orchestrator.tick must be positive"))
	}
	if c.Orchestrator.QueueTimeout < 0 {
		errs = append(errs, errors.New("orchestrator.queue_timeout must not be negative"))
	}
	switch c.Orchestrator.Planner.Provider {
	case "", PlannerKeyword, PlannerAnthropic, PlannerOpenAI:
	default:
		errs = append(errs, fmt.Errorf("orchestrator.planner.provider %q must be keyword, anthropic or openai", c.Orchestrator.Planner.Provider))
	}
	if c.Agents.Max < 0 {
		errs = append(errs, errors.New("agents.max must not be negative"))
	}
	if c.Agents.Max > 0 && len(c.Agents.Spawn) > c.Agents.Max {
		errs = append(errs, fmt.Errorf("agents.spawn lists %d agents, more than agents.max %d", len(c.Agents.Spawn), c.Agents.Max))
	}
	if c.Events.BufferSize <= 0 {
		errs = append(errs, errors.New("events.buffer_size must be positive"))
	}
	if c.Events.SubscriberQueue <= 0 {
		errs = append(errs, errors.New("events.subscriber_queue must be positive"))
	}
	if c.Webhooks.MaxRetries < 0 {
		errs = append(errs, errors.New("webhooks.max_retries must not be negative"))
	}
	if c.Webhooks.MaxDelay < c.Webhooks.BaseDelay {
		errs = append(errs, errors.New("webhooks.max_delay must not be below webhooks.base_delay"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or sqlite", c.Store.Driver))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// APIKey returns the planner API key from the environment. An empty
// APIKeyEnv selects the provider's conventional variable.
func (p PlannerConfig) APIKey() string {
	name := p.APIKeyEnv
	if name == "" {
		switch p.Provider {
		case PlannerAnthropic:
			name = "ANTHROPIC_API_KEY"
		case PlannerOpenAI:
			name = "OPENAI_API_KEY"
		default:
			return ""
		}
	}
	return os.Getenv(name)
}

// ParseLevel maps log_level onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q must be debug, info, warn or error", s)
}
