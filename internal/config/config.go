// Package config loads and validates the switchboard configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for switchboard.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Models     []ModelConfig    `yaml:"models"`
	Stream     StreamConfig     `yaml:"stream"`
	Agent      AgentConfig      `yaml:"agent"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AuthToken enables static bearer auth on /v1 routes when set.
	AuthToken string `yaml:"auth_token"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds per-client request rates on /v1 routes.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// RequestsPerSecond is the sustained refill rate per client.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the bucket size, how far a client may run ahead of the
	// sustained rate.
	Burst int `yaml:"burst"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// ClassifierConfig configures the decision backend call.
type ClassifierConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ModelConfig overrides or extends a catalog entry.
type ModelConfig struct {
	// ID is the catalog model id requests resolve against.
	ID string `yaml:"id"`

	// Provider selects the client family: "openai" or "anthropic".
	Provider string `yaml:"provider"`

	// Model is the upstream model name (fast path) or the runtime model
	// handed to the sandbox agent (agent path).
	Model string `yaml:"model"`

	// BaseURL points OpenAI-compatible entries at self-hosted gateways.
	BaseURL string `yaml:"base_url"`

	APIKey     string `yaml:"api_key"`
	MaxTokens  int    `yaml:"max_tokens"`
	Multimodal bool   `yaml:"multimodal"`

	// ThinkingBudget enables extended thinking on Anthropic entries when
	// positive, capping thinking tokens per call.
	ThinkingBudget int `yaml:"thinking_budget"`

	// Flavor is the sandbox flavor agent-path entries run on.
	Flavor string `yaml:"flavor"`
}

// StreamConfig configures the client-facing stream multiplexer.
type StreamConfig struct {
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	GlobalTimeout     time.Duration `yaml:"global_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	MaxRestarts       int           `yaml:"max_restarts"`
}

// AgentConfig configures agent-path execution.
type AgentConfig struct {
	// ReadTimeout bounds the silence between consecutive sandbox events.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// MaxReadRetries caps consecutive sandbox read timeouts; the run
	// fails when the cap is reached.
	MaxReadRetries int `yaml:"max_read_retries"`
}

// SandboxConfig configures the sandbox platform and warm pool.
type SandboxConfig struct {
	Daytona             DaytonaConfig           `yaml:"daytona"`
	Flavors             map[string]FlavorConfig `yaml:"flavors"`
	CreateTimeout       time.Duration           `yaml:"create_timeout"`
	MaintenanceInterval time.Duration           `yaml:"maintenance_interval"`

	// AgentPath is the path of the in-sandbox agent endpoint on the
	// sandbox's public base URL.
	AgentPath string `yaml:"agent_path"`
}

// DaytonaConfig holds platform credentials and placement.
type DaytonaConfig struct {
	APIKey         string `yaml:"api_key"`
	JWTToken       string `yaml:"jwt_token"`
	OrganizationID string `yaml:"organization_id"`
	APIURL         string `yaml:"api_url"`
	Target         string `yaml:"target"`
}

// FlavorConfig describes one warm pool flavor.
type FlavorConfig struct {
	// Snapshot is the prebuilt sandbox snapshot to boot from.
	Snapshot string `yaml:"snapshot"`

	// Image builds a sandbox from a base image when no snapshot exists.
	Image string `yaml:"image"`

	Class  string `yaml:"class"`
	CPU    int    `yaml:"cpu"`
	Memory int    `yaml:"memory"`

	// TargetWarm is how many warm sandboxes maintenance keeps ready.
	TargetWarm int `yaml:"target_warm"`

	// MaxAge evicts warm sandboxes older than this.
	MaxAge time.Duration `yaml:"max_age"`

	// MaxRequests retires a sandbox after serving this many tasks.
	MaxRequests int `yaml:"max_requests"`
}

// Load reads and parses the configuration file. An empty path returns the
// built-in defaults so fully env-driven deployments need no file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Streams are long-lived; the write timeout must outlast the
		// global stream timeout.
		cfg.Server.WriteTimeout = 620 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = 10
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Classifier.Model == "" {
		cfg.Classifier.Model = "gpt-4o-mini"
	}
	if cfg.Classifier.MaxTokens == 0 {
		cfg.Classifier.MaxTokens = 64
	}
	if cfg.Classifier.Timeout == 0 {
		cfg.Classifier.Timeout = time.Second
	}
	if cfg.Stream.KeepAliveInterval == 0 {
		cfg.Stream.KeepAliveInterval = 15 * time.Second
	}
	if cfg.Stream.GlobalTimeout == 0 {
		cfg.Stream.GlobalTimeout = 600 * time.Second
	}
	if cfg.Stream.BufferSize == 0 {
		cfg.Stream.BufferSize = 16
	}
	if cfg.Agent.ReadTimeout == 0 {
		cfg.Agent.ReadTimeout = 60 * time.Second
	}
	if cfg.Agent.MaxReadRetries == 0 {
		cfg.Agent.MaxReadRetries = 2
	}
	if cfg.Sandbox.CreateTimeout == 0 {
		cfg.Sandbox.CreateTimeout = 120 * time.Second
	}
	if cfg.Sandbox.MaintenanceInterval == 0 {
		cfg.Sandbox.MaintenanceInterval = 30 * time.Second
	}
	if cfg.Sandbox.AgentPath == "" {
		cfg.Sandbox.AgentPath = "/agent/v1"
	}
	if cfg.Sandbox.Flavors == nil {
		cfg.Sandbox.Flavors = map[string]FlavorConfig{}
	}
	for name, flavor := range cfg.Sandbox.Flavors {
		if flavor.MaxAge == 0 {
			flavor.MaxAge = 30 * time.Minute
		}
		if flavor.MaxRequests == 0 {
			flavor.MaxRequests = 8
		}
		cfg.Sandbox.Flavors[name] = flavor
	}
}

// Validate checks the configuration for contradictions that would only
// surface mid-request.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("server rate_limit requests_per_second must not be negative")
	}
	if c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server rate_limit burst must not be negative")
	}
	if c.Stream.KeepAliveInterval >= c.Stream.GlobalTimeout {
		return fmt.Errorf("keepalive interval %s must be shorter than global timeout %s",
			c.Stream.KeepAliveInterval, c.Stream.GlobalTimeout)
	}
	if c.Stream.MaxRestarts < 0 {
		return fmt.Errorf("stream max_restarts must not be negative")
	}
	if c.Agent.MaxReadRetries < 0 {
		return fmt.Errorf("agent max_read_retries must not be negative")
	}
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		switch m.Provider {
		case "", "openai", "anthropic":
		default:
			return fmt.Errorf("models[%d] (%s): unknown provider %q", i, m.ID, m.Provider)
		}
	}
	for name, flavor := range c.Sandbox.Flavors {
		if flavor.TargetWarm < 0 {
			return fmt.Errorf("sandbox flavor %s: target_warm must not be negative", name)
		}
		if flavor.Snapshot == "" && flavor.Image == "" {
			return fmt.Errorf("sandbox flavor %s: snapshot or image is required", name)
		}
	}
	return nil
}
