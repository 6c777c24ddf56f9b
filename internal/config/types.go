package config

import "time"

// Backend kinds.
const (
	BackendProcess   = "process"
	BackendSimulated = "simulated"
)

// Config represents the complete cellgate configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Backend    BackendConfig    `yaml:"backend"`
	State      StateConfig      `yaml:"state"`
	API        APIConfig        `yaml:"api,omitempty"`
	Events     EventsConfig     `yaml:"events,omitempty"`
	Webhooks   WebhooksConfig   `yaml:"webhooks,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DispatcherConfig tunes the execution dispatcher.
type DispatcherConfig struct {
	BusyPollInterval time.Duration `yaml:"busy_poll_interval"`
	// StartIdle assumes the kernel is ready at startup instead of waiting for
	// its first idle notification.
	StartIdle bool `yaml:"start_idle"`
}

// BackendConfig selects and configures the execution backend.
type BackendConfig struct {
	Kind    string            `yaml:"kind"`
	Command []string          `yaml:"command,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	// SimulatedLatency is the per-request execution time of the simulated kernel.
	SimulatedLatency time.Duration `yaml:"simulated_latency,omitempty"`
}

// StateConfig defines journal storage settings.
type StateConfig struct {
	Path     string `yaml:"path"`
	LockPath string `yaml:"lock_path,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Listen    string          `yaml:"listen"`
	APIKey    string          `yaml:"api_key"`
	Tokens    []APIToken      `yaml:"tokens,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// APIToken is a scoped bearer token. api_key, when set, has every scope.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// RateLimitConfig bounds how fast clients may submit work.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// WebhooksConfig defines signed trigger endpoints that queue cells.
type WebhooksConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints,omitempty"`
}

// WebhookEndpoint is one trigger path and its HMAC secret.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"`
	Hidden          bool   `yaml:"hidden,omitempty"`
}

// EventsConfig sizes the in-memory event hub.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "cellgate",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Dispatcher: DispatcherConfig{
			BusyPollInterval: 50 * time.Millisecond,
		},
		Backend: BackendConfig{
			Kind:             BackendSimulated,
			SimulatedLatency: 10 * time.Millisecond,
		},
		State: StateConfig{
			Path: "./data/cellgate.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8765",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		Webhooks: WebhooksConfig{
			Listen: "127.0.0.1:8766",
		},
	}
}
