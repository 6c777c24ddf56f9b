package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cellgate/internal/auth"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the configuration file at
// configPath. A directory is accepted if it contains config.yaml. If a
// checksum file sits next to the config, the config must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := VerifyChecksum(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds a config file by checking standard locations.
// Priority order: $CELLGATE_CONFIG, ~/.config/cellgate/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("CELLGATE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "cellgate", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", errors.New("no config found (checked: $CELLGATE_CONFIG, ~/.config/cellgate/config.yaml, ./config.yaml)")
}

// LockPath returns the single-instance lock path, defaulting to a file next
// to the journal.
func (c *Config) LockPath() string {
	if c.State.LockPath != "" {
		return c.State.LockPath
	}
	return filepath.Join(filepath.Dir(c.State.Path), "cellgate.lock")
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Dispatcher.BusyPollInterval == 0 {
		cfg.Dispatcher.BusyPollInterval = defaults.Dispatcher.BusyPollInterval
	}

	if cfg.Backend.Kind == "" {
		if len(cfg.Backend.Command) > 0 {
			cfg.Backend.Kind = BackendProcess
		} else {
			cfg.Backend.Kind = defaults.Backend.Kind
		}
	}
	if cfg.Backend.Kind == BackendSimulated && cfg.Backend.SimulatedLatency == 0 {
		cfg.Backend.SimulatedLatency = defaults.Backend.SimulatedLatency
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.RateLimit.RequestsPerSecond == 0 {
		cfg.API.RateLimit.RequestsPerSecond = defaults.API.RateLimit.RequestsPerSecond
	}
	if cfg.API.RateLimit.Burst == 0 {
		cfg.API.RateLimit.Burst = defaults.API.RateLimit.Burst
	}

	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = defaults.Events.Buffer
	}

	if cfg.Webhooks.Listen == "" {
		cfg.Webhooks.Listen = defaults.Webhooks.Listen
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validation rejects it where a value is required.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Dispatcher.BusyPollInterval < 0 {
		return fmt.Errorf("dispatcher.busy_poll_interval must not be negative")
	}

	switch cfg.Backend.Kind {
	case BackendProcess:
		if len(cfg.Backend.Command) == 0 {
			return fmt.Errorf("backend.command is required for backend.kind %q", BackendProcess)
		}
		for k, v := range cfg.Backend.Env {
			if envVarPattern.MatchString(v) {
				return fmt.Errorf("backend.env.%s: environment variable %s is not set", k, envVarPattern.FindString(v))
			}
		}
	case BackendSimulated:
		if cfg.Backend.SimulatedLatency < 0 {
			return fmt.Errorf("backend.simulated_latency must not be negative")
		}
	default:
		return fmt.Errorf("backend.kind must be %q or %q (got %q)", BackendProcess, BackendSimulated, cfg.Backend.Kind)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if envVarPattern.MatchString(cfg.API.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.APIKey)
			return fmt.Errorf("api.api_key: environment variable ${%s} is not set", matches[1])
		}
		for i, tok := range cfg.API.Tokens {
			if m := envVarPattern.FindStringSubmatch(tok.Token); m != nil {
				return fmt.Errorf("api.tokens[%d].token: environment variable ${%s} is not set", i, m[1])
			}
			if tok.Token == "" {
				return fmt.Errorf("api.tokens[%d].token is empty", i)
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.tokens[%d].scopes must not be empty", i)
			}
			for _, scope := range tok.Scopes {
				if err := auth.ValidateScope(scope); err != nil {
					return fmt.Errorf("api.tokens[%d]: %w", i, err)
				}
			}
		}
		if cfg.API.APIKey == "" && len(cfg.API.Tokens) == 0 {
			return fmt.Errorf("api.api_key or api.tokens is required when the API is enabled")
		}
		if cfg.API.RateLimit.RequestsPerSecond < 0 || cfg.API.RateLimit.Burst < 0 {
			return fmt.Errorf("api.rate_limit values must not be negative")
		}
	}

	if cfg.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer must not be negative")
	}

	if cfg.Webhooks.Enabled {
		if len(cfg.Webhooks.Endpoints) == 0 {
			return fmt.Errorf("webhooks.endpoints must not be empty when webhooks are enabled")
		}
		for i, ep := range cfg.Webhooks.Endpoints {
			if m := envVarPattern.FindStringSubmatch(ep.Secret); m != nil {
				return fmt.Errorf("webhooks.endpoints[%d].secret: environment variable ${%s} is not set", i, m[1])
			}
			if ep.Secret == "" {
				return fmt.Errorf("webhooks.endpoints[%d].secret is required", i)
			}
		}
	}
	return nil
}
