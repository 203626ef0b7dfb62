package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root service configuration.
type Config struct {
	General  GeneralConfig             `json:"general"`
	Backends map[string]BackendConfig  `json:"backends"`
	Store    StoreConfig               `json:"store"`
	Gateway  GatewayConfig             `json:"gateway"`
	Webhook  WebhookConfig             `json:"webhook"`
	Metrics  MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel     string `json:"logLevel"`
	AgentsDir    string `json:"agentsDir"`    // directory of agent/data-source YAML definitions
	DefaultAgent string `json:"defaultAgent"` // used when a chat does not name one
}

// BackendConfig configures one model backend. Keys of Config.Backends are the
// backend kinds: local, tunnel, responses.
type BackendConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Secret  string `json:"secret,omitempty"` // HMAC secret for inbound signatures
}

// WebhookConfig tunes action dispatch. Attempts are immediate, no backoff.
type WebhookConfig struct {
	Attempts       int `json:"attempts"`
	TimeoutSeconds int `json:"timeoutSeconds"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.agentgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentgate"
	}
	return filepath.Join(home, ".agentgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Defaults returns a config with sensible defaults for every section.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			AgentsDir: filepath.Join(DefaultConfigDir(), "agents"),
		},
		Backends: map[string]BackendConfig{
			"local": {Enabled: true, APIBase: "http://localhost:11434", DefaultModel: "llama3.1:8b"},
		},
		Store: StoreConfig{
			DBPath: filepath.Join(DefaultConfigDir(), "transcripts.db"),
		},
		Gateway: GatewayConfig{Enabled: true, Host: "127.0.0.1", Port: 8480},
		Webhook: WebhookConfig{Attempts: 3, TimeoutSeconds: 15},
		Metrics: MetricsConfig{Enabled: true, Endpoint: "/metrics"},
	}
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.AgentsDir = ExpandPath(cfg.General.AgentsDir)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.AgentsDir == "" {
		errs = append(errs, "general.agentsDir is required")
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 0 and 65535")
	}

	if cfg.Webhook.Attempts < 1 || cfg.Webhook.Attempts > 10 {
		errs = append(errs, "webhook.attempts must be between 1 and 10")
	}
	if cfg.Webhook.TimeoutSeconds < 1 {
		errs = append(errs, "webhook.timeoutSeconds must be >= 1")
	}

	for kind, bc := range cfg.Backends {
		switch kind {
		case "local", "tunnel", "responses":
		default:
			errs = append(errs, fmt.Sprintf("backends.%s: unknown backend kind", kind))
			continue
		}
		if bc.Enabled && kind != "local" && bc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("backends.%s: apiBase is required", kind))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
