package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("AG_SET_VAR", "value1")
	t.Setenv("AG_EMPTY_VAR", "")

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"set variable", "${AG_SET_VAR}", "value1"},
		{"unset keeps original", "${AG_UNSET_VAR}", "${AG_UNSET_VAR}"},
		{"unset with default", "${AG_UNSET_VAR:-fallback}", "fallback"},
		{"empty with default", "${AG_EMPTY_VAR:-fallback}", "fallback"},
		{"set ignores default", "${AG_SET_VAR:-fallback}", "value1"},
		{"embedded", "prefix-${AG_SET_VAR}-suffix", "prefix-value1-suffix"},
		{"no variables", "plain text", "plain text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExpandEnvVars(tc.input); got != tc.want {
				t.Errorf("ExpandEnvVars(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestLoadAppliesDefaultsAndExpansion(t *testing.T) {
	t.Setenv("AG_TEST_API_KEY", "sekrit")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
		"general": {"logLevel": "debug", "agentsDir": "` + dir + `"},
		"backends": {
			"local": {"enabled": true},
			"tunnel": {"enabled": true, "apiBase": "https://tunnel.example.com/v1", "apiKey": "${AG_TEST_API_KEY}"}
		}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backends["tunnel"].APIKey != "sekrit" {
		t.Errorf("env var not expanded: %q", cfg.Backends["tunnel"].APIKey)
	}
	if cfg.Webhook.Attempts != 3 || cfg.Webhook.TimeoutSeconds != 15 {
		t.Errorf("webhook defaults not applied: %+v", cfg.Webhook)
	}
	if cfg.Gateway.Port != 8480 {
		t.Errorf("gateway default not applied: %d", cfg.Gateway.Port)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.General.LogLevel = "loud" }, "logLevel"},
		{"bad backend kind", func(c *Config) { c.Backends["cloud"] = BackendConfig{Enabled: true} }, "unknown backend kind"},
		{"tunnel without base", func(c *Config) { c.Backends["tunnel"] = BackendConfig{Enabled: true} }, "apiBase"},
		{"zero webhook attempts", func(c *Config) { c.Webhook.Attempts = 0 }, "attempts"},
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }, "port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := Defaults()
	cfg.General.LogLevel = "warn"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.General.LogLevel != "warn" {
		t.Errorf("round trip lost logLevel: %q", loaded.General.LogLevel)
	}
}
