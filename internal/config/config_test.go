package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.General.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.General.Workers)
	}
	if cfg.General.LeaseSeconds != 900 {
		t.Errorf("LeaseSeconds = %d, want 900", cfg.General.LeaseSeconds)
	}
	if cfg.Cost.SlackRatio != 1.25 {
		t.Errorf("Cost.SlackRatio = %v, want 1.25", cfg.Cost.SlackRatio)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
database_path = "/test/coordinator.db"
workers = 5

[retry]
default_max = 4

[web]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.DatabasePath != "/test/coordinator.db" {
		t.Errorf("DatabasePath = %q, want /test/coordinator.db", cfg.General.DatabasePath)
	}
	if cfg.General.Workers != 5 {
		t.Errorf("Workers = %d, want 5", cfg.General.Workers)
	}
	if cfg.Retry.DefaultMax != 4 {
		t.Errorf("Retry.DefaultMax = %d, want 4", cfg.Retry.DefaultMax)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.Workers != 3 {
		t.Errorf("Workers = %d, want default 3", cfg.General.Workers)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	content := `
[general]
workers = 5

[cost]
slack_ratio = 2.0
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGENT_WORKERS", "7")
	t.Setenv("AGENT_COST_SLACK_RATIO", "1.5")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.Workers != 7 {
		t.Errorf("Workers = %d, want env override 7", cfg.General.Workers)
	}
	if cfg.Cost.SlackRatio != 1.5 {
		t.Errorf("SlackRatio = %v, want env override 1.5", cfg.Cost.SlackRatio)
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want sk-test", cfg.Provider.APIKey)
	}
}

func TestLoad_MalformedEnvIgnored(t *testing.T) {
	t.Setenv("AGENT_WORKERS", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.Workers != 3 {
		t.Errorf("Workers = %d, want default 3 when env is malformed", cfg.General.Workers)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
