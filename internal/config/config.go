package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General   GeneralConfig   `toml:"general"`
	Provider  ProviderConfig  `toml:"provider"`
	Cost      CostConfig      `toml:"cost"`
	Retry     RetryConfig     `toml:"retry"`
	Sweeper   SweeperConfig   `toml:"sweeper"`
	Web       WebConfig       `toml:"web"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath     string `toml:"database_path"`
	IntakeDir        string `toml:"intake_dir"`
	Workers          int    `toml:"workers"`
	PollIntervalSecs int    `toml:"poll_interval_secs"`
	LeaseSeconds     int    `toml:"lease_seconds"`
}

// ProviderConfig holds model API settings
type ProviderConfig struct {
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	TimeoutSecs int    `toml:"timeout_secs"`
}

// CostConfig holds spend-limit settings
type CostConfig struct {
	DefaultMaxUSD float64 `toml:"default_max_usd"`
	SlackRatio    float64 `toml:"slack_ratio"`
}

// RetryConfig holds re-attempt settings
type RetryConfig struct {
	DefaultMax int `toml:"default_max"`
}

// SweeperConfig holds lease-recovery settings
type SweeperConfig struct {
	Schedule string `toml:"schedule"`
}

// WebConfig holds the status/event endpoint settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// TelemetryConfig holds metric export settings
type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:     filepath.Join(home, ".agent-coord", "coordinator.db"),
			IntakeDir:        filepath.Join(home, ".agent-coord", "intake"),
			Workers:          3,
			PollIntervalSecs: 2,
			LeaseSeconds:     900,
		},
		Provider: ProviderConfig{
			BaseURL:     "https://api.anthropic.com",
			TimeoutSecs: 120,
		},
		Cost: CostConfig{
			SlackRatio: 1.25,
		},
		Retry: RetryConfig{
			DefaultMax: 1,
		},
		Sweeper: SweeperConfig{
			Schedule: "*/5 * * * *",
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Environment variables override both the file and the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.IntakeDir = ExpandPath(cfg.General.IntakeDir)
	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("AGENT_DB_PATH", &c.General.DatabasePath)
	envStr("AGENT_INTAKE_DIR", &c.General.IntakeDir)
	envInt("AGENT_WORKERS", &c.General.Workers)
	envInt("AGENT_LEASE_SECONDS", &c.General.LeaseSeconds)
	envStr("ANTHROPIC_BASE_URL", &c.Provider.BaseURL)
	envStr("ANTHROPIC_API_KEY", &c.Provider.APIKey)
	envFloat("AGENT_DEFAULT_MAX_COST_USD", &c.Cost.DefaultMaxUSD)
	envFloat("AGENT_COST_SLACK_RATIO", &c.Cost.SlackRatio)
	envInt("AGENT_RETRY_DEFAULT_MAX", &c.Retry.DefaultMax)
	envInt("AGENT_WEB_PORT", &c.Web.Port)
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-coord", "config.toml")
}
