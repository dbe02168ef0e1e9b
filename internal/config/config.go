// Package config loads $ARIA_HOME/config.yaml with ARIA_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ariaaba/ariasync/internal/otel"
)

type TextGenConfig struct {
	// Provider is "anthropic" (genkit) or "http".
	Provider        string         `yaml:"provider"`
	Model           string         `yaml:"model"`
	APIKey          string         `yaml:"api_key"`
	Endpoint        string         `yaml:"endpoint"`
	TimeoutSeconds  int            `yaml:"timeout_seconds"`
	MaxRetries      int            `yaml:"max_retries"`
	SectionTimeouts map[string]int `yaml:"section_timeouts"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	JWTSecret       string `yaml:"jwt_secret"`
	RateLimitMax    int    `yaml:"rate_limit_max"`
	RateLimitWindow string `yaml:"rate_limit_window"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	StorageDSN  string `yaml:"storage_dsn"`
	RemoteDSN   string `yaml:"remote_dsn"`
	RemoteToken string `yaml:"remote_token"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	DebounceMS  int    `yaml:"debounce_ms"`
	SavedHoldMS int    `yaml:"saved_hold_ms"`

	TextGen TextGenConfig `yaml:"textgen"`
	Server  ServerConfig  `yaml:"server"`
	OTel    otel.Config   `yaml:"otel"`
}

func (c Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c Config) SavedHold() time.Duration {
	return time.Duration(c.SavedHoldMS) * time.Millisecond
}

func (c Config) RateLimitWindow() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Server.RateLimitWindow))
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

func (c Config) TextGenTimeout() time.Duration {
	return time.Duration(c.TextGen.TimeoutSeconds) * time.Second
}

// SectionTimeouts converts the configured per-section seconds.
func (c Config) SectionTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.TextGen.SectionTimeouts))
	for section, seconds := range c.TextGen.SectionTimeouts {
		if seconds > 0 {
			out[section] = time.Duration(seconds) * time.Second
		}
	}
	return out
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("ARIA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".aria")
}

func defaultConfig() Config {
	return Config{
		StorageDSN:  "memory://",
		RemoteDSN:   "memory://",
		LogLevel:    "info",
		LogFormat:   "text",
		DebounceMS:  1000,
		SavedHoldMS: 2000,
		TextGen: TextGenConfig{
			Provider:       "anthropic",
			TimeoutSeconds: 45,
			MaxRetries:     3,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimitWindow: "1m",
			MaxBodyBytes:    1 << 20,
		},
		OTel: otel.Config{
			Exporter:    "none",
			ServiceName: "aria",
			SampleRate:  1,
		},
	}
}

// Load reads config.yaml from HomeDir. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Save writes cfg to config.yaml, creating the home directory.
func Save(cfg Config) error {
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create aria home: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o600)
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.StorageDSN) == "" {
		cfg.StorageDSN = "memory://"
	}
	if strings.TrimSpace(cfg.RemoteDSN) == "" {
		cfg.RemoteDSN = "memory://"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.LogFormat != "json" {
		cfg.LogFormat = "text"
	}
	if cfg.DebounceMS <= 0 {
		cfg.DebounceMS = 1000
	}
	if cfg.SavedHoldMS <= 0 {
		cfg.SavedHoldMS = 2000
	}
	cfg.TextGen.Provider = strings.ToLower(strings.TrimSpace(cfg.TextGen.Provider))
	if cfg.TextGen.Provider == "" {
		cfg.TextGen.Provider = "anthropic"
	}
	if cfg.TextGen.TimeoutSeconds <= 0 {
		cfg.TextGen.TimeoutSeconds = 45
	}
	if cfg.TextGen.MaxRetries < 0 {
		cfg.TextGen.MaxRetries = 0
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "aria"
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ARIA_STORAGE_DSN"); raw != "" {
		cfg.StorageDSN = raw
	}
	if raw := os.Getenv("ARIA_REMOTE_DSN"); raw != "" {
		cfg.RemoteDSN = raw
	}
	if raw := os.Getenv("ARIA_REMOTE_TOKEN"); raw != "" {
		cfg.RemoteToken = raw
	}
	if raw := os.Getenv("ARIA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ARIA_LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}
	if raw := os.Getenv("ARIA_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DebounceMS = v
		}
	}
	if raw := os.Getenv("ARIA_SAVED_HOLD_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SavedHoldMS = v
		}
	}
	if raw := os.Getenv("ARIA_TEXTGEN_PROVIDER"); raw != "" {
		cfg.TextGen.Provider = raw
	}
	if raw := os.Getenv("ARIA_TEXTGEN_MODEL"); raw != "" {
		cfg.TextGen.Model = raw
	}
	if raw := os.Getenv("ARIA_TEXTGEN_ENDPOINT"); raw != "" {
		cfg.TextGen.Endpoint = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" && cfg.TextGen.APIKey == "" {
		cfg.TextGen.APIKey = raw
	}
	if raw := os.Getenv("ARIA_TEXTGEN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TextGen.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("ARIA_JWT_SECRET"); raw != "" {
		cfg.Server.JWTSecret = raw
	}
	if raw := os.Getenv("ARIA_STORE_ADDR"); raw != "" {
		cfg.Server.Addr = raw
	}
	if raw := os.Getenv("ARIA_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("ARIA_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" && cfg.OTel.Endpoint == "" {
		cfg.OTel.Endpoint = raw
	}
}
