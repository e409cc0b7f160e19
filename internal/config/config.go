// Package config loads mealsense settings from defaults, a JSON file and
// MEALSENSE_* environment variables, in that order.
package config

import (
	"fmt"
	"time"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"

	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
)

type Config struct {
	Server  ServerConfig
	Oracle  OracleConfig
	Storage StorageConfig
	Cache   CacheConfig
	Retry   RetryConfig
	Events  EventsConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// APIToken protects /v1 when set. Env only.
	APIToken string
}

type OracleConfig struct {
	Provider         string
	Model            string
	OpenRouterAPIKey string
	OllamaURL        string
	AttemptTimeout   string
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	Backend       string
	RedisAddr     string
	FreshnessDays int
}

type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    string
	MaxDelay        string
	BadJSONAttempts int
}

type EventsConfig struct {
	BatchSize     int
	FlushInterval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4100,
			MCPPort: 4101,
		},
		Oracle: OracleConfig{
			Provider:       ProviderOpenRouter,
			Model:          "openai/gpt-4o",
			OllamaURL:      "http://localhost:11434",
			AttemptTimeout: "60s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			Backend:       CacheSQLite,
			RedisAddr:     "localhost:6379",
			FreshnessDays: 7,
		},
		Retry: RetryConfig{
			MaxAttempts:     2,
			InitialDelay:    "1s",
			MaxDelay:        "5s",
			BadJSONAttempts: 2,
		},
		Events: EventsConfig{
			BatchSize:     20,
			FlushInterval: "5s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/mealsense/config.json and applies MEALSENSE_*
// environment overrides. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	for _, s := range specs {
		if s.check == nil {
			continue
		}
		if err := s.check(s.extract(c)); err != nil {
			return fmt.Errorf("invalid %s: %w", s.key, err)
		}
	}
	if c.Oracle.Provider == ProviderOpenRouter && c.Oracle.OpenRouterAPIKey == "" {
		return fmt.Errorf("missing required config: OpenRouter API key. " +
			"Set it via environment variable MEALSENSE_OPENROUTER_API_KEY")
	}
	return nil
}

// Duration parses a duration field that validate already checked.
func Duration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

// CacheFreshness returns the cache window.
func (c Config) CacheFreshness() time.Duration {
	return time.Duration(c.Cache.FreshnessDays) * 24 * time.Hour
}
