package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
	// check validates a loaded value and any value before it is persisted.
	check func(v any) error
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw to the key's type and validates it.
func (s keySpec) parseValue(raw string) (any, error) {
	var v any = raw
	if s.typ == kInt {
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		v = i
	}
	if s.check != nil {
		if err := s.check(v); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", s.key, err)
		}
	}
	return v, nil
}

func oneOf(allowed ...string) func(any) error {
	return func(v any) error {
		if slices.Contains(allowed, v.(string)) {
			return nil
		}
		return fmt.Errorf("%q is not one of %s", v, strings.Join(allowed, ", "))
	}
}

func atLeast(n int) func(any) error {
	return func(v any) error {
		if v.(int) < n {
			return fmt.Errorf("must be at least %d, got %d", n, v)
		}
		return nil
	}
}

func checkPort(v any) error {
	if p := v.(int); p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range", p)
	}
	return nil
}

func checkDuration(v any) error {
	d, err := time.ParseDuration(v.(string))
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive, got %s", d)
	}
	return nil
}

func checkURL(v any) error {
	u, err := url.Parse(v.(string))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", v)
	}
	return nil
}

func nonEmpty(v any) error {
	if strings.TrimSpace(v.(string)) == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MEALSENSE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
		check:   checkPort,
	},
	{
		key: "server.mcp_port", typ: kInt, env: "MEALSENSE_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
		check:   checkPort,
	},
	{
		key: "server.api_token", typ: kString, env: "MEALSENSE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "oracle.provider", typ: kString, env: "MEALSENSE_ORACLE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Oracle.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.Provider },
		check:   oneOf(ProviderOpenRouter, ProviderOllama),
	},
	{
		key: "oracle.model", typ: kString, env: "MEALSENSE_ORACLE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Oracle.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.Model },
		check:   nonEmpty,
	},
	{
		key: "oracle.openrouter_api_key", typ: kString, env: "MEALSENSE_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Oracle.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.OpenRouterAPIKey },
	},
	{
		key: "oracle.ollama_url", typ: kString, env: "MEALSENSE_ORACLE_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Oracle.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.OllamaURL },
		check:   checkURL,
	},
	{
		key: "oracle.attempt_timeout", typ: kString, env: "MEALSENSE_ORACLE_ATTEMPT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Oracle.AttemptTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.AttemptTimeout },
		check:   checkDuration,
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEALSENSE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
		check:   nonEmpty,
	},
	{
		key: "cache.backend", typ: kString, env: "MEALSENSE_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
		check:   oneOf(CacheSQLite, CacheRedis),
	},
	{
		key: "cache.redis_addr", typ: kString, env: "MEALSENSE_CACHE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisAddr },
		check:   nonEmpty,
	},
	{
		key: "cache.freshness_days", typ: kInt, env: "MEALSENSE_CACHE_FRESHNESS_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Cache.FreshnessDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.FreshnessDays },
		check:   atLeast(1),
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "MEALSENSE_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
		check:   atLeast(1),
	},
	{
		key: "retry.initial_delay", typ: kString, env: "MEALSENSE_RETRY_INITIAL_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.InitialDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Retry.InitialDelay },
		check:   checkDuration,
	},
	{
		key: "retry.max_delay", typ: kString, env: "MEALSENSE_RETRY_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Retry.MaxDelay },
		check:   checkDuration,
	},
	{
		key: "retry.bad_json_attempts", typ: kInt, env: "MEALSENSE_RETRY_BAD_JSON_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.BadJSONAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.BadJSONAttempts },
		check:   atLeast(1),
	},
	{
		key: "events.batch_size", typ: kInt, env: "MEALSENSE_EVENTS_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Events.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Events.BatchSize },
		check:   atLeast(1),
	},
	{
		key: "events.flush_interval", typ: kString, env: "MEALSENSE_EVENTS_FLUSH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Events.FlushInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.FlushInterval },
		check:   checkDuration,
	},
	{
		key: "log.level", typ: kString, env: "MEALSENSE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
		check:   oneOf("debug", "info", "warn", "error"),
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		if s.typ == kString {
			s.apply(cfg, raw)
			continue
		}
		if i, err := strconv.Atoi(raw); err == nil {
			s.apply(cfg, i)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
		}
	}
}
