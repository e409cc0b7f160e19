package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every MEALSENSE_* variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEALSENSE_OPENROUTER_API_KEY", "test-key")

	cfg, err := loadWith(writeTempConfig(t, `{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 || cfg.Server.MCPPort != 4101 {
		t.Errorf("ports = %d/%d, want 4100/4101", cfg.Server.Port, cfg.Server.MCPPort)
	}
	if cfg.Oracle.Provider != ProviderOpenRouter {
		t.Errorf("Oracle.Provider = %q", cfg.Oracle.Provider)
	}
	if cfg.Cache.Backend != CacheSQLite || cfg.CacheFreshness() != 7*24*time.Hour {
		t.Errorf("cache = %q/%v, want sqlite/7d", cfg.Cache.Backend, cfg.CacheFreshness())
	}
	if cfg.Retry.MaxAttempts != 2 || cfg.Retry.BadJSONAttempts != 2 {
		t.Errorf("retry attempts = %d/%d, want 2/2", cfg.Retry.MaxAttempts, cfg.Retry.BadJSONAttempts)
	}
	if Duration(cfg.Retry.InitialDelay) != time.Second || Duration(cfg.Retry.MaxDelay) != 5*time.Second {
		t.Errorf("retry delays = %s/%s", cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
	}
	if cfg.Events.BatchSize != 20 || Duration(cfg.Events.FlushInterval) != 5*time.Second {
		t.Errorf("events = %d/%s", cfg.Events.BatchSize, cfg.Events.FlushInterval)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

// TestFileValues verifies that fields are read from the JSON file.
func TestFileValues(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
  "server.port": 5000,
  "oracle.provider": "ollama",
  "oracle.model": "llava:13b",
  "storage.data_dir": "/tmp/mealsense-test",
  "cache.backend": "redis",
  "cache.freshness_days": "3",
  "events.flush_interval": "2s"
}`)

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Oracle.Provider != ProviderOllama || cfg.Oracle.Model != "llava:13b" {
		t.Errorf("oracle = %q/%q", cfg.Oracle.Provider, cfg.Oracle.Model)
	}
	if cfg.Storage.DataDir != "/tmp/mealsense-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Cache.Backend != CacheRedis || cfg.Cache.FreshnessDays != 3 {
		t.Errorf("cache = %q/%d", cfg.Cache.Backend, cfg.Cache.FreshnessDays)
	}
	if cfg.Events.FlushInterval != "2s" {
		t.Errorf("Events.FlushInterval = %q", cfg.Events.FlushInterval)
	}
}

// TestEnvOverride verifies that environment variables override file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server.port": 5000, "log.level": "info"}`)
	t.Setenv("MEALSENSE_OPENROUTER_API_KEY", "env-key")
	t.Setenv("MEALSENSE_SERVER_PORT", "6000")
	t.Setenv("MEALSENSE_LOG_LEVEL", "debug")
	t.Setenv("MEALSENSE_RETRY_MAX_ATTEMPTS", "not-a-number")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Oracle.OpenRouterAPIKey != "env-key" {
		t.Errorf("OpenRouterAPIKey = %q, want env-key", cfg.Oracle.OpenRouterAPIKey)
	}
	if cfg.Retry.MaxAttempts != 2 {
		t.Errorf("unparseable env should keep default, got %d", cfg.Retry.MaxAttempts)
	}
}

// TestSecretsIgnoredInFile verifies secrets are only read from the environment.
func TestSecretsIgnoredInFile(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"oracle.openrouter_api_key": "file-key", "server.api_token": "file-token"}`)

	_, err := loadWith(b)
	if err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Fatalf("err = %v, want missing API key", err)
	}
}

func TestAPIKeyOnlyRequiredForOpenRouter(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEALSENSE_ORACLE_PROVIDER", "ollama")

	cfg, err := loadWith(writeTempConfig(t, `{}`))
	if err != nil {
		t.Fatalf("ollama without API key should load: %v", err)
	}
	if cfg.Oracle.OpenRouterAPIKey != "" {
		t.Errorf("unexpected key %q", cfg.Oracle.OpenRouterAPIKey)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		file string
		want string
	}{
		{"unknown provider", `{"oracle.provider": "gemini"}`, "oracle.provider"},
		{"unknown cache backend", `{"cache.backend": "memcached"}`, "cache.backend"},
		{"zero freshness", `{"cache.freshness_days": 0}`, "freshness_days"},
		{"bad duration", `{"retry.max_delay": "soon"}`, "retry.max_delay"},
		{"zero attempts", `{"retry.max_attempts": 0}`, "attempts"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("MEALSENSE_OPENROUTER_API_KEY", "k")
			_, err := loadWith(writeTempConfig(t, tc.file))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEALSENSE_OPENROUTER_API_KEY", "k")
	b := writeTempConfig(t, `{}`)

	if err := setKey(b, "server.port", "7000"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "server.port", "seven"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "oracle.openrouter_api_key", "x"); err == nil || !strings.Contains(err.Error(), "MEALSENSE_OPENROUTER_API_KEY") {
		t.Errorf("secret set err = %v", err)
	}
	if err := setKey(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	for key, value := range map[string]string{
		"oracle.provider":         "gemini",
		"cache.backend":           "memcached",
		"cache.freshness_days":    "0",
		"server.port":             "70000",
		"retry.max_delay":         "soon",
		"events.flush_interval":   "-1s",
		"oracle.ollama_url":       "localhost:11434",
		"log.level":               "verbose",
		"retry.bad_json_attempts": "0",
	} {
		if err := setKey(b, key, value); err == nil || !strings.Contains(err.Error(), key) {
			t.Errorf("setKey(%s, %q) err = %v, want rejection naming the key", key, value, err)
		}
	}

	// Reload from disk.
	cfg, err := loadWith(newFileBackend(b.path))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port after set = %d, want 7000", cfg.Server.Port)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Oracle.OpenRouterAPIKey = "sk-secret"
	cfg.Server.APIToken = "tok"

	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Key, "api_key") || strings.Contains(k.Key, "api_token") {
			t.Errorf("ShowAll exposed secret key %s", k.Key)
		}
		if k.Value == "sk-secret" || k.Value == "tok" {
			t.Errorf("ShowAll exposed secret value for %s", k.Key)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Errorf("ShowAll and ValidKeys disagree: %d vs %d", len(ShowAll(cfg)), len(ValidKeys()))
	}
}

func TestFileSections(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
  "oracle": {"provider": "ollama", "model": "llava:13b"},
  "cache": {"freshness_days": 3},
  "log.level": "debug"
}`)

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Oracle.Provider != ProviderOllama || cfg.Oracle.Model != "llava:13b" {
		t.Errorf("oracle = %q/%q", cfg.Oracle.Provider, cfg.Oracle.Model)
	}
	if cfg.Cache.FreshnessDays != 3 || cfg.Log.Level != "debug" {
		t.Errorf("freshness/log = %d/%q", cfg.Cache.FreshnessDays, cfg.Log.Level)
	}

	// Saving moves the flat key into its section.
	if err := setKey(b, "server.port", "7100"); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(b.path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("saved config is not sectioned: %v\n%s", err, raw)
	}
	if onDisk["log"]["level"] != "debug" || onDisk["server"]["port"] != float64(7100) {
		t.Errorf("saved config = %s", raw)
	}
}

func TestFileRejectsWrongTypes(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEALSENSE_OPENROUTER_API_KEY", "k")

	if _, err := loadWith(writeTempConfig(t, `{"server": {"port": 41.5}}`)); err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Errorf("fractional port err = %v", err)
	}
	if _, err := loadWith(writeTempConfig(t, `{"oracle": {"model": ["a"]}}`)); err == nil || !strings.Contains(err.Error(), "oracle.model") {
		t.Errorf("list model err = %v", err)
	}
}

func TestUnsetKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEALSENSE_OPENROUTER_API_KEY", "k")
	b := writeTempConfig(t, `{"cache": {"backend": "redis"}}`)

	if err := unsetKey(b, "cache.backend"); err != nil {
		t.Fatal(err)
	}
	if err := unsetKey(b, "server.api_token"); err == nil {
		t.Error("unsetting a secret should fail")
	}

	cfg, err := loadWith(newFileBackend(b.path))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.Backend != CacheSQLite {
		t.Errorf("Cache.Backend after unset = %q, want default", cfg.Cache.Backend)
	}
}

func TestShowAllMarksChangedValues(t *testing.T) {
	cfg := defaults()
	cfg.Cache.Backend = CacheRedis

	for _, k := range ShowAll(cfg) {
		switch k.Key {
		case "cache.backend":
			if k.Default || k.Section != "cache" {
				t.Errorf("cache.backend = %+v, want changed in section cache", k)
			}
		case "server.port":
			if !k.Default {
				t.Errorf("server.port = %+v, want default", k)
			}
		}
	}
}
