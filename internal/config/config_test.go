package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mapBackend is an in-memory ConfigBackend.
type mapBackend map[string]any

func (m mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (m mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
	return i, true, nil
}

func (m mapBackend) SetString(key, val string) error { m[key] = val; return nil }
func (m mapBackend) SetInt(key string, val int) error  { m[key] = val; return nil }
func (m mapBackend) Delete(key string) error           { delete(m, key); return nil }

// mockSecrets is a test double for SecretStore.
type mockSecrets map[string]string

func (m mockSecrets) Get(service, account string) (string, error) {
	v, ok := m[service+"/"+account]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m mockSecrets) Set(service, account, value string) error {
	m[service+"/"+account] = value
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when nothing is configured.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(mapBackend{}, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Storage.CheckpointBackend != "sqlite" {
		t.Errorf("CheckpointBackend = %q, want sqlite", cfg.Storage.CheckpointBackend)
	}
	if cfg.Oracle.Provider != "openrouter" || cfg.Oracle.Model != "google/gemini-2.0-flash-001" {
		t.Errorf("Oracle = %+v", cfg.Oracle)
	}
	if cfg.Oracle.Timeout != 60*time.Second || cfg.Oracle.RetryBackoff != 500*time.Millisecond {
		t.Errorf("Oracle timings = %v / %v", cfg.Oracle.Timeout, cfg.Oracle.RetryBackoff)
	}
	if cfg.Analysis.Workers != 3 || cfg.Analysis.DensityFloor != 0.6 || cfg.Analysis.DensityMultiplier != 0.2 {
		t.Errorf("Analysis = %+v", cfg.Analysis)
	}
	if !cfg.Cache.Enabled {
		t.Error("Cache.Enabled = false, want true")
	}
}

// TestBackendValues verifies every key type is read from the backend.
func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := mapBackend{
		"server.port":                 5000,
		"storage.checkpoint_backend":  "bolt",
		"oracle.provider":             "ollama",
		"oracle.temperature":          0.7,
		"oracle.timeout":              "2m",
		"analysis.density_multiplier": "0.5",
		"cache.enabled":               false,
	}
	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Storage.CheckpointBackend != "bolt" || cfg.Oracle.Provider != "ollama" {
		t.Errorf("strings = %q %q", cfg.Storage.CheckpointBackend, cfg.Oracle.Provider)
	}
	if cfg.Oracle.Temperature != 0.7 || cfg.Analysis.DensityMultiplier != 0.5 {
		t.Errorf("floats = %v %v", cfg.Oracle.Temperature, cfg.Analysis.DensityMultiplier)
	}
	if cfg.Oracle.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %v", cfg.Oracle.Timeout)
	}
	if cfg.Cache.Enabled {
		t.Error("Cache.Enabled = true, want false")
	}
}

// TestUnparseableValueKeepsDefault verifies bad values fall back to defaults.
func TestUnparseableValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORYTRACE_ANALYSIS_WORKERS", "many")

	cfg, err := loadWith(mapBackend{"oracle.retry_backoff": "soon"}, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.Workers != 3 {
		t.Errorf("Workers = %d, want default 3", cfg.Analysis.Workers)
	}
	if cfg.Oracle.RetryBackoff != 500*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want default", cfg.Oracle.RetryBackoff)
	}
}

// TestEnvOverride verifies that environment variables override backend and secret values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORYTRACE_OPENROUTER_API_KEY", "env-key")
	t.Setenv("STORYTRACE_SERVER_PORT", "6000")

	secrets := mockSecrets{"storytrace/openrouter_api_key": "stored-key"}
	cfg, err := loadWith(mapBackend{"server.port": 5000}, secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Oracle.OpenRouterAPIKey != "env-key" {
		t.Errorf("OpenRouterAPIKey = %q, want %q", cfg.Oracle.OpenRouterAPIKey, "env-key")
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
}

// TestSecretStoreFallback verifies secrets are read when the environment is empty.
func TestSecretStoreFallback(t *testing.T) {
	clearEnv(t)

	secrets := mockSecrets{"storytrace/gemini_api_key": "gem-secret"}
	cfg, err := loadWith(mapBackend{"oracle.provider": "gemini"}, secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Oracle.GeminiAPIKey != "gem-secret" {
		t.Errorf("GeminiAPIKey = %q", cfg.Oracle.GeminiAPIKey)
	}
	if cfg.Oracle.APIKey() != "gem-secret" {
		t.Errorf("APIKey() = %q", cfg.Oracle.APIKey())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"openrouter with key", func(c *Config) { c.Oracle.OpenRouterAPIKey = "k" }, true},
		{"openrouter without key", func(c *Config) {}, false},
		{"ollama needs no key", func(c *Config) { c.Oracle.Provider = "ollama" }, true},
		{"none needs no key", func(c *Config) { c.Oracle.Provider = "none" }, true},
		{"unknown provider", func(c *Config) { c.Oracle.Provider = "gpt" }, false},
		{"bad backend", func(c *Config) { c.Oracle.Provider = "none"; c.Storage.CheckpointBackend = "csv" }, false},
		{"zero workers", func(c *Config) { c.Oracle.Provider = "none"; c.Analysis.Workers = 0 }, false},
		{"negative floor", func(c *Config) { c.Oracle.Provider = "none"; c.Analysis.DensityFloor = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	b := mapBackend{}
	secrets := mockSecrets{}

	if err := setKeyWith(b, secrets, "server.port", "4200"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if b["server.port"] != 4200 {
		t.Errorf("server.port = %v", b["server.port"])
	}
	if err := setKeyWith(b, secrets, "oracle.timeout", "90s"); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	if err := setKeyWith(b, secrets, "oracle.timeout", "ninety"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKeyWith(b, secrets, "cache.enabled", "yes"); err == nil {
		t.Error("expected error for invalid bool")
	}
	if err := setKeyWith(b, secrets, "nope.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}

	if err := setKeyWith(b, secrets, "oracle.openrouter_api_key", "sk-1"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if _, inFile := b["oracle.openrouter_api_key"]; inFile {
		t.Error("secret written to config file")
	}
	if secrets["storytrace/openrouter_api_key"] != "sk-1" {
		t.Errorf("secrets = %v", secrets)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Oracle.OpenRouterAPIKey = "sk-secret"

	for _, k := range ShowAll(cfg) {
		switch k.Key {
		case "oracle.openrouter_api_key":
			if k.Value != "(set)" {
				t.Errorf("openrouter key shown as %q", k.Value)
			}
		case "oracle.gemini_api_key":
			if k.Value != "(unset)" {
				t.Errorf("gemini key shown as %q", k.Value)
			}
		case "server.port":
			if k.Value != "4100" {
				t.Errorf("server.port = %q", k.Value)
			}
		}
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys = %d, want %d", len(ValidKeys()), len(specs))
	}
	if !IsSecret("oracle.gemini_api_key") || IsSecret("server.port") || IsSecret("nope") {
		t.Error("IsSecret misclassified a key")
	}
}

func TestFileSecretsAndAPIToken(t *testing.T) {
	dir := t.TempDir()
	store := &fileSecrets{path: filepath.Join(dir, "storytrace", "secrets.json")}

	if _, err := store.Get(secretService, "api_token"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get on empty store: err = %v", err)
	}

	token, err := GetAPIToken(store)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64", len(token))
	}
	again, err := GetAPIToken(store)
	if err != nil || again != token {
		t.Errorf("second GetAPIToken = %q, %v; want stable token", again, err)
	}

	info, err := os.Stat(store.path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := openFileBackend(path)
	if err := b.SetInt("server.port", 4300); err != nil {
		t.Fatal(err)
	}
	if err := b.SetString("oracle.provider", "ollama"); err != nil {
		t.Fatal(err)
	}

	reopened := openFileBackend(path)
	if port, ok, err := reopened.GetInt("server.port"); err != nil || !ok || port != 4300 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	if p, ok, _ := reopened.GetString("oracle.provider"); !ok || p != "ollama" {
		t.Errorf("GetString = %q, %v", p, ok)
	}
	if err := reopened.Delete("server.port"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := openFileBackend(path).GetInt("server.port"); ok {
		t.Error("deleted key still present")
	}
}
