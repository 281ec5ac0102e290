package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	Oracle   OracleConfig
	Analysis AnalysisConfig
	Cache    CacheConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
	// CheckpointBackend is "sqlite" or "bolt".
	CheckpointBackend string
}

type OracleConfig struct {
	// Provider is one of openrouter, ollama, gemini or none.
	Provider         string
	Model            string
	BaseURL          string
	Temperature      float64
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	OpenRouterAPIKey string
	GeminiAPIKey     string
}

// APIKey returns the secret of the selected provider.
func (o OracleConfig) APIKey() string {
	switch o.Provider {
	case "gemini":
		return o.GeminiAPIKey
	case "openrouter", "":
		return o.OpenRouterAPIKey
	}
	return ""
}

type AnalysisConfig struct {
	Workers           int
	DensityFloor      float64
	DensityMultiplier float64
	// OutputLanguage is the language oracle text is requested in.
	OutputLanguage string
	AliasesFile    string
}

type CacheConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir:           defaultDataDir(),
			CheckpointBackend: "sqlite",
		},
		Oracle: OracleConfig{
			Provider:     "openrouter",
			Model:        "google/gemini-2.0-flash-001",
			Temperature:  0.3,
			Timeout:      60 * time.Second,
			MaxRetries:   3,
			RetryBackoff: 500 * time.Millisecond,
		},
		Analysis: AnalysisConfig{
			Workers:           3,
			DensityFloor:      0.6,
			DensityMultiplier: 0.2,
		},
		Cache: CacheConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/storytrace/config.json, then secrets from the secrets
// file, then STORYTRACE_* environment variables, each layer overriding the
// previous one. Load does not validate; call Config.Validate before serving.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applySecrets(&cfg, secrets)
	applyEnvOverrides(&cfg)

	return cfg, nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Oracle.Provider {
	case "openrouter":
		if c.Oracle.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. " +
				"Set it via environment variable STORYTRACE_OPENROUTER_API_KEY " +
				"or `storytrace config set oracle.openrouter_api_key <key>`")
		}
	case "gemini":
		if c.Oracle.GeminiAPIKey == "" {
			return fmt.Errorf("missing required config: Gemini API key. " +
				"Set it via environment variable STORYTRACE_GEMINI_API_KEY")
		}
	case "ollama", "none":
	default:
		return fmt.Errorf("invalid oracle.provider %q: want openrouter, ollama, gemini or none", c.Oracle.Provider)
	}

	switch c.Storage.CheckpointBackend {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("invalid storage.checkpoint_backend %q: want sqlite or bolt", c.Storage.CheckpointBackend)
	}

	if c.Analysis.Workers < 1 {
		return fmt.Errorf("analysis.workers must be at least 1, got %d", c.Analysis.Workers)
	}
	if c.Analysis.DensityFloor < 0 || c.Analysis.DensityMultiplier < 0 {
		return fmt.Errorf("density floor and multiplier must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}
