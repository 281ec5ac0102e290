package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "STORYTRACE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "STORYTRACE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STORYTRACE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.checkpoint_backend", typ: kString, env: "STORYTRACE_STORAGE_CHECKPOINT_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.CheckpointBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.CheckpointBackend },
	},
	{
		key: "oracle.provider", typ: kString, env: "STORYTRACE_ORACLE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Oracle.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.Provider },
	},
	{
		key: "oracle.model", typ: kString, env: "STORYTRACE_ORACLE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Oracle.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.Model },
	},
	{
		key: "oracle.base_url", typ: kString, env: "STORYTRACE_ORACLE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Oracle.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.BaseURL },
	},
	{
		key: "oracle.temperature", typ: kFloat, env: "STORYTRACE_ORACLE_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Oracle.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Oracle.Temperature },
	},
	{
		key: "oracle.timeout", typ: kDuration, env: "STORYTRACE_ORACLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Oracle.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Oracle.Timeout },
	},
	{
		key: "oracle.max_retries", typ: kInt, env: "STORYTRACE_ORACLE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Oracle.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Oracle.MaxRetries },
	},
	{
		key: "oracle.retry_backoff", typ: kDuration, env: "STORYTRACE_ORACLE_RETRY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Oracle.RetryBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Oracle.RetryBackoff },
	},
	{
		key: "oracle.openrouter_api_key", typ: kString, env: "STORYTRACE_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Oracle.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.OpenRouterAPIKey },
	},
	{
		key: "oracle.gemini_api_key", typ: kString, env: "STORYTRACE_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Oracle.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.GeminiAPIKey },
	},
	{
		key: "analysis.workers", typ: kInt, env: "STORYTRACE_ANALYSIS_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Analysis.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.Workers },
	},
	{
		key: "analysis.density_floor", typ: kFloat, env: "STORYTRACE_ANALYSIS_DENSITY_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Analysis.DensityFloor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Analysis.DensityFloor },
	},
	{
		key: "analysis.density_multiplier", typ: kFloat, env: "STORYTRACE_ANALYSIS_DENSITY_MULTIPLIER",
		apply:   func(cfg *Config, v any) { cfg.Analysis.DensityMultiplier = v.(float64) },
		extract: func(cfg Config) any { return cfg.Analysis.DensityMultiplier },
	},
	{
		key: "analysis.output_language", typ: kString, env: "STORYTRACE_ANALYSIS_OUTPUT_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.Analysis.OutputLanguage = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.OutputLanguage },
	},
	{
		key: "analysis.aliases_file", typ: kString, env: "STORYTRACE_ANALYSIS_ALIASES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Analysis.AliasesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.AliasesFile },
	},
	{
		key: "cache.enabled", typ: kBool, env: "STORYTRACE_CACHE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Cache.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.Enabled },
	},
}

// account is the secret store account name of a secret key.
func (s keySpec) account() string {
	_, name, _ := strings.Cut(s.key, ".")
	return name
}

func applySecrets(cfg *Config, store SecretStore) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, err := store.Get(secretService, s.account()); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// parseValue converts raw text to the Go type of the key.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
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
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := s.parseValue(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
