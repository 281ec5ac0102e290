package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll returns all config key/value pairs from the current config.
// Secret values are reported only as set or unset.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		val := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if val == "" {
				val = "(unset)"
			} else {
				val = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  val,
			Secret: s.secret,
		})
	}
	return result
}

// SetKey writes a config key to the config file, or to the secret store for
// secret keys.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), NewSecretStore(), key, value)
}

func setKeyWith(b ConfigBackend, secrets SecretStore, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return secrets.Set(secretService, s.account(), value)
		}
		if _, err := s.parseValue(value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if s.typ == kInt {
			i, _ := strconv.Atoi(value)
			return b.SetInt(key, i)
		}
		return b.SetString(key, value)
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// UnsetKey removes a key from the config file so its default applies again.
func UnsetKey(key string) error {
	for _, s := range specs {
		if s.key == key {
			if s.secret {
				return fmt.Errorf("cannot unset secret %q; overwrite it with config set", key)
			}
			return newPlatformBackend().Delete(key)
		}
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}

// IsSecret reports whether key is stored in the secret store rather than the
// config file. Unknown keys are not secret.
func IsSecret(key string) bool {
	for _, s := range specs {
		if s.key == key {
			return s.secret
		}
	}
	return false
}
