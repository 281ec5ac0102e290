package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const secretService = "storytrace"

// ErrSecretNotFound is returned when a secret has never been stored.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore keeps API keys and the server token out of the config file.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// fileSecrets stores secrets as {service: {account: value}} in a 0600 JSON file.
type fileSecrets struct {
	mu   sync.Mutex
	path string
}

// NewSecretStore returns the secret store under the data directory.
func NewSecretStore() SecretStore {
	return &fileSecrets{path: secretsFilePath()}
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "storytrace", "secrets.json")
}

func (f *fileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = map[string]map[string]string{}
	}
	return secrets, nil
}

func (f *fileSecrets) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, service, account)
	}
	return val, nil
}

func (f *fileSecrets) Set(service, account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// GetAPIToken returns the bearer token guarding the HTTP API, generating and
// storing one on first use.
func GetAPIToken(s SecretStore) (string, error) {
	token, err := s.Get(secretService, "api_token")
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token = hex.EncodeToString(buf)
	if err := s.Set(secretService, "api_token", token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return token, nil
}
