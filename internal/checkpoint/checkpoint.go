// Package checkpoint persists narrative state snapshots. Two backends share
// one contract: the SQLite table created by the storage migrations and an
// embedded bbolt file.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Neo-101/story-trace/internal/narrative"
)

// Backend names accepted by the storage.checkpoint_backend setting.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

func encode(s narrative.State) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return payload, nil
}

// decode parses a stored record. The position the record is stored under wins
// over the one inside the payload.
func decode(payload []byte, position int) (narrative.State, error) {
	if len(payload) == 0 {
		return narrative.State{}, fmt.Errorf("empty payload")
	}
	var s narrative.State
	if err := json.Unmarshal(payload, &s); err != nil {
		return narrative.State{}, err
	}
	s.Position = position
	return s, nil
}

func skipMalformed(logger *slog.Logger, key narrative.Key, position int, err error) {
	logger.Warn("skipping malformed checkpoint",
		"key", key.String(), "position", position, "error", err)
}

// Open returns the checkpoint store named by backend. The SQLite backend
// shares db; the bolt backend opens checkpoints.db under dataDir. The returned
// close function releases what the backend owns.
func Open(backend string, db *sql.DB, dataDir string) (narrative.CheckpointStore, func() error, error) {
	switch backend {
	case "", BackendSQLite:
		return NewSQLiteStore(db), func() error { return nil }, nil
	case BackendBolt:
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		s, err := OpenBolt(filepath.Join(dataDir, "checkpoints.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q (want %s or %s)", backend, BackendSQLite, BackendBolt)
	}
}
