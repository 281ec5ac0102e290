package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Neo-101/story-trace/internal/narrative"
)

// SQLiteStore keeps checkpoints in the checkpoints table of a storage.Store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ narrative.CheckpointStore = (*SQLiteStore)(nil)

// NewSQLiteStore wraps a database that has the storage migrations applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, logger: slog.Default()}
}

func (s *SQLiteStore) Save(ctx context.Context, key narrative.Key, state narrative.State) error {
	payload, err := encode(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (corpus_id, analysis_type, entity_id, position, schema_version, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(corpus_id, analysis_type, entity_id, position) DO UPDATE SET
			schema_version = excluded.schema_version,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		key.CorpusID, key.AnalysisType, key.EntityID, state.Position,
		state.SchemaVersion, string(payload), state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) At(ctx context.Context, key narrative.Key, position int) (narrative.State, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE corpus_id = ? AND analysis_type = ? AND entity_id = ? AND position = ?`,
		key.CorpusID, key.AnalysisType, key.EntityID, position,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return narrative.State{}, false, nil
	}
	if err != nil {
		return narrative.State{}, false, err
	}
	state, err := decode([]byte(payload), position)
	if err != nil {
		skipMalformed(s.logger, key, position, err)
		return narrative.State{}, false, nil
	}
	return state, true, nil
}

func (s *SQLiteStore) LatestBefore(ctx context.Context, key narrative.Key, position int) (narrative.State, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, payload FROM checkpoints
		WHERE corpus_id = ? AND analysis_type = ? AND entity_id = ? AND position < ?
		ORDER BY position DESC`,
		key.CorpusID, key.AnalysisType, key.EntityID, position,
	)
	if err != nil {
		return narrative.State{}, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var pos int
		var payload string
		if err := rows.Scan(&pos, &payload); err != nil {
			return narrative.State{}, false, err
		}
		state, err := decode([]byte(payload), pos)
		if err != nil {
			skipMalformed(s.logger, key, pos, err)
			continue
		}
		return state, true, nil
	}
	return narrative.State{}, false, rows.Err()
}

func (s *SQLiteStore) History(ctx context.Context, key narrative.Key) ([]narrative.State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, payload FROM checkpoints
		WHERE corpus_id = ? AND analysis_type = ? AND entity_id = ?
		ORDER BY position ASC`,
		key.CorpusID, key.AnalysisType, key.EntityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []narrative.State
	for rows.Next() {
		var pos int
		var payload string
		if err := rows.Scan(&pos, &payload); err != nil {
			return nil, err
		}
		state, err := decode([]byte(payload), pos)
		if err != nil {
			skipMalformed(s.logger, key, pos, err)
			continue
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, key narrative.Key) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE corpus_id = ? AND analysis_type = ? AND entity_id = ?`,
		key.CorpusID, key.AnalysisType, key.EntityID,
	)
	return err
}
