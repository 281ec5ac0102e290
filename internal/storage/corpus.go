package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Neo-101/story-trace/internal/corpus"
)

// ImportCorpus replaces every unit of doc.CorpusID with the units in doc.
func (s *Store) ImportCorpus(ctx context.Context, doc corpus.Document) error {
	if doc.CorpusID == "" {
		return fmt.Errorf("corpus id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning import transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteCorpus(ctx, tx, doc.CorpusID); err != nil {
		return err
	}

	for _, u := range doc.Units {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO units (corpus_id, position, title) VALUES (?, ?, ?)`,
			doc.CorpusID, u.Position, u.Title,
		); err != nil {
			return fmt.Errorf("inserting unit %d: %w", u.Position, err)
		}
		for i, in := range u.Interactions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO unit_interactions (corpus_id, position, seq, source, target, relation, description)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				doc.CorpusID, u.Position, i, in.Source, in.Target, in.Relation, in.Description,
			); err != nil {
				return fmt.Errorf("inserting interaction %d of unit %d: %w", i, u.Position, err)
			}
		}
		for i, text := range u.Sentences {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO unit_sentences (corpus_id, position, seq, text) VALUES (?, ?, ?, ?)`,
				doc.CorpusID, u.Position, i, text,
			); err != nil {
				return fmt.Errorf("inserting sentence %d of unit %d: %w", i, u.Position, err)
			}
		}
		for i, e := range u.Entities {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO unit_entities (corpus_id, position, seq, name, type) VALUES (?, ?, ?, ?, ?)`,
				doc.CorpusID, u.Position, i, e.Name, e.Type,
			); err != nil {
				return fmt.Errorf("inserting entity %d of unit %d: %w", i, u.Position, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing import: %w", err)
	}
	return nil
}

// DeleteCorpus removes all units of a corpus. Deleting a missing corpus is not an error.
func (s *Store) DeleteCorpus(ctx context.Context, corpusID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteCorpus(ctx, tx, corpusID); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteCorpus(ctx context.Context, tx *sql.Tx, corpusID string) error {
	for _, table := range []string{"unit_interactions", "unit_sentences", "unit_entities", "units"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE corpus_id = ?", corpusID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

// Units returns every unit of a corpus in ascending position order. A corpus
// with no units yields ErrNotFound.
func (s *Store) Units(ctx context.Context, corpusID string) ([]corpus.Unit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, title FROM units WHERE corpus_id = ? ORDER BY position ASC`, corpusID)
	if err != nil {
		return nil, fmt.Errorf("querying units: %w", err)
	}
	var units []corpus.Unit
	index := make(map[int]int)
	for rows.Next() {
		var u corpus.Unit
		if err := rows.Scan(&u.Position, &u.Title); err != nil {
			rows.Close()
			return nil, err
		}
		index[u.Position] = len(units)
		units = append(units, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrNotFound
	}

	if err := s.eachRow(ctx, `
		SELECT position, source, target, relation, description FROM unit_interactions
		WHERE corpus_id = ? ORDER BY position, seq`, corpusID,
		func(rows *sql.Rows) error {
			var pos int
			var in corpus.Interaction
			if err := rows.Scan(&pos, &in.Source, &in.Target, &in.Relation, &in.Description); err != nil {
				return err
			}
			if i, ok := index[pos]; ok {
				units[i].Interactions = append(units[i].Interactions, in)
			}
			return nil
		}); err != nil {
		return nil, fmt.Errorf("querying interactions: %w", err)
	}

	if err := s.eachRow(ctx, `
		SELECT position, text FROM unit_sentences
		WHERE corpus_id = ? ORDER BY position, seq`, corpusID,
		func(rows *sql.Rows) error {
			var pos int
			var text string
			if err := rows.Scan(&pos, &text); err != nil {
				return err
			}
			if i, ok := index[pos]; ok {
				units[i].Sentences = append(units[i].Sentences, text)
			}
			return nil
		}); err != nil {
		return nil, fmt.Errorf("querying sentences: %w", err)
	}

	if err := s.eachRow(ctx, `
		SELECT position, name, type FROM unit_entities
		WHERE corpus_id = ? ORDER BY position, seq`, corpusID,
		func(rows *sql.Rows) error {
			var pos int
			var e corpus.Entity
			if err := rows.Scan(&pos, &e.Name, &e.Type); err != nil {
				return err
			}
			if i, ok := index[pos]; ok {
				units[i].Entities = append(units[i].Entities, e)
			}
			return nil
		}); err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}

	return units, nil
}

// Corpora lists imported corpora ordered by id.
func (s *Store) Corpora(ctx context.Context) ([]CorpusSummary, error) {
	var out []CorpusSummary
	err := s.eachRow(ctx, `
		SELECT corpus_id, COUNT(*), MIN(position), MAX(position)
		FROM units GROUP BY corpus_id ORDER BY corpus_id`, nil,
		func(rows *sql.Rows) error {
			var c CorpusSummary
			if err := rows.Scan(&c.ID, &c.Units, &c.FirstPosition, &c.LastPosition); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	return out, err
}

func (s *Store) eachRow(ctx context.Context, query string, arg any, fn func(*sql.Rows) error) error {
	var args []any
	if arg != nil {
		args = append(args, arg)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
