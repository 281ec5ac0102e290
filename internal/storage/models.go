package storage

import (
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CorpusSummary describes one imported corpus.
type CorpusSummary struct {
	ID            string `json:"id"`
	Units         int    `json:"units"`
	FirstPosition int    `json:"first_position"`
	LastPosition  int    `json:"last_position"`
}
