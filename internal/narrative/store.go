package narrative

import "context"

// CheckpointStore persists State snapshots addressed by Key and position.
// Implementations skip records they cannot decode instead of failing a scan.
type CheckpointStore interface {
	// Save writes state at (key, state.Position), replacing any existing record.
	Save(ctx context.Context, key Key, state State) error
	// LatestBefore returns the snapshot with the greatest position < position.
	LatestBefore(ctx context.Context, key Key, position int) (State, bool, error)
	// At returns the snapshot stored exactly at position.
	At(ctx context.Context, key Key, position int) (State, bool, error)
	// History returns every snapshot of key in ascending position order.
	History(ctx context.Context, key Key) ([]State, error)
	// DeleteAll removes every snapshot of key. Deleting nothing is not an error.
	DeleteAll(ctx context.Context, key Key) error
}

// Oracle is the external text generator consulted to evolve a state.
type Oracle interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Cache memoizes oracle responses by content, prompt version and model config.
type Cache interface {
	Get(content, promptVersion string, modelConfig map[string]string) (string, bool)
	Put(content, promptVersion string, modelConfig map[string]string, output string) error
}
