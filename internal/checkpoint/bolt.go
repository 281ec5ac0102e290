package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/Neo-101/story-trace/internal/narrative"
)

const rootBucket = "checkpoints"

// BoltStore keeps checkpoints in a bbolt file using nested buckets
// corpus -> analysis type -> entity, keyed by order-preserving positions.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
}

var _ narrative.CheckpointStore = (*BoltStore)(nil)

// OpenBolt opens (or creates) a bbolt checkpoint file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(rootBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating checkpoint bucket: %w", err)
	}
	return &BoltStore{db: db, logger: slog.Default()}, nil
}

// Close closes the underlying bbolt file.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// positionKey encodes p so that byte order matches numeric order, negatives included.
func positionKey(p int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(int64(p))^(1<<63))
	return b[:]
}

func keyPosition(k []byte) int {
	return int(int64(binary.BigEndian.Uint64(k) ^ (1 << 63)))
}

// bucketPath walks nested buckets under the root, returning nil if any level is missing.
func bucketPath(tx *bbolt.Tx, names ...string) *bbolt.Bucket {
	b := tx.Bucket([]byte(rootBucket))
	for _, name := range names {
		if b == nil {
			return nil
		}
		b = b.Bucket([]byte(name))
	}
	return b
}

func entityBucket(tx *bbolt.Tx, key narrative.Key) *bbolt.Bucket {
	return bucketPath(tx, key.CorpusID, key.AnalysisType, key.EntityID)
}

func (s *BoltStore) Save(ctx context.Context, key narrative.Key, state narrative.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encode(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(rootBucket))
		if b == nil {
			return fmt.Errorf("checkpoint bucket is missing")
		}
		for _, name := range []string{key.CorpusID, key.AnalysisType, key.EntityID} {
			var err error
			b, err = b.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return fmt.Errorf("creating bucket %q: %w", name, err)
			}
		}
		return b.Put(positionKey(state.Position), payload)
	})
}

func (s *BoltStore) At(ctx context.Context, key narrative.Key, position int) (narrative.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return narrative.State{}, false, err
	}
	var (
		state narrative.State
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := entityBucket(tx, key)
		if b == nil {
			return nil
		}
		payload := b.Get(positionKey(position))
		if payload == nil {
			return nil
		}
		st, err := decode(payload, position)
		if err != nil {
			skipMalformed(s.logger, key, position, err)
			return nil
		}
		state, found = st, true
		return nil
	})
	return state, found, err
}

func (s *BoltStore) LatestBefore(ctx context.Context, key narrative.Key, position int) (narrative.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return narrative.State{}, false, err
	}
	var (
		state narrative.State
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := entityBucket(tx, key)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, v := c.Seek(positionKey(position))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil; k, v = c.Prev() {
			pos := keyPosition(k)
			st, err := decode(v, pos)
			if err != nil {
				skipMalformed(s.logger, key, pos, err)
				continue
			}
			state, found = st, true
			return nil
		}
		return nil
	})
	return state, found, err
}

func (s *BoltStore) History(ctx context.Context, key narrative.Key) ([]narrative.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []narrative.State
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := entityBucket(tx, key)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			pos := keyPosition(k)
			st, err := decode(v, pos)
			if err != nil {
				skipMalformed(s.logger, key, pos, err)
				return nil
			}
			out = append(out, st)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteAll(ctx context.Context, key narrative.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		parent := bucketPath(tx, key.CorpusID, key.AnalysisType)
		if parent == nil || parent.Bucket([]byte(key.EntityID)) == nil {
			return nil
		}
		return parent.DeleteBucket([]byte(key.EntityID))
	})
}
