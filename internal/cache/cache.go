// Package cache memoizes oracle responses in an embedded bbolt file. Entries
// are content addressed: the same content, prompt version and model
// configuration always map to the same key, and a change to any of them maps
// to a different one.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const entriesBucket = "oracle_responses"

// Entry is one memoized oracle response.
type Entry struct {
	Output        string    `json:"output"`
	PromptVersion string    `json:"prompt_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries int    `json:"entries"`
	Path    string `json:"path"`
}

// Key derives the composite cache key. The model config is hashed in its
// canonical JSON form, which sorts map keys.
func Key(content, promptVersion string, modelConfig map[string]string) string {
	contentSum := sha256.Sum256([]byte(content))
	cfg, _ := json.Marshal(modelConfig)
	cfgSum := sha256.Sum256(cfg)

	h := sha256.New()
	h.Write([]byte(hex.EncodeToString(contentSum[:])))
	h.Write([]byte{0})
	h.Write([]byte(promptVersion))
	h.Write([]byte{0})
	h.Write([]byte(hex.EncodeToString(cfgSum[:])))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is a bbolt-backed response cache. It is safe for concurrent use.
type Cache struct {
	db     *bbolt.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the cache file at path.
func Open(path string) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	path = filepath.Clean(path)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}
	return &Cache{db: db, path: path, logger: slog.Default(), now: time.Now}, nil
}

// Close closes the cache file.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the memoized output for the triple. Read errors and undecodable
// entries count as misses.
func (c *Cache) Get(content, promptVersion string, modelConfig map[string]string) (string, bool) {
	key := Key(content, promptVersion, modelConfig)
	var entry Entry
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(entriesBucket)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decoding entry %s: %w", key, err)
		}
		found = true
		return nil
	})
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return "", false
	}
	return entry.Output, found
}

// Put stores output for the triple. An existing entry is never overwritten.
func (c *Cache) Put(content, promptVersion string, modelConfig map[string]string, output string) error {
	key := Key(content, promptVersion, modelConfig)
	raw, err := json.Marshal(Entry{Output: output, PromptVersion: promptVersion, CreatedAt: c.now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		if b.Get([]byte(key)) != nil {
			return nil
		}
		return b.Put([]byte(key), raw)
	})
}

// Stats counts the stored entries.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	st := Stats{Path: c.path}
	err := c.db.View(func(tx *bbolt.Tx) error {
		st.Entries = tx.Bucket([]byte(entriesBucket)).Stats().KeyN
		return nil
	})
	return st, err
}

// Clear removes every entry and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := c.db.Update(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(entriesBucket)).Stats().KeyN
		if err := tx.DeleteBucket([]byte(entriesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(entriesBucket))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clearing cache: %w", err)
	}
	return n, nil
}
