// Package cache memoizes validated judge decisions on disk.
//
// Entries are keyed by question, configuration fingerprint and model. There
// is no time-based expiry: a change in any key component simply misses, and
// entries under old keys stay inert until pruned.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/lectern/internal/decision"
)

// DefaultPath is the cache file used when none is configured.
const DefaultPath = "~/.lectern/result-cache.json"

const fileVersion = 1

// Key identifies a cached decision.
type Key struct {
	QuestionID int64  `json:"question_id"`
	ConfigHash string `json:"config_hash"`
	ModelName  string `json:"model_name"`
}

// Entry is one cached decision.
type Entry struct {
	Key
	decision.Validated
	StoredAt time.Time `json:"stored_at"`
}

type fileFormat struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Cache is a concurrency-safe in-memory map backed by a JSON file.
type Cache struct {
	path    string
	mu      sync.RWMutex
	entries map[Key]Entry
	dirty   bool
	logger  *zap.Logger
	now     func() time.Time
}

// Open creates a cache bound to path and loads any existing entries. A
// missing, unreadable or corrupt file yields an empty cache; the problem is
// logged, never returned. An empty path keeps the cache in memory only.
func Open(path string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		path:    expandPath(path),
		entries: make(map[Key]Entry),
		logger:  logger.With(zap.String("component", "cache")),
		now:     time.Now,
	}
	c.load()
	return c
}

// Path returns the backing file path.
func (c *Cache) Path() string { return c.path }

func (c *Cache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("result cache unreadable, starting empty", zap.String("path", c.path), zap.Error(err))
		}
		return
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("result cache corrupt, starting empty", zap.String("path", c.path), zap.Error(err))
		return
	}
	if f.Version != fileVersion {
		c.logger.Warn("result cache version mismatch, starting empty",
			zap.String("path", c.path), zap.Int("version", f.Version))
		return
	}
	for _, e := range f.Entries {
		c.entries[e.Key] = e
	}
	c.logger.Debug("result cache loaded", zap.String("path", c.path), zap.Int("entries", len(c.entries)))
}

// Get returns the decision cached under k.
func (c *Cache) Get(k Key) (decision.Validated, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[k]
	if !ok {
		return decision.Validated{}, false
	}
	return e.Validated, true
}

// Set stores v under k, replacing any previous value.
func (c *Cache) Set(k Key, v decision.Validated) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = Entry{Key: k, Validated: v, StoredAt: c.now().UTC()}
	c.dirty = true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns every cached key, sorted.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// Prune removes every entry for which keep returns false and reports how
// many were removed.
func (c *Cache) Prune(keep func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k := range c.entries {
		if !keep(k) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.dirty = true
	}
	return removed
}

// Save writes the cache to its file. The data goes to a temporary file in
// the same directory, is synced, then renamed over the target, so a crash
// leaves either the old or the new file intact.
func (c *Cache) Save() error {
	if c.path == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f := fileFormat{Version: fileVersion, Entries: make([]Entry, 0, len(c.entries))}
	for _, e := range c.entries {
		f.Entries = append(f.Entries, e)
	}
	sort.Slice(f.Entries, func(i, j int) bool { return keyLess(f.Entries[i].Key, f.Entries[j].Key) })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("replacing cache file: %w", err)
	}

	c.dirty = false
	c.logger.Debug("result cache saved", zap.String("path", c.path), zap.Int("entries", len(f.Entries)))
	return nil
}

// Dirty reports whether there are unsaved changes.
func (c *Cache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

func keyLess(a, b Key) bool {
	if a.QuestionID != b.QuestionID {
		return a.QuestionID < b.QuestionID
	}
	if a.ConfigHash != b.ConfigHash {
		return a.ConfigHash < b.ConfigHash
	}
	return a.ModelName < b.ModelName
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}

func expandPath(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
