// Package responsecache implements a content-addressed, TTL-bounded file
// cache for repository metadata calls. The cache is advisory: a miss or
// write failure must never fail the calling operation.
package responsecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"
)

// Default TTLs per call class.
const (
	TTLSearchResults = 1800 * time.Second
	TTLRepoInfo      = 3600 * time.Second
	TTLFileList      = 1800 * time.Second
)

type entry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Cache stores one JSON file per key under dir.
type Cache struct {
	dir string

	hits   atomic.Int64
	misses atomic.Int64
}

func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("responsecache: mkdir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Key computes a stable hash of (prefix, positional args, sorted keyword
// args).
func Key(prefix string, args []string, kwargs map[string]string) string {
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(prefix))
	for _, a := range args {
		h.Write([]byte{0})
		h.Write([]byte(a))
	}
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(kwargs[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Get decodes the cached value for key into out and reports true, or
// reports false on miss, expiry, or a read/decode error; a corrupt entry is
// deleted rather than surfaced.
func (c *Cache) Get(key string, out any) bool {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		c.misses.Add(1)
		return false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		_ = os.Remove(c.path(key))
		c.misses.Add(1)
		return false
	}

	if time.Now().After(e.ExpiresAt) {
		_ = os.Remove(c.path(key))
		c.misses.Add(1)
		return false
	}

	if err := json.Unmarshal(e.Value, out); err != nil {
		_ = os.Remove(c.path(key))
		c.misses.Add(1)
		return false
	}

	c.hits.Add(1)
	return true
}

// Set writes value atomically with the given TTL and returns any write
// error; since the cache is advisory, callers may ignore it.
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := time.Now()
	e := entry{Value: payload, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	final := c.path(key)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// CleanupExpired removes every entry whose TTL has elapsed and returns the
// count removed.
func (c *Cache) CleanupExpired() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, de := range entries {
		data, err := os.ReadFile(filepath.Join(c.dir, de.Name()))
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			_ = os.Remove(filepath.Join(c.dir, de.Name()))
			count++
			continue
		}
		if time.Now().After(e.ExpiresAt) {
			_ = os.Remove(filepath.Join(c.dir, de.Name()))
			count++
		}
	}
	return count, nil
}

// Clear removes every entry and returns the count removed.
func (c *Cache) Clear() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	for _, de := range entries {
		_ = os.Remove(filepath.Join(c.dir, de.Name()))
	}
	return len(entries), nil
}

// Stats summarizes cache effectiveness since process start.
type Stats struct {
	Hits        int64
	Misses      int64
	HitRate     float64
	EntryCount  int
	TotalSizeMB float64
}

func (c *Cache) GetStats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	entries, _ := os.ReadDir(c.dir)
	var sizeBytes int64
	for _, de := range entries {
		if info, err := de.Info(); err == nil {
			sizeBytes += info.Size()
		}
	}

	return Stats{
		Hits:        hits,
		Misses:      misses,
		HitRate:     hitRate,
		EntryCount:  len(entries),
		TotalSizeMB: float64(sizeBytes) / (1024 * 1024),
	}
}
