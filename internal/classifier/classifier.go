// Package classifier implements the event classifier/cache (C5): per
// command dedupe, path-tree filtering already applied upstream, optional
// hashing and archival, and threshold-based flush signaling.
package classifier

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"cmdtrace/internal/archive"
	"cmdtrace/internal/config"
	"cmdtrace/internal/model"
)

// Cache holds the read and write sets for the command currently being
// observed. Owned by the engine; ownership transfers to the recorder at
// flush time, after which Clear empties it.
type Cache struct {
	mu     sync.Mutex
	reads  map[model.CacheKey]model.ReadEvent
	writes map[model.CacheKey]model.WriteEvent

	settings config.TreeSettings
	archive  *archive.Store

	readBytesCached int64
}

// New constructs an empty cache governed by settings.
func New(settings config.TreeSettings, store *archive.Store) *Cache {
	return &Cache{
		reads:    make(map[model.CacheKey]model.ReadEvent),
		writes:   make(map[model.CacheKey]model.WriteEvent),
		settings: settings,
		archive:  store,
	}
}

func keyOf(e model.RawEvent) model.CacheKey {
	return model.CacheKey{Path: e.Path, Mtime: e.Mtime, Size: e.Size}
}

// InsertRead adds a read event, insert-or-ignore on the (path, mtime,
// size) key. Optionally retains the first K lines of content and/or
// hashes + archives it, per settings.
func (c *Cache) InsertRead(e model.RawEvent) {
	key := keyOf(e)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.reads[key]; exists {
		return
	}

	re := model.ReadEvent{
		Path:  filepath.Dir(e.Path),
		Name:  baseName(e.Path),
		Size:  e.Size,
		Mtime: e.Mtime,
	}

	if c.settings.MaxRFileLines > 0 {
		if body, ok := readFirstLines(e.Path, c.settings.MaxRFileLines); ok {
			re.Bytes = body
			c.readBytesCached += int64(len(body))
		}
	}
	if c.settings.Hash {
		if data, err := os.ReadFile(e.Path); err == nil {
			re.Hash = archive.Hash(data)
			re.HasHash = true
			if c.settings.Archive && c.archive != nil {
				c.archive.Put(data)
			}
		}
	}

	c.reads[key] = re
}

// InsertWrite adds a write event, insert-or-ignore on the same key.
func (c *Cache) InsertWrite(e model.RawEvent) {
	key := keyOf(e)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.writes[key]; exists {
		return
	}

	we := model.WriteEvent{
		Path:  filepath.Dir(e.Path),
		Name:  baseName(e.Path),
		Size:  e.Size,
		Mtime: e.Mtime,
	}

	if c.settings.Hash || c.settings.Archive {
		if data, err := os.ReadFile(e.Path); err == nil {
			we.Hash = archive.Hash(data)
			we.HasHash = true
			if c.settings.Archive && c.archive != nil {
				c.archive.Put(data)
			}
		}
	}

	c.writes[key] = we
}

// UpdateSettings swaps the active tree settings, used by the
// configuration hot-reload path in socket mode. Does not retroactively
// re-hash or re-archive events already cached under the previous
// settings.
func (c *Cache) UpdateSettings(settings config.TreeSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
}

// ShouldFlush reports whether accumulated cache size/count has crossed
// the configured mid-command flush thresholds.
func (c *Cache) ShouldFlush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings.ReadFlushBytes > 0 && c.readBytesCached > c.settings.ReadFlushBytes {
		return true
	}
	if c.settings.WriteFlushCount > 0 && len(c.writes) > c.settings.WriteFlushCount {
		return true
	}
	return false
}

// Snapshot returns copies of the current read and write sets without
// clearing them.
func (c *Cache) Snapshot() ([]model.ReadEvent, []model.WriteEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reads := make([]model.ReadEvent, 0, len(c.reads))
	for _, r := range c.reads {
		reads = append(reads, r)
	}
	writes := make([]model.WriteEvent, 0, len(c.writes))
	for _, w := range c.writes {
		writes = append(writes, w)
	}
	return reads, writes
}

// Clear empties both caches. Called after every flush, whatever its
// outcome, and on CLEAR_EVENTS; it does not close the command.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = make(map[model.CacheKey]model.ReadEvent)
	c.writes = make(map[model.CacheKey]model.WriteEvent)
	c.readBytesCached = 0
}

func baseName(path string) string {
	i := bytes.LastIndexByte([]byte(path), '/')
	if i < 0 {
		return path
	}
	return path[i+1:]
}

func readFirstLines(path string, maxLines int) ([]byte, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var buf bytes.Buffer
	sc := bufio.NewScanner(f)
	lines := 0
	for sc.Scan() && lines < maxLines {
		buf.Write(sc.Bytes())
		buf.WriteByte('\n')
		lines++
	}
	return buf.Bytes(), true
}
