package upstream

import (
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dnsfence/dnsfence/internal/log"
)

// Writes are batched: the file is rewritten after this many changes, and
// on Flush.
const cacheSaveBatchSize = 16

type cacheEntry struct {
	Addrs     []string  `toml:"addrs"`
	ExpiresAt time.Time `toml:"expires_at"`
}

type cacheFile struct {
	Entries map[string]cacheEntry `toml:"entries"`
}

// diskCache is a TTL cache of resolved addresses persisted as TOML, so a
// restarted engine can answer its first redirect-target lookups without
// touching the network.
type diskCache struct {
	mu      sync.Mutex
	path    string // empty = in-memory only
	entries map[string]cacheEntry
	pending int
}

func loadCache(path string) *diskCache {
	c := &diskCache{
		path:    path,
		entries: make(map[string]cacheEntry),
	}

	if path == "" {
		return c
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("Could not read resolve cache %s: %v", path, err)
		}
		return c
	}

	var file cacheFile
	if err := toml.Unmarshal(content, &file); err != nil {
		log.Warnf("Discarding corrupt resolve cache %s: %v", path, err)
		return c
	}

	now := time.Now()
	for name, entry := range file.Entries {
		if entry.ExpiresAt.After(now) {
			c.entries[name] = entry
		}
	}

	log.Debugf("Loaded %d resolve cache entries from %s", len(c.entries), path)
	return c
}

func (c *diskCache) Get(name string) ([]netip.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[name]
	if !exists {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(c.entries, name)
		return nil, false
	}

	addrs := make([]netip.Addr, 0, len(entry.Addrs))
	for _, raw := range entry.Addrs {
		if addr, err := netip.ParseAddr(raw); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs, true
}

func (c *diskCache) Put(name string, addrs []netip.Addr, ttl time.Duration) {
	raw := make([]string, len(addrs))
	for i, addr := range addrs {
		raw[i] = addr.String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[name] = cacheEntry{
		Addrs:     raw,
		ExpiresAt: time.Now().Add(ttl),
	}

	c.pending++
	if c.pending >= cacheSaveBatchSize {
		c.saveLocked()
	}
}

// Flush writes any pending changes to disk.
func (c *diskCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending > 0 {
		c.saveLocked()
	}
}

func (c *diskCache) saveLocked() {
	c.pending = 0
	if c.path == "" {
		return
	}

	content, err := toml.Marshal(cacheFile{Entries: c.entries})
	if err != nil {
		log.Warnf("Could not serialize resolve cache: %v", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		log.Warnf("Could not create cache directory: %v", err)
		return
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		log.Warnf("Could not write resolve cache: %v", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		log.Warnf("Could not replace resolve cache: %v", err)
	}
}
