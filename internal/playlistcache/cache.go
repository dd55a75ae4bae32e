// Package playlistcache provides an LRU cache for manifests and playlists.
// Live media playlists are never cached; the master playlist and VOD media
// playlists are, which avoids a refetch when a retune or profile switch
// re-requests the same URL.
package playlistcache

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jmylchreest/hlsplayer/internal/media"
)

// entry is one cached playlist.
type entry struct {
	body         []byte
	effectiveURL string
}

// Cache is a byte-bounded LRU playlist cache.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, entry]
	capacity int64
	used     int64
	logger   *slog.Logger
}

// maxEntries bounds the entry count independent of the byte budget.
const maxEntries = 64

// New creates a playlist cache holding at most capacity bytes.
func New(capacity int64, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{capacity: capacity, logger: logger}
	l, err := lru.NewWithEvict[string, entry](maxEntries, func(_ string, e entry) {
		c.used -= int64(len(e.body))
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Retrieve returns the cached body and effective URL for a playlist URL.
func (c *Cache) Retrieve(url string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(url)
	if !ok {
		return nil, "", false
	}
	return e.body, e.effectiveURL, true
}

// Insert stores a playlist. Live media playlists are skipped: their content
// changes on every refresh so caching them only serves stale data.
func (c *Cache) Insert(url string, body []byte, effectiveURL string, isLive bool, track media.TrackType) {
	if isLive {
		return
	}
	if int64(len(body)) > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(url); ok {
		c.used -= int64(len(old.body))
	}
	c.lru.Add(url, entry{body: body, effectiveURL: effectiveURL})
	c.used += int64(len(body))

	// Evict oldest entries until within the byte budget.
	for c.used > c.capacity {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}

	c.logger.Debug("playlist cached",
		slog.String("url", url),
		slog.String("track", track.String()),
		slog.Int("bytes", len(body)))
}

// Len returns the number of cached playlists.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// UsedBytes returns the bytes currently held.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Flush drops every cached playlist.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.used = 0
}
