// Package cache short-circuits re-detection of content whose scenes were
// already produced with an equivalent parameter set.
package cache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/heimdex/heimdex-scenes/internal/metrics"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

const DefaultCapacity = 128

// Store is the durable tier: persisted scenes plus the detection state that
// says which parameter key produced them.
type Store interface {
	ListByContent(ctx context.Context, contentID string, includeMerged bool) ([]*scene.Scene, error)
	DetectionState(ctx context.Context, contentID string) (*scene.DetectionState, error)
	InvalidateDetected(ctx context.Context, contentID string) error
}

// Shared is an optional cross-process tier.
type Shared interface {
	Get(ctx context.Context, contentID, paramsKey string) ([]*scene.Scene, bool, error)
	Set(ctx context.Context, contentID, paramsKey string, scenes []*scene.Scene) error
	DeleteContent(ctx context.Context, contentID string) error
}

type entry struct {
	contentID string
	scenes    []*scene.Scene
}

// ResultCache layers a bounded in-process FIFO tier over an optional shared
// tier and the durable store. Every tier fails open: errors are logged and
// treated as misses.
type ResultCache struct {
	mu       sync.RWMutex
	entries  map[string]entry
	order    []string
	capacity int
	// gens counts drops per content. A lower-tier result read under an older
	// generation is not written back to memory.
	gens map[string]uint64

	shared  Shared
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*ResultCache)

func WithShared(s Shared) Option {
	return func(c *ResultCache) { c.shared = s }
}

func WithStore(s Store) Option {
	return func(c *ResultCache) { c.store = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *ResultCache) { c.metrics = m }
}

func New(capacity int, logger *slog.Logger, opts ...Option) *ResultCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &ResultCache{
		entries:  make(map[string]entry),
		gens:     make(map[string]uint64),
		capacity: capacity,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(contentID, paramsKey string) string {
	return contentID + "\x00" + paramsKey
}

// Get returns the scenes stored for contentID under params. Callers receive
// copies and may mutate them freely.
func (c *ResultCache) Get(ctx context.Context, contentID string, params scene.Params) ([]*scene.Scene, bool) {
	pk := params.Key()
	key := cacheKey(contentID, pk)

	c.mu.RLock()
	e, ok := c.entries[key]
	gen := c.gens[contentID]
	c.mu.RUnlock()
	c.metrics.CacheLookup("memory", ok)
	if ok {
		return cloneAll(e.scenes), true
	}

	if c.shared != nil {
		scenes, hit, err := c.shared.Get(ctx, contentID, pk)
		if err != nil {
			c.logger.Warn("shared cache lookup failed", "content_id", contentID, "error", err)
		}
		c.metrics.CacheLookup("shared", hit && err == nil)
		if hit && err == nil {
			c.fill(key, contentID, gen, scenes)
			return cloneAll(scenes), true
		}
	}

	if c.store != nil {
		scenes, hit := c.durable(ctx, contentID, pk)
		c.metrics.CacheLookup("durable", hit)
		if hit {
			if !c.fill(key, contentID, gen, scenes) {
				return cloneAll(scenes), true
			}
			if c.shared != nil {
				if err := c.shared.Set(ctx, contentID, pk, scenes); err != nil {
					c.logger.Warn("shared cache populate failed", "content_id", contentID, "error", err)
				} else if c.generation(contentID) != gen {
					// dropped while populating; take the stale copy back out
					if err := c.shared.DeleteContent(ctx, contentID); err != nil {
						c.logger.Warn("shared cache invalidate failed", "content_id", contentID, "error", err)
					}
				}
			}
			return cloneAll(scenes), true
		}
	}

	return nil, false
}

func (c *ResultCache) durable(ctx context.Context, contentID, paramsKey string) ([]*scene.Scene, bool) {
	st, err := c.store.DetectionState(ctx, contentID)
	if err != nil {
		c.logger.Warn("durable cache state lookup failed", "content_id", contentID, "error", err)
		return nil, false
	}
	if st == nil || !st.Valid || st.ParamsKey != paramsKey {
		return nil, false
	}

	scenes, err := c.store.ListByContent(ctx, contentID, false)
	if err != nil {
		c.logger.Warn("durable cache scene lookup failed", "content_id", contentID, "error", err)
		return nil, false
	}
	if len(scenes) == 0 {
		return nil, false
	}
	for _, s := range scenes {
		if s.DetectionParams.Key() != paramsKey {
			c.logger.Warn("durable cache inconsistent, treating as miss",
				"content_id", contentID, "scene_id", s.ID)
			return nil, false
		}
	}
	return scenes, true
}

// Put stores scenes in the in-process and shared tiers. The durable tier is
// written by the detection commit itself.
func (c *ResultCache) Put(ctx context.Context, contentID string, params scene.Params, scenes []*scene.Scene) {
	pk := params.Key()
	c.putMemory(cacheKey(contentID, pk), contentID, cloneAll(scenes))
	if c.shared != nil {
		if err := c.shared.Set(ctx, contentID, pk, scenes); err != nil {
			c.logger.Warn("shared cache put failed", "content_id", contentID, "error", err)
		}
	}
}

// Replace drops the in-process and shared entries of contentID and stores
// scenes under params. It is used after a detection commit, which has already
// rewritten the durable tier.
func (c *ResultCache) Replace(ctx context.Context, contentID string, params scene.Params, scenes []*scene.Scene) {
	c.dropMemory(contentID)
	if c.shared != nil {
		if err := c.shared.DeleteContent(ctx, contentID); err != nil {
			c.logger.Warn("shared cache invalidate failed", "content_id", contentID, "error", err)
		}
	}
	c.Put(ctx, contentID, params, scenes)
}

func (c *ResultCache) dropMemory(contentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[contentID]++
	kept := c.order[:0]
	for _, key := range c.order {
		if c.entries[key].contentID == contentID {
			delete(c.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
}

func (c *ResultCache) generation(contentID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[contentID]
}

// fill stores a lower-tier result unless contentID was dropped since gen was
// read. It reports whether the result was stored.
func (c *ResultCache) fill(key, contentID string, gen uint64, scenes []*scene.Scene) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[contentID] != gen {
		c.logger.Debug("cache fill skipped after invalidation", "content_id", contentID)
		return false
	}
	c.insertLocked(key, contentID, scenes)
	return true
}

func (c *ResultCache) putMemory(key, contentID string, scenes []*scene.Scene) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(key, contentID, scenes)
}

// insertLocked must be called with mu held.
func (c *ResultCache) insertLocked(key, contentID string, scenes []*scene.Scene) {
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = entry{contentID: contentID, scenes: scenes}

	for len(c.entries) > c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Refresh drops the in-process and shared entries of contentID but keeps the
// durable result valid, so the next Get rereads the stored scenes. It follows
// edits that change scene metadata without moving any boundary.
func (c *ResultCache) Refresh(ctx context.Context, contentID string) {
	c.dropMemory(contentID)
	if c.shared != nil {
		if err := c.shared.DeleteContent(ctx, contentID); err != nil {
			c.logger.Warn("shared cache refresh failed", "content_id", contentID, "error", err)
		}
	}
}

// Invalidate drops every entry for contentID in all tiers, so that a later Get
// misses for every parameter set.
func (c *ResultCache) Invalidate(ctx context.Context, contentID string) {
	c.dropMemory(contentID)

	if c.shared != nil {
		if err := c.shared.DeleteContent(ctx, contentID); err != nil {
			c.logger.Warn("shared cache invalidate failed", "content_id", contentID, "error", err)
		}
	}
	if c.store != nil {
		if err := c.store.InvalidateDetected(ctx, contentID); err != nil {
			c.logger.Warn("durable cache invalidate failed", "content_id", contentID, "error", err)
		}
	}
}

// Len returns the number of in-process entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cloneAll(scenes []*scene.Scene) []*scene.Scene {
	out := make([]*scene.Scene, len(scenes))
	for i, s := range scenes {
		out[i] = s.Clone()
	}
	return out
}
