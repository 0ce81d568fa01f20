package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// Key identifies the input of an analysis
type Key struct {
	RecordCount  int    `json:"record_count"`
	FilterActive bool   `json:"filter_active"`
	FileIdentity string `json:"file_identity,omitempty"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d|%t|%s", k.RecordCount, k.FilterActive, k.FileIdentity)
}

// Entry is one committed analysis outcome. Entries are never modified after
// commit.
type Entry struct {
	Key        Key                   `json:"key"`
	AnalysisID string                `json:"analysis_id"`
	Threats    []model.Threat        `json:"threats"`
	Metrics    model.SecurityMetrics `json:"metrics"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Store persists entries across restarts
type Store interface {
	Load(ctx context.Context, key Key) (*Entry, bool, error)
	Save(ctx context.Context, key Key, entry *Entry) error
}

// AnalysisCache memoizes the last successful analysis
type AnalysisCache struct {
	mu    sync.RWMutex
	entry *Entry
}

// NewAnalysisCache creates an empty cache
func NewAnalysisCache() *AnalysisCache {
	return &AnalysisCache{}
}

// ShouldSkip reports whether a prior non-empty result exists for the same
// record count and filter-active flag
func (c *AnalysisCache) ShouldSkip(count int, filterActive bool) bool {
	return c.ShouldSkipKey(Key{RecordCount: count, FilterActive: filterActive})
}

// ShouldSkipKey is ShouldSkip that also compares file identities when both
// sides carry one
func (c *AnalysisCache) ShouldSkipKey(k Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e := c.entry
	if e == nil || len(e.Threats) == 0 {
		return false
	}
	if e.Key.RecordCount != k.RecordCount || e.Key.FilterActive != k.FilterActive {
		return false
	}
	if k.FileIdentity != "" && e.Key.FileIdentity != "" && k.FileIdentity != e.Key.FileIdentity {
		return false
	}
	return true
}

// Last returns the committed entry
func (c *AnalysisCache) Last() (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry, c.entry != nil
}

// Commit replaces the cached entry as a whole
func (c *AnalysisCache) Commit(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = entry
}

// Invalidate drops the cached entry
func (c *AnalysisCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
}

// Guard admits one analysis at a time. A request that cannot acquire it is
// dropped, not queued.
type Guard struct {
	running atomic.Bool
}

// TryAcquire takes the guard if no run is active
func (g *Guard) TryAcquire() bool {
	return g.running.CompareAndSwap(false, true)
}

// Release frees the guard
func (g *Guard) Release() {
	g.running.Store(false)
}

// Running reports whether a run holds the guard
func (g *Guard) Running() bool {
	return g.running.Load()
}
