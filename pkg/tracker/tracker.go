// Package tracker collects per-provider usage statistics for the
// end-of-run report.
package tracker

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Tracker tracks usage statistics per provider plus entity-level counters.
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*ProviderStats

	entitiesRead    int64
	entitiesWritten int64
	entitiesFailed  int64
}

// ProviderStats holds metrics for a specific provider.
// Fields are accessed atomically.
type ProviderStats struct {
	CacheHits   int64
	CacheMisses int64
	APISuccess  int64
	APIFailures int64
}

// New creates a new Tracker.
func New() *Tracker {
	return &Tracker{
		stats: make(map[string]*ProviderStats),
	}
}

// getStats returns the stats object for a provider, creating it if needed.
func (t *Tracker) getStats(provider string) *ProviderStats {
	t.mu.RLock()
	s, ok := t.stats[provider]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Double check
	if s, ok = t.stats[provider]; ok {
		return s
	}
	s = &ProviderStats{}
	t.stats[provider] = s
	return s
}

// TrackCacheHit increments the cache hit counter.
func (t *Tracker) TrackCacheHit(provider string) {
	atomic.AddInt64(&t.getStats(provider).CacheHits, 1)
}

// TrackCacheMiss increments the cache miss counter.
func (t *Tracker) TrackCacheMiss(provider string) {
	atomic.AddInt64(&t.getStats(provider).CacheMisses, 1)
}

// TrackAPISuccess increments the API success counter.
func (t *Tracker) TrackAPISuccess(provider string) {
	atomic.AddInt64(&t.getStats(provider).APISuccess, 1)
}

// TrackAPIFailure increments the API failure counter.
func (t *Tracker) TrackAPIFailure(provider string) {
	atomic.AddInt64(&t.getStats(provider).APIFailures, 1)
}

// TrackEntityRead counts source entities fetched.
func (t *Tracker) TrackEntityRead(n int) {
	atomic.AddInt64(&t.entitiesRead, int64(n))
}

// TrackEntityWritten counts entities written to the target.
func (t *Tracker) TrackEntityWritten() {
	atomic.AddInt64(&t.entitiesWritten, 1)
}

// TrackEntityFailed counts entities whose write failed.
func (t *Tracker) TrackEntityFailed() {
	atomic.AddInt64(&t.entitiesFailed, 1)
}

// EntityCounts returns the read/written/failed counters.
func (t *Tracker) EntityCounts() (read, written, failed int64) {
	return atomic.LoadInt64(&t.entitiesRead),
		atomic.LoadInt64(&t.entitiesWritten),
		atomic.LoadInt64(&t.entitiesFailed)
}

// Snapshot returns a copy of the current per-provider stats.
func (t *Tracker) Snapshot() map[string]ProviderStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]ProviderStats)
	for k, v := range t.stats {
		result[k] = ProviderStats{
			CacheHits:   atomic.LoadInt64(&v.CacheHits),
			CacheMisses: atomic.LoadInt64(&v.CacheMisses),
			APISuccess:  atomic.LoadInt64(&v.APISuccess),
			APIFailures: atomic.LoadInt64(&v.APIFailures),
		}
	}
	return result
}

// Report logs the run summary, one line per provider in stable order.
func (t *Tracker) Report(logger *slog.Logger) {
	read, written, failed := t.EntityCounts()
	logger.Info("Migration Summary", "entities_read", read, "entities_written", written, "entities_failed", failed)

	snap := t.Snapshot()
	providers := make([]string, 0, len(snap))
	for p := range snap {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	for _, p := range providers {
		s := snap[p]
		logger.Info("Provider Stats", "provider", p,
			"requests_ok", s.APISuccess, "requests_failed", s.APIFailures,
			"cache_hits", s.CacheHits, "cache_misses", s.CacheMisses)
	}
}
