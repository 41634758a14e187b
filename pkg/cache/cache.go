// Package cache provides the content-addressed deduplication cache with
// single-flight semantics. Submissions are keyed by the SHA-256 of the
// raw image bytes; identical concurrent submissions share one pipeline
// execution, and completed results are kept in a size-bounded LRU.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/manuscriptlab/palimpsest/pkg/metrics"
	"github.com/manuscriptlab/palimpsest/pkg/models"
)

// ErrFlightAborted is delivered to subscribers when the primary run failed
// or was cancelled; the in-flight entry is gone, so resubmitting retries.
var ErrFlightAborted = errors.New("pipeline run aborted")

// Hash returns the hex SHA-256 content hash for an image payload.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Flight represents one pipeline execution that has started but not
// completed. The primary caller settles it exactly once via Complete or
// Abort; subscribers Wait on it and receive only the terminal result.
type Flight struct {
	hash  string
	cache *Cache

	once   sync.Once
	done   chan struct{}
	result *models.ResurrectionResult
	err    error
}

// Complete installs the result as a Ready cache entry and wakes all
// subscribers. Safe to call at most once; later Complete/Abort calls are
// no-ops.
func (f *Flight) Complete(result *models.ResurrectionResult) {
	f.once.Do(func() {
		f.result = result
		f.cache.settle(f.hash, result)
		close(f.done)
	})
}

// Abort removes the in-flight entry so the next identical submission
// re-runs the pipeline. Subscribers are woken with ErrFlightAborted.
func (f *Flight) Abort(cause error) {
	f.once.Do(func() {
		if cause == nil {
			cause = ErrFlightAborted
		}
		f.err = fmt.Errorf("%w: %w", ErrFlightAborted, cause)
		f.cache.settle(f.hash, nil)
		metrics.CacheEvents.WithLabelValues("abort").Inc()
		close(f.done)
	})
}

// Wait blocks until the flight settles or ctx is done. The map lock is
// never held here; the done channel is the flight's own wait primitive.
func (f *Flight) Wait(ctx context.Context) (*models.ResurrectionResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats is a point-in-time view of cache traffic.
type Stats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	InFlight  int    `json:"in_flight"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Joins     uint64 `json:"joins"`
	Evictions uint64 `json:"evictions"`
}

// Outcome is the result of GetOrStart. Exactly one of three shapes:
// Result set (Ready hit), Flight set with Primary=false (joined an
// in-flight run), or Flight set with Primary=true (caller must run the
// pipeline and settle the flight).
type Outcome struct {
	Result  *models.ResurrectionResult
	Flight  *Flight
	Primary bool
}

// Cache is the dedup map. A single mutex guards both the ready LRU and
// the in-flight map; flights carry their own wait primitive so subscribers
// never block under the lock.
type Cache struct {
	mu       sync.Mutex
	ready    *lru.Cache[string, *models.ResurrectionResult]
	inflight map[string]*Flight
	capacity int

	hits, misses, joins, evictions uint64
}

// New creates a cache bounded to size completed entries.
func New(size int) (*Cache, error) {
	c := &Cache{
		inflight: make(map[string]*Flight),
		capacity: size,
	}
	ready, err := lru.NewWithEvict[string, *models.ResurrectionResult](size, func(string, *models.ResurrectionResult) {
		c.evictions++
		metrics.CacheEvents.WithLabelValues("evict").Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("create LRU: %w", err)
	}
	c.ready = ready
	return c, nil
}

// GetOrStart resolves a submission hash against the cache.
func (c *Cache) GetOrStart(hash string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result, ok := c.ready.Get(hash); ok {
		c.hits++
		metrics.CacheEvents.WithLabelValues("hit").Inc()
		return Outcome{Result: result}
	}
	if flight, ok := c.inflight[hash]; ok {
		c.joins++
		metrics.CacheEvents.WithLabelValues("join").Inc()
		return Outcome{Flight: flight}
	}

	c.misses++
	metrics.CacheEvents.WithLabelValues("miss").Inc()
	flight := &Flight{hash: hash, cache: c, done: make(chan struct{})}
	c.inflight[hash] = flight
	return Outcome{Flight: flight, Primary: true}
}

// Lookup returns a Ready entry without starting anything. Used by the
// archive endpoint; does not disturb hit/miss counters.
func (c *Cache) Lookup(hash string) (*models.ResurrectionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready.Get(hash)
}

// settle moves a flight out of the in-flight map, installing the result
// as Ready when non-nil.
func (c *Cache) settle(hash string, result *models.ResurrectionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, hash)
	if result != nil {
		c.ready.Add(hash, result)
	}
}

// Stats returns current traffic counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.ready.Len(),
		Capacity:  c.capacity,
		InFlight:  len(c.inflight),
		Hits:      c.hits,
		Misses:    c.misses,
		Joins:     c.joins,
		Evictions: c.evictions,
	}
}
