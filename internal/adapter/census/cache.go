package census

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
	"github.com/couchcryptid/acs-housing-etl/internal/observability"
)

// API is the subset of the Census client the fetcher needs.
type API interface {
	FetchTable(ctx context.Context, dataset domain.Dataset, year int, geo domain.Geography, vars []string) ([][]*string, error)
	FetchVariable(ctx context.Context, dataset domain.Dataset, year int, code string) (domain.VariableMeta, error)
}

// CachedClient wraps an API with in-memory LRU caches whose entries expire
// after a TTL.
type CachedClient struct {
	inner     API
	tables    *lruCache[[][]*string]
	variables *lruCache[domain.VariableMeta]
	metrics   *observability.Metrics
}

// NewCachedClient creates a cache decorator around a Census API.
func NewCachedClient(inner API, maxEntries int, ttl time.Duration, clock clockwork.Clock, metrics *observability.Metrics) *CachedClient {
	return &CachedClient{
		inner:     inner,
		tables:    newLRUCache[[][]*string](maxEntries, ttl, clock),
		variables: newLRUCache[domain.VariableMeta](maxEntries, ttl, clock),
		metrics:   metrics,
	}
}

func (c *CachedClient) FetchTable(ctx context.Context, dataset domain.Dataset, year int, geo domain.Geography, vars []string) ([][]*string, error) {
	key := fmt.Sprintf("data:%s|%d|%s|%s|%s", dataset, year, geo, geo.Within, strings.Join(vars, ","))
	if rows, ok := c.tables.get(key); ok {
		c.metrics.CensusCache.WithLabelValues(endpointData, "hit").Inc()
		return rows, nil
	}
	c.metrics.CensusCache.WithLabelValues(endpointData, "miss").Inc()

	rows, err := c.inner.FetchTable(ctx, dataset, year, geo, vars)
	if err != nil {
		return rows, err
	}
	// Only cache non-empty results so unreleased vintages are retried.
	if len(rows) > 1 {
		c.tables.put(key, rows)
	}
	return rows, nil
}

func (c *CachedClient) FetchVariable(ctx context.Context, dataset domain.Dataset, year int, code string) (domain.VariableMeta, error) {
	key := fmt.Sprintf("var:%s|%d|%s", dataset, year, code)
	if meta, ok := c.variables.get(key); ok {
		c.metrics.CensusCache.WithLabelValues(endpointVariable, "hit").Inc()
		return meta, nil
	}
	c.metrics.CensusCache.WithLabelValues(endpointVariable, "miss").Inc()

	meta, err := c.inner.FetchVariable(ctx, dataset, year, code)
	if err != nil {
		return meta, err
	}
	if meta.Label != "" {
		c.variables.put(key, meta)
	}
	return meta, nil
}

// lruCache is a simple thread-safe LRU cache with per-entry expiry.
type lruCache[V any] struct {
	maxEntries int
	ttl        time.Duration
	clock      clockwork.Clock
	mu         sync.Mutex
	entries    map[string]*entry[V]
	head       *entry[V] // most recently used
	tail       *entry[V] // least recently used
}

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
	prev    *entry[V]
	next    *entry[V]
}

func newLRUCache[V any](maxEntries int, ttl time.Duration, clock clockwork.Clock) *lruCache[V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &lruCache[V]{
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clock,
		entries:    make(map[string]*entry[V]),
	}
}

func (c *lruCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.ttl > 0 && !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		c.remove(e)
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.clock.Now().Add(c.ttl)
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expires = expires
		c.moveToFront(e)
		return
	}

	e := &entry[V]{key: key, value: value, expires: expires}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache[V]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache[V]) moveToFront(e *entry[V]) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache[V]) addToFront(e *entry[V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[V]) remove(e *entry[V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache[V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
