// Package cache is a bounded, TTL-aware store of prior DNS answers with LRU
// eviction and short-lived negative entries.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
)

// Entry is one cached resolution outcome. Entries are replaced wholesale on
// Put, never mutated in place.
type Entry struct {
	Name     string
	Type     uint16
	Records  []dns.RR
	Rcode    int
	Negative bool

	ExpiresAt time.Time
}

// Remaining returns the entry's remaining lifetime, zero when expired.
func (e *Entry) Remaining(now time.Time) time.Duration {
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Entries   int
	Evictions uint64
	Sets      uint64
	HitRate   float64
}

// Cache is a thread-safe DNS answer cache with LRU eviction and TTL expiry.
type Cache struct {
	cfg    *config.CacheConfig
	logger *logging.Logger

	mu      sync.RWMutex
	entries map[uint64]*list.Element
	order   *list.List // front = most recently used

	hits      uint64
	misses    uint64
	evictions uint64
	sets      uint64

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

type node struct {
	key   uint64
	entry *Entry
}

// New creates a cache and starts its background expiry sweep.
func New(cfg *config.CacheConfig, logger *logging.Logger) (*Cache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cache config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max_entries must be positive, got %d", cfg.MaxEntries)
	}

	c := &Cache{
		cfg:       cfg,
		logger:    logger,
		entries:   make(map[uint64]*list.Element, cfg.MaxEntries),
		order:     list.New(),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	go c.sweepLoop()

	logger.Info("DNS cache initialized",
		"max_entries", cfg.MaxEntries,
		"min_ttl", cfg.MinTTL,
		"max_ttl", cfg.MaxTTL,
		"negative_ttl", cfg.NegativeTTL)

	return c, nil
}

// Get returns the live entry for (name, qtype) or nil on miss. An expired
// entry is removed and reported as a miss; expired answers are never served.
// Returned records are deep copies, callers may rewrite TTLs freely.
func (c *Cache) Get(name string, qtype uint16) *Entry {
	if !c.cfg.Enabled {
		return nil
	}

	k := Key(name, qtype)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.entries[k]
	if !found {
		c.misses++
		return nil
	}

	entry := elem.Value.(*node).entry
	if now.After(entry.ExpiresAt) {
		c.removeLocked(k, elem)
		c.misses++
		return nil
	}

	c.order.MoveToFront(elem)
	c.hits++

	return copyEntry(entry)
}

// Put stores a positive entry under its (Name, Type) key, clamping ttl to
// the configured bounds. Last writer wins for concurrent puts on one key.
func (c *Cache) Put(name string, qtype uint16, rcode int, records []dns.RR, ttl time.Duration) {
	if !c.cfg.Enabled || ttl <= 0 {
		return
	}

	if ttl < c.cfg.MinTTL {
		ttl = c.cfg.MinTTL
	}
	if ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}

	c.store(&Entry{
		Name:      name,
		Type:      qtype,
		Records:   records,
		Rcode:     rcode,
		ExpiresAt: time.Now().Add(ttl),
	})
}

// PutNegative caches a no-such-name or no-data outcome for the configured
// negative TTL so nonexistent names do not hammer upstream.
func (c *Cache) PutNegative(name string, qtype uint16, rcode int) {
	if !c.cfg.Enabled {
		return
	}

	c.store(&Entry{
		Name:      name,
		Type:      qtype,
		Rcode:     rcode,
		Negative:  true,
		ExpiresAt: time.Now().Add(c.cfg.NegativeTTL),
	})
}

func (c *Cache) store(entry *Entry) {
	k := Key(entry.Name, entry.Type)
	stored := copyEntry(entry)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.entries[k]; found {
		// Replacement, not partial update.
		elem.Value.(*node).entry = stored
		c.order.MoveToFront(elem)
		c.sets++
		return
	}

	if c.order.Len() >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}

	c.entries[k] = c.order.PushFront(&node{key: k, entry: stored})
	c.sets++
}

// evictOldestLocked drops the least recently used entry.
func (c *Cache) evictOldestLocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.removeLocked(oldest.Value.(*node).key, oldest)
	c.evictions++
}

func (c *Cache) removeLocked(key uint64, elem *list.Element) {
	c.order.Remove(elem)
	delete(c.entries, key)
}

// ExtractTTL returns the smallest TTL across the answer records, or zero
// when there are none.
func ExtractTTL(records []dns.RR) time.Duration {
	if len(records) == 0 {
		return 0
	}
	minTTL := records[0].Header().Ttl
	for _, rr := range records[1:] {
		if ttl := rr.Header().Ttl; ttl < minTTL {
			minTTL = ttl
		}
	}
	return time.Duration(minTTL) * time.Second
}

// sweepLoop proactively removes expired entries so idle keys do not pin
// memory until their next lookup.
func (c *Cache) sweepLoop() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.entries {
		if now.After(elem.Value.(*node).entry.ExpiresAt) {
			c.removeLocked(key, elem)
			removed++
		}
	}

	if removed > 0 {
		c.evictions += uint64(removed)
		c.logger.Debug("Swept expired cache entries", "removed", removed, "remaining", len(c.entries))
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Entries:   len(c.entries),
		Evictions: c.evictions,
		Sets:      c.sets,
		HitRate:   hitRate,
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uint64]*list.Element, c.cfg.MaxEntries)
	c.order.Init()
	c.logger.Info("Cache cleared")
}

// Close stops the sweep goroutine.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopSweep)
		<-c.sweepDone
	})
	return nil
}

func copyEntry(e *Entry) *Entry {
	clone := *e
	if len(e.Records) > 0 {
		clone.Records = make([]dns.RR, len(e.Records))
		for i, rr := range e.Records {
			clone.Records[i] = dns.Copy(rr)
		}
	}
	return &clone
}
