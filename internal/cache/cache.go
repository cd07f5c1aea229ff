// Package cache holds the latest accepted market data per (symbol, kind) with a TTL.
//
// Writes are serialized by an RWMutex and concurrent fetches of the same key are collapsed
// with singleflight, so at most one fetch per (symbol, kind) is in flight.
package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"marketfeed/internal/metrics"
	"marketfeed/models"
)

// Entry is one cached value.
type Entry struct {
	Value     any
	FetchedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

type key struct {
	symbol string
	kind   models.Kind
}

func (k key) String() string { return k.symbol + "/" + string(k.kind) }

// DataCache is safe for concurrent use by the monitor loop and the WebSocket feed.
type DataCache struct {
	ttl time.Duration
	now func() time.Time

	mu         sync.RWMutex
	entries    map[key]Entry
	lastUpdate time.Time

	inflight singleflight.Group
	hits     atomic.Int64
	misses   atomic.Int64
}

func New(ttl time.Duration, now func() time.Time) *DataCache {
	if now == nil {
		now = time.Now
	}
	return &DataCache{ttl: ttl, now: now, entries: make(map[key]Entry)}
}

// TTL returns the lifetime applied to new entries.
func (c *DataCache) TTL() time.Duration { return c.ttl }

// Get returns the value for (symbol, kind) only while it is fresh.
func (c *DataCache) Get(symbol string, kind models.Kind) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key{symbol, kind}]
	c.mu.RUnlock()

	if ok && e.Fresh(c.now()) {
		c.hits.Add(1)
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return e.Value, true
	}
	c.misses.Add(1)
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return nil, false
}

// Lookup is the typed form of Get. A value of another type counts as a miss.
func Lookup[T any](c *DataCache, symbol string, kind models.Kind) (T, bool) {
	v, ok := c.Get(symbol, kind)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Set overwrites the entry and stamps it with the current time.
func (c *DataCache) Set(symbol string, kind models.Kind, value any) {
	now := c.now()
	c.mu.Lock()
	c.entries[key{symbol, kind}] = Entry{Value: value, FetchedAt: now, TTL: c.ttl}
	c.lastUpdate = now
	c.mu.Unlock()
}

// Update runs fn under the write lock with the current fresh value, if any. When fn returns
// true its value replaces the entry. Update reports whether a write happened.
func (c *DataCache) Update(symbol string, kind models.Kind, fn func(old any, ok bool) (any, bool)) bool {
	k := key{symbol, kind}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var old any
	e, ok := c.entries[k]
	if ok && e.Fresh(now) {
		old = e.Value
	} else {
		ok = false
	}

	v, write := fn(old, ok)
	if !write {
		return false
	}
	c.entries[k] = Entry{Value: v, FetchedAt: now, TTL: c.ttl}
	c.lastUpdate = now
	return true
}

// Invalidate drops every entry of the given symbols. With no symbols it clears the whole
// cache and resets LastUpdate.
func (c *DataCache) Invalidate(symbols ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(symbols) == 0 {
		c.entries = make(map[key]Entry)
		c.lastUpdate = time.Time{}
		return
	}
	drop := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		drop[s] = struct{}{}
	}
	for k := range c.entries {
		if _, ok := drop[k.symbol]; ok {
			delete(c.entries, k)
		}
	}
}

// LastUpdate is the time of the most recent write, zero after a full Invalidate.
func (c *DataCache) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// Fetch returns the fresh cached value or runs fn, sharing a single in-flight call among
// all concurrent callers for the same key. The result of fn is not stored; callers Set it
// once it has been validated. cached reports whether the value came from the cache.
func (c *DataCache) Fetch(ctx context.Context, symbol string, kind models.Kind, fn func(context.Context) (any, error)) (v any, cached bool, err error) {
	if v, ok := c.Get(symbol, kind); ok {
		return v, true, nil
	}

	ch := c.inflight.DoChan(key{symbol, kind}.String(), func() (any, error) {
		return fn(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		return res.Val, false, res.Err
	}
}

// Freshness summarises how many of the tracked symbols have a fresh entry for every kind.
type Freshness struct {
	Tracked int      `json:"tracked"`
	Fresh   int      `json:"fresh"`
	Stale   []string `json:"stale,omitempty"`
}

func (c *DataCache) Freshness(symbols []string, kinds []models.Kind) Freshness {
	now := c.now()
	f := Freshness{Tracked: len(symbols)}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range symbols {
		fresh := len(kinds) > 0
		for _, k := range kinds {
			e, ok := c.entries[key{s, k}]
			if !ok || !e.Fresh(now) {
				fresh = false
				break
			}
		}
		if fresh {
			f.Fresh++
		} else {
			f.Stale = append(f.Stale, s)
		}
	}
	return f
}

// Stats are lookup counters since start.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

func (c *DataCache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: n}
}

// EntryInfo describes one entry without its value.
type EntryInfo struct {
	Symbol    string        `json:"symbol"`
	Kind      models.Kind   `json:"kind"`
	FetchedAt time.Time     `json:"fetchedAt"`
	Age       time.Duration `json:"age"`
	Fresh     bool          `json:"fresh"`
}

// Entries lists every entry sorted by symbol then kind.
func (c *DataCache) Entries() []EntryInfo {
	now := c.now()
	c.mu.RLock()
	out := make([]EntryInfo, 0, len(c.entries))
	for k, e := range c.entries {
		out = append(out, EntryInfo{
			Symbol:    k.symbol,
			Kind:      k.kind,
			FetchedAt: e.FetchedAt,
			Age:       now.Sub(e.FetchedAt),
			Fresh:     e.Fresh(now),
		})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
