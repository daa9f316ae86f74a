package admission

import (
	"sync"
	"time"
)

// Default gate settings.
const (
	DefaultRebuildInterval = 10 * time.Minute
	DefaultMaxHits         = 5
)

// Gate decides whether a queued download accepts a wake up request.
type Gate struct {
	RebuildInterval time.Duration
	MaxHits         int

	mu        sync.Mutex
	filter    *Filter
	count     int
	countTime time.Time
}

// NewGate returns a Gate with default settings.
func NewGate() *Gate {
	return &Gate{RebuildInterval: DefaultRebuildInterval, MaxHits: DefaultMaxHits}
}

// Request records a request from key. It returns false if key asked more
// than MaxHits times since the last rebuild. On success the returned value
// is the number of requests in the filter.
func (g *Gate) Request(key []byte, now time.Time) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.filter == nil || now.Sub(g.filter.Created()) > g.RebuildInterval {
		g.filter = New(now)
	}
	if g.filter.Add(key) > g.MaxHits {
		return 0, false
	}
	g.count = g.filter.EntryCount()
	g.countTime = now
	return g.count, true
}

// Release removes every request of key.
func (g *Gate) Release(key []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.filter == nil {
		return
	}
	g.filter.RemoveAll(key)
	g.count = g.filter.EntryCount()
}

// Drop discards the filter.
func (g *Gate) Drop() {
	g.mu.Lock()
	g.filter = nil
	g.mu.Unlock()
}

// ResetCount clears the last known request count.
func (g *Gate) ResetCount() {
	g.mu.Lock()
	g.count = 0
	g.mu.Unlock()
}

// Count returns the number of requests seen at the last accepted request.
// It decays to zero when no request is accepted for RebuildInterval.
func (g *Gate) Count(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count > 0 && !g.countTime.IsZero() && now.Sub(g.countTime) > g.RebuildInterval {
		g.count = 0
	}
	return g.count
}
