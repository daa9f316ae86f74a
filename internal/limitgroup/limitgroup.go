// Package limitgroup implements a named bandwidth budget shared by several swarms.
//
// A Group is mutated only by its owner (the bias controller or the user).
// Swarms read it on every send without locking.
package limitgroup

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Unlimited is the ceiling value that disables limiting.
const Unlimited = 0

// Group is a shared bytes-per-second ceiling.
type Group struct {
	name     string
	ceiling  atomic.Int64
	disabled atomic.Bool
	bucket   atomic.Pointer[ratelimit.Bucket]
}

// New returns an unlimited group.
func New(name string) *Group {
	return &Group{name: name}
}

// Name of the group.
func (g *Group) Name() string { return g.name }

// Ceiling returns the current limit in bytes per second, 0 if unlimited.
func (g *Group) Ceiling() int64 { return g.ceiling.Load() }

// SetCeiling changes the limit. The token bucket is replaced so readers
// never observe a partially updated bucket.
func (g *Group) SetCeiling(bytesPerSec int64) {
	if bytesPerSec < 0 {
		bytesPerSec = Unlimited
	}
	if g.ceiling.Swap(bytesPerSec) == bytesPerSec {
		return
	}
	if bytesPerSec == Unlimited {
		g.bucket.Store(nil)
		return
	}
	// Allow a burst of one second worth of data.
	g.bucket.Store(ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec))
}

// Disabled reports whether the group is switched off regardless of its ceiling.
func (g *Group) Disabled() bool { return g.disabled.Load() }

// SetDisabled switches the group off or on.
func (g *Group) SetDisabled(v bool) { g.disabled.Store(v) }

// Limited reports whether sends through this group are currently throttled.
func (g *Group) Limited() bool {
	return !g.Disabled() && g.Ceiling() != Unlimited
}

// Take returns how many of n bytes may be sent now.
func (g *Group) Take(n int64) int64 {
	if g.Disabled() {
		return n
	}
	b := g.bucket.Load()
	if b == nil {
		return n
	}
	return b.TakeAvailable(n)
}
