// Package counters keeps per-download transfer totals.
package counters

import "sync/atomic"

// Name selects one of the counters.
type Name int

// Transfer counters. Session values are added to the persisted totals on stop.
const (
	DataReceived Name = iota
	DataSent
	ProtocolReceived
	ProtocolSent
	Discarded
	HashFailed
	numCounters
)

var names = [numCounters]string{
	"data_received",
	"data_sent",
	"protocol_received",
	"protocol_sent",
	"discarded",
	"hash_failed",
}

func (n Name) String() string {
	if n < 0 || n >= numCounters {
		return "unknown"
	}
	return names[n]
}

// Counters provides concurrent-safe access over set of integers.
type Counters [numCounters]int64

// Incr adds value to the named counter and returns the new value.
func (c *Counters) Incr(name Name, value int64) int64 {
	return atomic.AddInt64(&c[name], value)
}

// Read returns the current value of the named counter.
func (c *Counters) Read(name Name) int64 {
	return atomic.LoadInt64(&c[name])
}

// Swap resets every counter to zero and returns the previous values.
func (c *Counters) Swap() map[Name]int64 {
	m := make(map[Name]int64, numCounters)
	for i := range c {
		m[Name(i)] = atomic.SwapInt64(&c[i], 0)
	}
	return m
}

// Names returns all counter names in declaration order.
func Names() []Name {
	l := make([]Name, numCounters)
	for i := range l {
		l[i] = Name(i)
	}
	return l
}
