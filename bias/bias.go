// Package bias implements a controller that keeps seeding-only downloads
// from starving the upload capacity needed by incomplete downloads.
//
// Every tick the controller classifies registered swarms as complete or
// incomplete and attaches a shared upload limit group to the complete
// ones. The ceiling of the group is tuned from throughput samples and
// halved when the link is reported as choked.
package bias

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/rainctl/internal/limitgroup"
	"github.com/cenkalti/rainctl/internal/logger"
	"github.com/cenkalti/rainctl/swarm"
	"github.com/rcrowley/go-metrics"
)

// State of the controller.
type State int32

// Controller states.
const (
	Disabled State = iota
	Sampling
	Adjusting
	Cooldown
)

var stateStrings = [...]string{"disabled", "sampling", "adjusting", "cooldown"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateStrings) {
		return "unknown"
	}
	return stateStrings[s]
}

// Controller tunes the upload ceiling of complete downloads.
// Everything but the exported methods runs on the Run goroutine.
type Controller struct {
	config Config
	group  *limitgroup.Group
	log    logger.Logger
	now    func() time.Time
	tickC  <-chan time.Time

	state atomic.Int32

	// pending commands, applied on the Run goroutine
	mu       sync.Mutex
	commands []func()
	notifyC  chan struct{}

	entries map[swarm.Handle]*entry
	chokes  []choke
	// choke estimate, 0 if unknown
	known    int64
	choked   bool
	cooldown int
	samples  []sample
	prev     *window

	ceilingGauge    metrics.Gauge
	completeGauge   metrics.Gauge
	incompleteGauge metrics.Gauge
	chokeCounter    metrics.Counter
}

type entry struct {
	h        swarm.Handle
	complete bool
	attached bool
	lastSent int64
	seen     bool
}

type choke struct {
	t     time.Time
	limit int64
}

type sample struct {
	complete, incomplete int64
}

// window summarizes SampleTicks samples and the ceiling they were taken with.
type window struct {
	ceiling    int64
	total      int64
	incomplete int64
	ratio      float64
}

// New returns a controller. Metrics are registered in r.
func New(cfg Config, r metrics.Registry) *Controller {
	if r == nil {
		r = metrics.NewRegistry()
	}
	c := &Controller{
		config:          cfg.withDefaults(),
		group:           limitgroup.New("bias"),
		log:             logger.New("bias"),
		now:             time.Now,
		notifyC:         make(chan struct{}, 1),
		entries:         make(map[swarm.Handle]*entry),
		ceilingGauge:    metrics.GetOrRegisterGauge("bias.ceiling", r),
		completeGauge:   metrics.GetOrRegisterGauge("bias.rate.complete", r),
		incompleteGauge: metrics.GetOrRegisterGauge("bias.rate.incomplete", r),
		chokeCounter:    metrics.GetOrRegisterCounter("bias.chokes", r),
	}
	if c.config.Enabled {
		c.state.Store(int32(Sampling))
	}
	return c
}

// Group returns the limit group attached to complete downloads.
func (c *Controller) Group() *limitgroup.Group { return c.group }

// Ceiling returns the current upload ceiling of complete downloads, 0 if unlimited.
func (c *Controller) Ceiling() int64 { return c.group.Ceiling() }

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Register adds a swarm to the controller.
func (c *Controller) Register(h swarm.Handle) {
	c.post(func() {
		if _, ok := c.entries[h]; ok {
			return
		}
		c.entries[h] = &entry{h: h}
	})
}

// Unregister removes a swarm and detaches the limit group from it.
func (c *Controller) Unregister(h swarm.Handle) {
	c.post(func() {
		e, ok := c.entries[h]
		if !ok {
			return
		}
		if e.attached {
			h.RemoveRateLimiter(c.group, true)
		}
		delete(c.entries, h)
	})
}

// BadLimit reports that the link was choked at bytesPerSec.
func (c *Controller) BadLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		return
	}
	c.post(func() {
		c.pruneChokes()
		c.chokes = append(c.chokes, choke{t: c.now(), limit: bytesPerSec})
		c.choked = true
	})
}

func (c *Controller) post(f func()) {
	c.mu.Lock()
	c.commands = append(c.commands, f)
	c.mu.Unlock()
	select {
	case c.notifyC <- struct{}{}:
	default:
	}
}

func (c *Controller) runCommands() {
	c.mu.Lock()
	l := c.commands
	c.commands = nil
	c.mu.Unlock()
	for _, f := range l {
		f()
	}
}

// Run ticks until stopC is closed. Limit groups are detached before returning.
func (c *Controller) Run(stopC chan struct{}) {
	tickC := c.tickC
	if tickC == nil {
		ticker := time.NewTicker(c.config.Tick)
		defer ticker.Stop()
		tickC = ticker.C
	}
	for {
		select {
		case <-tickC:
			c.tick()
		case <-c.notifyC:
			c.runCommands()
		case <-stopC:
			c.runCommands()
			for h, e := range c.entries {
				if e.attached {
					h.RemoveRateLimiter(c.group, true)
				}
			}
			c.entries = make(map[swarm.Handle]*entry)
			return
		}
	}
}

// tick takes one sample and adjusts the ceiling.
func (c *Controller) tick() {
	c.runCommands()

	var completeBytes, incompleteBytes int64
	var nComplete, nIncomplete int
	var interesting bool
	for _, e := range c.entries {
		st := e.h.Stats()
		delta := st.DataSent - e.lastSent
		if !e.seen || delta < 0 {
			delta = 0
		}
		e.lastSent = st.DataSent
		e.seen = true

		e.complete = !e.h.HasDownloadablePiece()
		if e.complete {
			nComplete++
			completeBytes += delta
			if !e.attached {
				e.h.AddRateLimiter(c.group, true)
				e.attached = true
			}
			continue
		}
		nIncomplete++
		incompleteBytes += delta
		if e.attached {
			e.h.RemoveRateLimiter(c.group, true)
			e.attached = false
		}
		if c.interesting(st) {
			interesting = true
		}
	}

	perSec := func(n int64) int64 { return n * int64(time.Second) / int64(c.config.Tick) }
	completeRate, incompleteRate := perSec(completeBytes), perSec(incompleteBytes)
	c.completeGauge.Update(completeRate)
	c.incompleteGauge.Update(incompleteRate)

	if !c.config.Enabled {
		c.reset(Disabled)
		return
	}
	if nComplete == 0 || nIncomplete == 0 || !interesting {
		c.reset(Sampling)
		return
	}

	if c.choked {
		c.onChoke()
		return
	}
	if c.cooldown > 0 {
		c.cooldown--
		if c.cooldown == 0 {
			c.state.Store(int32(Sampling))
		}
		return
	}

	c.samples = append(c.samples, sample{complete: completeRate, incomplete: incompleteRate})
	if len(c.samples) < c.config.SampleTicks {
		return
	}
	c.adjust()
}

// interesting reports whether an incomplete download is transferring
// well enough for its throughput to be a useful signal.
func (c *Controller) interesting(st swarm.Stats) bool {
	if st.DataReceiveRate < c.config.MinDownloadRate {
		return false
	}
	if st.UnchokedPeers < c.config.MinUnchokedPeers {
		return false
	}
	if st.DownloadLimit > 0 && st.DataReceiveRate >= st.DownloadLimit-st.DownloadLimit/10 {
		return false
	}
	return true
}

// reset lifts the ceiling and forgets samples.
func (c *Controller) reset(s State) {
	if c.Ceiling() != limitgroup.Unlimited {
		c.log.Debugf("ceiling lifted (%s)", s)
	}
	c.setCeiling(limitgroup.Unlimited)
	c.samples = nil
	c.prev = nil
	c.cooldown = 0
	c.choked = false
	c.state.Store(int32(s))
}

func (c *Controller) onChoke() {
	c.choked = false
	c.chokeCounter.Inc(1)

	c.pruneChokes()
	if len(c.chokes) == 0 {
		return
	}
	var sum int64
	for _, ch := range c.chokes {
		sum += ch.limit
	}
	estimate := sum / int64(len(c.chokes))
	c.known = estimate

	base := c.Ceiling()
	if base == limitgroup.Unlimited {
		base = estimate
	}
	ceiling := max64(c.config.SlackFloor, base/2)
	c.log.Debugf("choked at %d B/s, ceiling %d -> %d", estimate, c.Ceiling(), ceiling)
	c.setCeiling(ceiling)
	c.samples = nil
	c.prev = nil
	c.cooldown = c.config.CooldownTicks
	if c.cooldown > 0 {
		c.state.Store(int32(Cooldown))
	} else {
		c.state.Store(int32(Sampling))
	}
}

// pruneChokes drops chokes older than the choke window.
func (c *Controller) pruneChokes() {
	cutoff := c.now().Add(-c.config.ChokeWindow)
	i := 0
	for i < len(c.chokes) && c.chokes[i].t.Before(cutoff) {
		i++
	}
	c.chokes = append(c.chokes[:0], c.chokes[i:]...)
}

func (c *Controller) adjust() {
	var cur window
	for _, s := range c.samples {
		cur.total += s.complete + s.incomplete
		cur.incomplete += s.incomplete
	}
	n := int64(len(c.samples))
	cur.total /= n
	cur.incomplete /= n
	complete := cur.total - cur.incomplete
	if complete > 0 {
		cur.ratio = float64(cur.incomplete) / float64(complete)
	} else {
		cur.ratio = float64(cur.incomplete)
	}
	c.samples = nil

	ceiling := c.Ceiling()
	if ceiling == limitgroup.Unlimited {
		// start from what complete downloads send now
		ceiling = clamp(complete, c.config.SlackFloor, c.config.MaxCeiling)
	}
	cur.ceiling = ceiling

	// Keep raising unless the last cut made things worse. A raise that
	// did not help incomplete downloads is not reverted either.
	increase := true
	if p := c.prev; p != nil && cur.ceiling < p.ceiling {
		if cur.total < p.total || cur.ratio > p.ratio {
			increase = false
		}
	}
	c.prev = &cur

	var next int64
	if increase {
		target := c.known
		if target == 0 {
			target = c.config.DefaultCeiling
		}
		next = ceiling + clamp((target-ceiling)/4, c.config.IncreaseMin, c.config.IncreaseMax)
	} else {
		next = ceiling - clamp(ceiling/5, c.config.DecreaseMin, c.config.DecreaseMax)
	}
	next = clamp(next, c.config.SlackFloor, c.config.MaxCeiling)
	c.log.Debugf("ratio %.2f, total %d B/s, ceiling %d -> %d", cur.ratio, cur.total, ceiling, next)
	c.setCeiling(next)
	c.state.Store(int32(Adjusting))
}

func (c *Controller) setCeiling(v int64) {
	c.group.SetCeiling(v)
	c.ceilingGauge.Update(v)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
