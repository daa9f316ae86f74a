package download

import (
	"github.com/cenkalti/rainctl/internal/limitgroup"
)

type limiter struct {
	group  *limitgroup.Group
	upload bool
}

// AddRateLimiter attaches g to the download. The limiter is applied to
// the swarm now if the download is active and on every later activation.
func (d *Download) AddRateLimiter(g *limitgroup.Group, upload bool) {
	l := limiter{group: g, upload: upload}
	d.mLimiters.Lock()
	for _, x := range d.limiterList() {
		if x == l {
			d.mLimiters.Unlock()
			return
		}
	}
	d.limiters.Store(appendLimiter(d.limiterList(), l))
	d.mLimiters.Unlock()

	d.withSwarm(func(sw swarmLimiter) { sw.AddRateLimiter(g, upload) })
}

// RemoveRateLimiter detaches g.
func (d *Download) RemoveRateLimiter(g *limitgroup.Group, upload bool) {
	l := limiter{group: g, upload: upload}
	d.mLimiters.Lock()
	var l2 []limiter
	for _, x := range d.limiterList() {
		if x != l {
			l2 = append(l2, x)
		}
	}
	d.limiters.Store(&l2)
	d.mLimiters.Unlock()

	d.withSwarm(func(sw swarmLimiter) { sw.RemoveRateLimiter(g, upload) })
}

type swarmLimiter interface {
	AddRateLimiter(g *limitgroup.Group, upload bool)
	RemoveRateLimiter(g *limitgroup.Group, upload bool)
}

// withSwarm calls f with the active swarm. While Stopping the teardown
// holds the swarm and removes the limiters itself, so mTransition is
// not waited for.
func (d *Download) withSwarm(f func(sw swarmLimiter)) {
	if d.State() == Stopping {
		return
	}
	d.mTransition.Lock()
	defer d.mTransition.Unlock()
	if sw := d.swarm.Load(); sw != nil {
		f(sw)
	}
}

func (d *Download) limiterList() []limiter {
	if p := d.limiters.Load(); p != nil {
		return *p
	}
	return nil
}

func appendLimiter(l []limiter, x limiter) *[]limiter {
	l2 := make([]limiter, 0, len(l)+1)
	l2 = append(l2, l...)
	l2 = append(l2, x)
	return &l2
}
