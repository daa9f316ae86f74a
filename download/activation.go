package download

import (
	"net"

	"github.com/cenkalti/rainctl/swarm"
)

// ActivateRequest handles a peer asking a queued download to become active.
// A request from a tracker of the light seed is a probe and is not counted.
// An address that asks too often since the admission filter was rebuilt is declined.
func (d *Download) ActivateRequest(addr string) swarm.ActivationResult {
	if d.State() != Queued {
		return swarm.ActivationDeclined
	}

	d.mLightSeed.Lock()
	ls := d.lightSeed
	d.mLightSeed.Unlock()
	if ls != nil && ls.IsTrackerAddress(addr) {
		return swarm.ActivationProbeAccepted
	}

	n, ok := d.gate.Request(addressKey(addr), d.registry.now())
	if !ok {
		d.log.Warningf("declined activation request from %s: too many requests", addr)
		return swarm.ActivationDeclined
	}
	d.log.Debugf("activation request from %s, %d requests", addr, n)
	if d.registry.activate(d) {
		return swarm.ActivationAccepted
	}
	return swarm.ActivationDeclined
}

// DeactivateRequest forgets the requests of addr.
func (d *Download) DeactivateRequest(addr string) {
	d.gate.Release(addressKey(addr))
}

// ActivationCount returns the number of activation requests seen recently.
func (d *Download) ActivationCount() int {
	return d.gate.Count(d.registry.now())
}

// addressKey returns the bytes of the IP in addr, or addr itself if it has no IP.
func addressKey(addr string) []byte {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4
		}
		return ip
	}
	return []byte(host)
}

// SetLightSeedEligible changes whether a queued complete download may
// announce itself with a light seed tracker while it is not active.
func (d *Download) SetLightSeedEligible(v bool) {
	var complete bool
	if v {
		complete = d.IsDownloadComplete(false)
	}

	d.mTransition.Lock()
	defer d.mTransition.Unlock()
	d.mLightSeed.Lock()
	defer d.mLightSeed.Unlock()

	d.lightSeedEligible = v
	if !v {
		d.destroyLightSeedLocked()
		return
	}
	if d.lightSeed != nil || d.tracker.Load() != nil || d.storage.Load() != nil {
		return
	}
	if d.State() != Queued || !complete {
		return
	}
	tr, err := d.registry.trackers.Create(d.meta, d.network)
	if err != nil {
		d.log.Warningf("cannot create light seed tracker: %s", err)
		return
	}
	if tr == nil {
		return
	}
	tr.SetAnnounceDataProvider(d.announce)
	d.lightSeed = tr
	d.log.Debug("light seeding started")
	tr.Update(true)
}

// HasLightSeed reports whether a light seed tracker exists.
func (d *Download) HasLightSeed() bool {
	d.mLightSeed.Lock()
	defer d.mLightSeed.Unlock()
	return d.lightSeed != nil
}

func (d *Download) destroyLightSeed() {
	d.mLightSeed.Lock()
	defer d.mLightSeed.Unlock()
	d.destroyLightSeedLocked()
}

func (d *Download) destroyLightSeedLocked() {
	if d.lightSeed == nil {
		return
	}
	d.lightSeed.Stop(false)
	d.lightSeed.Destroy()
	d.lightSeed = nil
	d.log.Debug("light seeding stopped")
}
