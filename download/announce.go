package download

import (
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/rainctl/internal/counters"
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/tracker"
)

// announcer supplies the numbers the tracker client sends in announces.
type announcer struct {
	d *Download

	mu           sync.Mutex
	lastReceived int64
}

var _ tracker.DataProvider = (*announcer)(nil)

func (a *announcer) TotalSent() int64 {
	return a.d.counters.Read(counters.DataSent)
}

// TotalReceived returns verified bytes. The value never decreases.
func (a *announcer) TotalReceived() int64 {
	c := &a.d.counters
	verified := c.Read(counters.DataReceived) - c.Read(counters.Discarded) - c.Read(counters.HashFailed)
	if sw := a.d.swarm.Load(); sw != nil {
		verified -= sw.HiddenBytes()
	}
	a.mu.Lock()
	if verified < a.lastReceived {
		verified = a.lastReceived
	} else {
		a.lastReceived = verified
	}
	a.mu.Unlock()
	if verified < 0 {
		return 0
	}
	return verified
}

// reset forgets the last reported value when the session counters are cleared.
func (a *announcer) reset() {
	a.mu.Lock()
	a.lastReceived = 0
	a.mu.Unlock()
}

func (a *announcer) Remaining() int64 {
	sw := a.d.swarm.Load()
	if sw == nil {
		if r := a.d.Remaining(); r > 0 {
			return r
		}
		return 0
	}
	remaining, hidden := sw.Remaining(), sw.HiddenBytes()
	if hidden > remaining {
		return hidden
	}
	return remaining
}

func (a *announcer) FailedHashCheck() int64 {
	return a.d.counters.Read(counters.HashFailed)
}

func (a *announcer) MaxNewConnectionsAllowed(network string) int {
	if sw := a.d.swarm.Load(); sw != nil {
		return sw.MaxNewConnectionsAllowed(network)
	}
	return 0
}

func (a *announcer) PendingConnectionCount() int {
	if sw := a.d.swarm.Load(); sw != nil {
		return sw.PendingPeerCount()
	}
	return 0
}

func (a *announcer) ConnectedConnectionCount() int {
	if sw := a.d.swarm.Load(); sw != nil {
		return sw.ConnectedPeerCount()
	}
	return 0
}

// UploadSpeedEstimate returns the current send rate. Before anything is
// sent it falls back to the rate when the download was last stopped and
// then to a share of the global send rate among incomplete downloads.
func (a *announcer) UploadSpeedEstimate() int64 {
	var rate int64
	if sw := a.d.swarm.Load(); sw != nil {
		rate = sw.Stats().DataSendRate
	}
	if rate == 0 {
		rate = a.d.sendRateAtClose.Load()
	}
	if rate == 0 {
		global, n := a.d.registry.sendRateShare()
		if n > 0 {
			rate = global / int64(n)
		} else {
			rate = global
		}
	}
	return rate
}

func (a *announcer) CryptoLevel() tracker.CryptoLevel {
	return a.d.registry.config.cryptoLevel()
}

func (a *announcer) IsPeerSourceEnabled(source string) bool {
	return a.d.network.IsPeerSourceEnabled(source)
}

// SetPeerSources disables every peer source that is not in allowed and
// disconnects peers found by them.
func (a *announcer) SetPeerSources(allowed []string) {
	ok := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		ok[s] = true
	}
	var enabled []string
	for _, s := range a.d.record.List(statestore.AttrPeerSources) {
		if ok[s] {
			enabled = append(enabled, s)
		}
	}
	a.d.record.SetList(statestore.AttrPeerSources, enabled)
	if sw := a.d.swarm.Load(); sw != nil {
		sw.RemovePeersNotFrom(allowed)
	}
}

// networkProvider answers the tracker client from the state record.
type networkProvider struct {
	record *statestore.Record
}

var _ tracker.NetworkProvider = (*networkProvider)(nil)

func (p *networkProvider) IsNetworkEnabled(network string) bool {
	return contains(p.record.List(statestore.AttrNetworks), network)
}

func (p *networkProvider) IsPeerSourceEnabled(source string) bool {
	return contains(p.record.List(statestore.AttrPeerSources), source)
}

func contains(l []string, s string) bool {
	for _, x := range l {
		if x == s {
			return true
		}
	}
	return false
}

// trackerEvents receives announce results of the full tracker client.
type trackerEvents struct {
	tracker.NopListener
	d *Download
}

func (l *trackerEvents) ReceivedResponse(r *tracker.Response) {
	if r.Err != nil {
		l.d.log.Debugf("announce to %s failed: %s", r.URL, r.Err)
		return
	}
	l.d.log.Debugf("announce to %s: %d seeders, %d leechers, %d peers", r.URL, r.Seeders, r.Leechers, len(r.Peers))
	l.d.record.SetMap(statestore.AttrScrapeCache, map[string]string{
		"url":      r.URL,
		"seeders":  strconv.Itoa(r.Seeders),
		"leechers": strconv.Itoa(r.Leechers),
		"time":     l.d.registry.now().UTC().Format(time.RFC3339),
	})
}

func (l *trackerEvents) URLChanged(oldURL, newURL string, explicit bool) {
	l.d.log.Infof("tracker changed from %s to %s", oldURL, newURL)
}
