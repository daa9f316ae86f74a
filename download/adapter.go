package download

import (
	"github.com/cenkalti/rainctl/internal/counters"
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/swarm"
)

// swarmAdapter receives callbacks of the swarm. It never takes mTransition.
type swarmAdapter struct {
	d *Download
}

var _ swarm.Adapter = (*swarmAdapter)(nil)

func (a *swarmAdapter) ActivateRequest(addr string) swarm.ActivationResult {
	return a.d.ActivateRequest(addr)
}

func (a *swarmAdapter) DeactivateRequest(addr string) {
	a.d.DeactivateRequest(addr)
}

func (a *swarmAdapter) AddPeer(addr string) {
	n := a.d.peers.Add(1)
	a.d.log.Debugf("peer added: %s, total: %d", addr, n)
}

func (a *swarmAdapter) RemovePeer(addr string) {
	n := a.d.peers.Add(-1)
	a.d.log.Debugf("peer removed: %s, total: %d", addr, n)
}

func (a *swarmAdapter) AddPiece(index uint32) {
	a.d.pieces.Add(1)
}

func (a *swarmAdapter) RemovePiece(index uint32) {
	a.d.pieces.Add(-1)
}

func (a *swarmAdapter) ProtocolBytesSent(n int64) {
	a.d.counters.Incr(counters.ProtocolSent, n)
}

func (a *swarmAdapter) ProtocolBytesReceived(n int64) {
	a.d.counters.Incr(counters.ProtocolReceived, n)
}

func (a *swarmAdapter) DataBytesSent(n int64) {
	a.d.counters.Incr(counters.DataSent, n)
	a.d.registry.dataSent.Inc(n)
}

func (a *swarmAdapter) DataBytesReceived(n int64) {
	a.d.counters.Incr(counters.DataReceived, n)
	a.d.registry.dataReceived.Inc(n)
}

func (a *swarmAdapter) Discarded(n int64) {
	a.d.counters.Incr(counters.Discarded, n)
}

func (a *swarmAdapter) HashFailed(index uint32, n int64) {
	a.d.counters.Incr(counters.HashFailed, n)
	a.d.log.Warningf("piece #%d failed hash check", index)
}

func (a *swarmAdapter) Finishing() {
	a.d.changeState(Finishing, func(old State) bool { return old == Downloading })
}

func (a *swarmAdapter) Seeding(neverDownloaded bool) {
	a.d.seeding(neverDownloaded)
}

func (a *swarmAdapter) Downloading() {
	d := a.d
	if d.changeState(Downloading, func(old State) bool { return old == Seeding }) {
		d.assumedComplete.Store(false)
		return
	}
	if s := d.State(); s != Downloading {
		d.log.Warningf("cannot move to downloading from %s", s)
	}
}

// seeding moves an active download through Finishing to Seeding.
func (d *Download) seeding(neverDownloaded bool) {
	d.changeState(Finishing, func(old State) bool { return old == Downloading })
	if !d.changeState(Seeding, func(old State) bool { return old == Finishing }) {
		return
	}
	d.assumedComplete.Store(true)
	if !neverDownloaded {
		d.record.SetTime(statestore.AttrCompletedTime, d.registry.now())
		d.log.Info("download completed")
		d.emitCompleted()
		if !d.registry.config.RetainForceStartWhenComplete && !d.record.ParamBool(statestore.ParamRetainForceStartOnDone) {
			d.SetForceStart(false)
		}
	}
}

// PeerCount returns the number of connected peers reported by the swarm.
func (d *Download) PeerCount() int { return int(d.peers.Load()) }

// PieceCount returns the number of pieces the swarm reported as available.
func (d *Download) PieceCount() int { return int(d.pieces.Load()) }

// SessionCounters returns the transfer counters since the download was last started.
func (d *Download) SessionCounters() map[string]int64 {
	m := make(map[string]int64)
	for _, n := range counters.Names() {
		m[n.String()] = d.counters.Read(n)
	}
	return m
}
