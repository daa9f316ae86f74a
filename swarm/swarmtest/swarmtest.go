// Package swarmtest provides a fake peer subsystem for tests.
package swarmtest

import (
	"sync"

	"github.com/cenkalti/rainctl/internal/limitgroup"
	"github.com/cenkalti/rainctl/storage"
	"github.com/cenkalti/rainctl/swarm"
)

// Handle is a fake swarm.Handle whose statistics are set by the test.
type Handle struct {
	Adapter swarm.Adapter
	Storage storage.Handle
	PeerID  swarm.PeerID

	mu           sync.Mutex
	stats        swarm.Stats
	downloadable bool
	remaining    int64
	hidden       int64
	pending      int
	connected    int
	started      int
	stopped      int
	limiters     map[*limitgroup.Group]bool
	peerSources  []string
}

var _ swarm.Handle = (*Handle)(nil)

// NewHandle returns a handle that still has pieces to download.
func NewHandle() *Handle {
	return &Handle{downloadable: true, limiters: make(map[*limitgroup.Group]bool)}
}

func (h *Handle) Start() {
	h.mu.Lock()
	h.started++
	h.mu.Unlock()
}

func (h *Handle) StopAll() {
	h.mu.Lock()
	h.stopped++
	h.mu.Unlock()
}

func (h *Handle) AddRateLimiter(g *limitgroup.Group, upload bool) {
	h.mu.Lock()
	h.limiters[g] = upload
	h.mu.Unlock()
}

func (h *Handle) RemoveRateLimiter(g *limitgroup.Group, upload bool) {
	h.mu.Lock()
	delete(h.limiters, g)
	h.mu.Unlock()
}

// HasRateLimiter reports whether g is attached.
func (h *Handle) HasRateLimiter(g *limitgroup.Group) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.limiters[g]
	return ok
}

func (h *Handle) Stats() swarm.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// SetStats replaces the statistics snapshot.
func (h *Handle) SetStats(s swarm.Stats) {
	h.mu.Lock()
	h.stats = s
	h.mu.Unlock()
}

// AddSent adds n bytes to the data sent counter and sets the send rate.
func (h *Handle) AddSent(n, rate int64) {
	h.mu.Lock()
	h.stats.DataSent += n
	h.stats.DataSendRate = rate
	h.mu.Unlock()
}

func (h *Handle) HasDownloadablePiece() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.downloadable
}

// SetDownloadable changes the result of HasDownloadablePiece.
func (h *Handle) SetDownloadable(v bool) {
	h.mu.Lock()
	h.downloadable = v
	h.mu.Unlock()
}

func (h *Handle) Remaining() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remaining
}

// SetRemaining sets Remaining and HiddenBytes.
func (h *Handle) SetRemaining(remaining, hidden int64) {
	h.mu.Lock()
	h.remaining, h.hidden = remaining, hidden
	h.mu.Unlock()
}

func (h *Handle) HiddenBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hidden
}

func (h *Handle) MaxNewConnectionsAllowed(network string) int { return 10 }

func (h *Handle) PendingPeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}

func (h *Handle) ConnectedPeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// SetPeerCounts sets pending and connected peer counts.
func (h *Handle) SetPeerCounts(pending, connected int) {
	h.mu.Lock()
	h.pending, h.connected = pending, connected
	h.mu.Unlock()
}

func (h *Handle) RemovePeersNotFrom(sources []string) {
	h.mu.Lock()
	h.peerSources = append([]string(nil), sources...)
	h.mu.Unlock()
}

// PeerSources returns the argument of the last RemovePeersNotFrom call.
func (h *Handle) PeerSources() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peerSources
}

// Started returns the number of Start calls.
func (h *Handle) Started() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Stopped returns the number of StopAll calls.
func (h *Handle) Stopped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Factory is a fake swarm.Factory.
type Factory struct {
	CreateErr error

	mu      sync.Mutex
	handles []*Handle
}

var _ swarm.Factory = (*Factory)(nil)

func (f *Factory) Create(peerID swarm.PeerID, a swarm.Adapter, s storage.Handle) (swarm.Handle, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	h := NewHandle()
	h.Adapter, h.Storage, h.PeerID = a, s, peerID
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

// Last returns the last created handle or nil.
func (f *Factory) Last() *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

// Count returns the number of created handles.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}
