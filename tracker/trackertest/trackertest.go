// Package trackertest provides a fake tracker client for tests.
package trackertest

import (
	"sync"

	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/swarm"
	"github.com/cenkalti/rainctl/tracker"
)

// Handle is a fake tracker.Handle that records calls.
type Handle struct {
	Meta      *metainfo.Metadata
	Network   tracker.NetworkProvider
	Addresses map[string]bool

	mu        sync.Mutex
	updates   []bool
	stops     []bool
	destroyed bool
	provider  tracker.DataProvider
	listeners []tracker.Listener
	cache     []byte
	peerID    swarm.PeerID
}

var _ tracker.Handle = (*Handle)(nil)

func (h *Handle) Update(force bool) {
	h.mu.Lock()
	h.updates = append(h.updates, force)
	h.mu.Unlock()
}

// Updates returns the force arguments of every Update call.
func (h *Handle) Updates() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.updates...)
}

func (h *Handle) Stop(forQueue bool) {
	h.mu.Lock()
	h.stops = append(h.stops, forQueue)
	h.mu.Unlock()
}

// Stops returns the forQueue arguments of every Stop call.
func (h *Handle) Stops() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.stops...)
}

func (h *Handle) Destroy() {
	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()
}

// Destroyed reports whether Destroy has been called.
func (h *Handle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *Handle) PeerID() swarm.PeerID { return h.peerID }

func (h *Handle) SetAnnounceDataProvider(p tracker.DataProvider) {
	h.mu.Lock()
	h.provider = p
	h.mu.Unlock()
}

// Provider returns the announce data provider.
func (h *Handle) Provider() tracker.DataProvider {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.provider
}

func (h *Handle) AddListener(l tracker.Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

func (h *Handle) RemoveListener(l tracker.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var l2 []tracker.Listener
	for _, x := range h.listeners {
		if x != l {
			l2 = append(l2, x)
		}
	}
	h.listeners = l2
}

// Respond delivers r to every listener.
func (h *Handle) Respond(r *tracker.Response) {
	h.mu.Lock()
	ls := h.listeners
	h.mu.Unlock()
	for _, l := range ls {
		l.ReceivedResponse(r)
	}
}

func (h *Handle) IsTrackerAddress(addr string) bool { return h.Addresses[addr] }

func (h *Handle) ResponseCache() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache
}

func (h *Handle) SetResponseCache(b []byte) {
	h.mu.Lock()
	h.cache = b
	h.mu.Unlock()
}

// Factory is a fake tracker.Factory.
type Factory struct {
	// CreateErr is returned by Create if set.
	CreateErr error
	// ReturnNil makes Create return neither a handle nor an error.
	ReturnNil bool
	// Addresses are copied to every created handle.
	Addresses map[string]bool

	mu      sync.Mutex
	handles []*Handle
	calls   int
}

var _ tracker.Factory = (*Factory)(nil)

func (f *Factory) Create(meta *metainfo.Metadata, np tracker.NetworkProvider) (tracker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	if f.ReturnNil {
		return nil, nil
	}
	h := &Handle{Meta: meta, Network: np, Addresses: f.Addresses}
	h.peerID[0] = byte(len(f.handles) + 1)
	f.handles = append(f.handles, h)
	return h, nil
}

// SetCreateErr changes CreateErr safely while downloads are running.
func (f *Factory) SetCreateErr(err error) {
	f.mu.Lock()
	f.CreateErr = err
	f.mu.Unlock()
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

// Handles returns every created handle.
func (f *Factory) Handles() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Handle(nil), f.handles...)
}

// Calls returns the number of Create calls.
func (f *Factory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
