// Package swarm contains the contract of the peer subsystem that exchanges
// pieces with other peers of a download.
package swarm

import (
	"github.com/cenkalti/rainctl/internal/limitgroup"
	"github.com/cenkalti/rainctl/storage"
)

// PeerID is the 20 byte identifier sent in handshakes and announces.
type PeerID [20]byte

// Factory creates swarm handles.
type Factory interface {
	Create(peerID PeerID, a Adapter, s storage.Handle) (Handle, error)
}

// Handle is a running swarm of one download.
type Handle interface {
	Start()
	StopAll()
	AddRateLimiter(g *limitgroup.Group, upload bool)
	RemoveRateLimiter(g *limitgroup.Group, upload bool)
	Stats() Stats
	// HasDownloadablePiece reports whether any wanted piece is still missing.
	HasDownloadablePiece() bool
	Remaining() int64
	// HiddenBytes is the amount of data hidden from the tracker in super-seeding mode.
	HiddenBytes() int64
	MaxNewConnectionsAllowed(network string) int
	PendingPeerCount() int
	ConnectedPeerCount() int
	// RemovePeersNotFrom disconnects peers discovered by a source not in the list.
	RemovePeersNotFrom(sources []string)
}

// Stats is a snapshot of swarm counters.
type Stats struct {
	DataSent         int64
	DataReceived     int64
	ProtocolSent     int64
	ProtocolReceived int64
	Discarded        int64
	HashFailed       int64

	// Bytes per second averaged over the last few seconds.
	DataSendRate    int64
	DataReceiveRate int64

	UnchokedPeers int
	// DownloadLimit is the manual download cap in bytes per second, 0 if none.
	DownloadLimit int64
}

// ActivationResult is the answer to a peer asking a queued download to wake up.
type ActivationResult int

// Activation results.
const (
	// ActivationDeclined means the peer should not ask again soon.
	ActivationDeclined ActivationResult = iota
	// ActivationAccepted means the download will be activated.
	ActivationAccepted
	// ActivationProbeAccepted answers a probe without counting it.
	ActivationProbeAccepted
)

func (r ActivationResult) String() string {
	switch r {
	case ActivationAccepted:
		return "accepted"
	case ActivationProbeAccepted:
		return "probe-accepted"
	default:
		return "declined"
	}
}

// Adapter is implemented by the download that owns the swarm.
type Adapter interface {
	ActivateRequest(addr string) ActivationResult
	DeactivateRequest(addr string)

	AddPeer(addr string)
	RemovePeer(addr string)
	AddPiece(index uint32)
	RemovePiece(index uint32)

	ProtocolBytesSent(n int64)
	ProtocolBytesReceived(n int64)
	DataBytesSent(n int64)
	DataBytesReceived(n int64)
	Discarded(n int64)
	HashFailed(index uint32, n int64)

	// Finishing is called when the last wanted piece is written.
	Finishing()
	// Seeding is called when nothing remains to download.
	Seeding(neverDownloaded bool)
	// Downloading is called when wanted pieces appear again, e.g. a skipped file is unskipped.
	Downloading()
}
