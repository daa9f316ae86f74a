// Package tracker contains the contract of the tracker client that
// announces a download and discovers peers.
package tracker

import (
	"time"

	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/swarm"
)

// Factory creates tracker handles.
type Factory interface {
	Create(meta *metainfo.Metadata, np NetworkProvider) (Handle, error)
}

// NetworkProvider tells the tracker client which networks and peer sources it may use.
type NetworkProvider interface {
	IsNetworkEnabled(network string) bool
	IsPeerSourceEnabled(source string) bool
}

// Handle is the tracker client of one download.
type Handle interface {
	// Update schedules an announce. If force is set it is sent immediately.
	Update(force bool)
	// Stop sends the stopped event. forQueue is set when the download is only queued.
	Stop(forQueue bool)
	Destroy()
	PeerID() swarm.PeerID
	SetAnnounceDataProvider(p DataProvider)
	AddListener(l Listener)
	RemoveListener(l Listener)
	IsTrackerAddress(addr string) bool
	ResponseCache() []byte
	SetResponseCache(b []byte)
}

// DataProvider supplies the numbers sent in announces.
type DataProvider interface {
	TotalSent() int64
	TotalReceived() int64
	Remaining() int64
	FailedHashCheck() int64
	MaxNewConnectionsAllowed(network string) int
	PendingConnectionCount() int
	ConnectedConnectionCount() int
	// UploadSpeedEstimate returns bytes per second this download is expected to upload.
	UploadSpeedEstimate() int64
	CryptoLevel() CryptoLevel
	IsPeerSourceEnabled(source string) bool
	SetPeerSources(allowed []string)
}

// CryptoLevel advertised to trackers.
type CryptoLevel int

// Crypto levels.
const (
	CryptoNone CryptoLevel = iota
	CryptoSupported
	CryptoRequired
)

// Response of one announce.
type Response struct {
	URL      string
	Interval time.Duration
	Seeders  int
	Leechers int
	Peers    []string
	Err      error
}

// Listener is notified about announce results.
type Listener interface {
	ReceivedResponse(r *Response)
	URLChanged(oldURL, newURL string, explicit bool)
	URLRefresh()
}

// NopListener can be embedded to implement only some of the Listener methods.
type NopListener struct{}

func (NopListener) ReceivedResponse(*Response)      {}
func (NopListener) URLChanged(string, string, bool) {}
func (NopListener) URLRefresh()                     {}

// Peer sources.
const (
	SourceTracker  = "tracker"
	SourceDHT      = "dht"
	SourcePEX      = "pex"
	SourceIncoming = "incoming"
	SourcePlugin   = "plugin"
)

// AllSources lists every known peer source.
var AllSources = []string{SourceTracker, SourceDHT, SourcePEX, SourceIncoming, SourcePlugin}
