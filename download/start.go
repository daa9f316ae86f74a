package download

import (
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/storage"
	"github.com/cenkalti/rainctl/swarm"
)

// Start opens the storage of a waiting, stopped, queued or failed download.
// When the storage becomes ready the swarm and tracker are created and
// the download moves to Downloading.
//
// A failed download whose storage is still ready because tracker
// creation failed resumes activation without reopening the storage.
func (d *Download) Start() error {
	if d.unusable {
		return ErrUnusable
	}
	d.mTransition.Lock()

	if h := d.storage.Load(); h != nil && d.trackerPending && State(d.state.Load()) == Failed && h.State() == storage.Ready {
		d.log.Info("retrying activation")
		d.trackerPending = false
		d.clearError()
		d.setState(Initialized)
		d.activateLocked(h)
		d.mTransition.Unlock()
		return nil
	}

	st := d.State()
	switch {
	case st == Waiting, st == Stopped, st == Queued:
	case st == Failed && d.storage.Load() == nil:
	default:
		d.log.Errorf("cannot start download in %s state", st)
		d.setFailedLocked(ErrorKindOther, "Inconsistent download state: startDownload, state = "+st.String())
		d.mTransition.Unlock()
		return ErrInvalidState
	}

	old := d.storage.Load()
	if old != nil {
		d.log.Warning("storage handle exists on start, stopping it")
		d.files.Unbind(old)
		d.storage.Store(nil)
	}

	d.log.Info("starting download")
	d.clearError()
	d.trackerPending = false
	d.setState(Initialized)

	opts := storage.Options{ForSeeding: d.record.Bool(statestore.AttrOpenForSeeding)}
	h, err := d.registry.storages.Create(d.meta, d.owner, opts)
	if err != nil {
		d.setFailedCauseLocked("Storage initialisation fails", err)
		d.mTransition.Unlock()
		if old != nil {
			old.Stop(false)
		}
		return err
	}
	h.AddListener(&storageEvents{d: d})
	d.storage.Store(h)
	d.files.Bind(h)
	d.mTransition.Unlock()

	if old != nil {
		d.waitStorageStop(old.Stop(false))
	}
	h.Start()
	return nil
}

// storageReady is called by the default storage listener when h becomes ready.
func (d *Download) storageReady(h storage.Handle) {
	d.mTransition.Lock()
	defer d.mTransition.Unlock()

	if d.storage.Load() != h {
		return
	}

	firstStart := d.record.Int(statestore.AttrTotalReceived) == 0 && d.record.Int(statestore.AttrTotalSent) == 0
	if firstStart {
		remaining := h.Remaining()
		if remaining > 0 {
			if d.record.Bool(statestore.AttrOpenForSeeding) {
				d.log.Error("data is incomplete although it was added for seeding")
				if err := d.record.ClearCheckpoint(); err != nil {
					d.log.Errorf("cannot clear resume checkpoint: %s", err)
				}
				d.setFailedLocked(ErrorKindOther, "File check failed")
				return
			}
			if have := h.TotalLength() - remaining; have > 0 {
				d.record.SetInt(statestore.AttrTotalReceived, have)
			}
		} else {
			d.record.SetBool(statestore.AttrOnlyEverSeeded, true)
		}
	}

	d.activateLocked(h)
}

// activateLocked creates the tracker and the swarm on a ready storage.
func (d *Download) activateLocked(h storage.Handle) {
	if d.storage.Load() != h || d.State() != Ready {
		return
	}
	d.destroyLightSeed()

	tr, err := d.registry.trackers.Create(d.meta, d.network)
	if err != nil {
		// Storage stays open so that the next Start only retries this step.
		d.log.Errorf("cannot create tracker client: %s", err)
		d.trackerPending = true
		d.setError(&Error{Kind: ErrorKindOther, Detail: "Tracker initialisation fails: " + err.Error()})
		d.setState(Failed)
		return
	}
	if tr == nil {
		d.log.Error("tracker client is nil")
		d.stopLocked(Stopped, false, false, false)
		return
	}

	peerID := tr.PeerID()
	if peerID == (swarm.PeerID{}) {
		peerID = d.registry.newPeerID()
	}
	sw, err := d.registry.swarms.Create(peerID, d.adapter, h)
	if err != nil {
		tr.Destroy()
		d.setFailedCauseLocked("Peer manager initialisation fails", err)
		return
	}

	d.tracker.Store(tr)
	d.swarm.Store(sw)
	d.setState(Downloading)
	sw.Start()

	if b := d.record.TrackerCache(); len(b) > 0 {
		tr.SetResponseCache(b)
	}
	tr.SetAnnounceDataProvider(d.announce)
	tr.AddListener(&trackerEvents{d: d})

	d.registry.bias.Register(sw)
	for _, l := range d.limiterList() {
		sw.AddRateLimiter(l.group, l.upload)
	}

	tr.Update(true)
	d.log.Info("download is active")
}
