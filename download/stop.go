package download

import (
	"time"

	"github.com/cenkalti/rainctl/internal/counters"
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/storage"
)

// Stop tears down the subsystems and moves the download to after.
// Closed is treated as Stopped while also telling the storage that the
// process is shutting down.
//
// A download that is already stopped or failed without storage only
// performs the requested deletions, and Stop returns nil. Otherwise the
// download is Stopping until a background task finishes the teardown
// and the returned channel is closed. Stopping a download that is
// already Stopping does nothing.
func (d *Download) Stop(after State, removeTorrent, removeData, forRemoval bool) <-chan struct{} {
	d.mTransition.Lock()
	defer d.mTransition.Unlock()
	return d.stopLocked(after, removeTorrent, removeData, forRemoval)
}

func (d *Download) stopLocked(after State, removeTorrent, removeData, forRemoval bool) <-chan struct{} {
	if d.unusable {
		d.deleteFiles(removeTorrent, removeData, forRemoval)
		return nil
	}
	if sw := d.swarm.Load(); sw != nil {
		if rate := sw.Stats().DataSendRate; rate != 0 {
			d.sendRateAtClose.Store(rate)
		}
	}

	closing := after == Closed
	if closing {
		after = Stopped
	}

	st := d.State()
	if st == Stopping {
		return d.stopDone
	}
	if closing {
		// the saved state is what the download resumes to on the next load
		d.closing.Store(true)
	}

	if (st == Stopped || st == Failed) && d.storage.Load() == nil {
		if st == Failed && after != Failed && !closing {
			d.clearError()
		}
		d.deleteFiles(removeTorrent, removeData, forRemoval)
		d.setState(after)
		return nil
	}

	d.log.Infof("stopping download, next state: %s", after)
	d.substate.Store(int32(after))
	d.setState(Stopping)

	done := make(chan struct{})
	d.stopDone = done
	d.registry.tasks.Go(func() {
		defer close(done)
		d.teardown(after, closing, removeTorrent, removeData, forRemoval)
	})
	return done
}

func (d *Download) teardown(after State, closing, removeTorrent, removeData, forRemoval bool) {
	defer func() {
		d.mState.Lock()
		d.forceStart.Store(false)
		d.mState.Unlock()
		d.deleteFiles(removeTorrent, removeData, forRemoval)
		d.changeState(after, func(old State) bool { return old == Stopping })
	}()

	d.mTransition.Lock()
	sw := d.swarm.Load()
	tr := d.tracker.Load()
	h := d.storage.Load()
	d.swarm.Store(nil)
	d.tracker.Store(nil)
	d.trackerPending = false
	d.mTransition.Unlock()

	if sw != nil {
		sw.StopAll()
		d.registry.bias.Unregister(sw)
		for _, l := range d.limiterList() {
			sw.RemoveRateLimiter(l.group, l.upload)
		}
	}
	d.saveTotals()
	d.announce.reset()
	d.record.SetTime(statestore.AttrLastActive, d.registry.now())

	if tr != nil {
		d.record.SetTrackerCache(tr.ResponseCache())
		tr.Stop(after == Queued)
		tr.Destroy()
	}

	if h != nil {
		d.waitStorageStop(h.Stop(closing))
		d.files.Unbind(h)
		// data of a complete download does not change
		if !d.assumedComplete.Load() {
			if err := d.record.Save(false); err != nil {
				d.log.Errorf("cannot save state: %s", err)
			}
		}
		d.mTransition.Lock()
		if d.storage.Load() == h {
			d.storage.Store(nil)
		}
		d.mTransition.Unlock()
	}
}

// waitStorageStop blocks until an asynchronous storage stop completes,
// giving up after the configured timeout.
func (d *Download) waitStorageStop(c <-chan struct{}) {
	if c == nil {
		return
	}
	cfg := d.registry.config
	timeout := time.NewTimer(cfg.StorageStopTimeout)
	defer timeout.Stop()
	warn := time.NewTicker(cfg.StorageStopWarnInterval)
	defer warn.Stop()
	start := time.Now()
	for {
		select {
		case <-c:
			return
		case <-warn.C:
			d.log.Warningf("waiting for storage to stop for %s", time.Since(start).Truncate(time.Second))
		case <-timeout.C:
			d.log.Errorf("storage did not stop in %s, giving up", cfg.StorageStopTimeout)
			return
		}
	}
}

// saveTotals adds the session counters to the persisted totals.
func (d *Download) saveTotals() {
	m := d.counters.Swap()
	add := func(attr string, n int64) {
		if n != 0 {
			d.record.SetInt(attr, d.record.Int(attr)+n)
		}
	}
	add(statestore.AttrTotalReceived, m[counters.DataReceived])
	add(statestore.AttrTotalSent, m[counters.DataSent])
	add(statestore.AttrTotalDiscarded, m[counters.Discarded])
	add(statestore.AttrTotalHashFails, m[counters.HashFailed])
}

// Restart stops the download, waits for the teardown and starts it again.
// With recheck set the resume checkpoint is cleared so that every piece is verified.
func (d *Download) Restart(recheck bool) error {
	wasForceStart := d.ForceStart()
	if done := d.Stop(Stopped, false, false, false); done != nil {
		<-done
	}
	if recheck {
		if err := d.record.ClearCheckpoint(); err != nil {
			return err
		}
	}
	if err := d.Start(); err != nil {
		return err
	}
	if wasForceStart {
		d.forceStart.Store(true)
	}
	return nil
}

// Remaining returns the bytes that are not downloaded yet, or -1 when unknown.
func (d *Download) Remaining() int64 {
	if sw := d.swarm.Load(); sw != nil {
		return sw.Remaining()
	}
	if h := d.storage.Load(); h != nil && h.State() == storage.Ready {
		return h.Remaining()
	}
	return -1
}
