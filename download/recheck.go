package download

import (
	"sync/atomic"

	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/storage"
)

// CanForceRecheck reports whether ForceRecheck is allowed in the current state.
func (d *Download) CanForceRecheck() bool {
	switch d.State() {
	case Stopped, Queued:
		return true
	case Failed:
		return d.storage.Load() == nil
	}
	return false
}

// ForceRecheck verifies the data of a stopped, queued or failed download.
// If resume is nil the resume checkpoint is cleared and every piece is
// checked, otherwise resume replaces the checkpoint. The download
// returns to its previous state when the check is done. A failed
// download returns to Stopped.
//
// If the check is cancelled by stopping the download, the newest
// checkpoint from history is restored.
func (d *Download) ForceRecheck(resume *storage.Checkpoint) error {
	if d.unusable {
		return ErrUnusable
	}
	d.mTransition.Lock()

	if d.storage.Load() != nil || !d.CanForceRecheck() {
		d.mTransition.Unlock()
		d.log.Warningf("cannot recheck download in %s state", d.State())
		return ErrInvalidState
	}
	if !d.rechecking.CompareAndSwap(false, true) {
		d.mTransition.Unlock()
		return ErrRecheckActive
	}

	startState := d.State()
	var err error
	if resume == nil {
		err = d.record.ClearCheckpoint()
	} else {
		err = d.record.SetCheckpoint(resume)
	}
	if err != nil {
		d.log.Errorf("cannot change resume checkpoint: %s", err)
	}

	// A stop from another component is not expected while checking.
	wasForceStart := d.forceStart.Swap(true)

	// Missing files are created again instead of failing the check.
	d.owner.SetDataAlreadyAllocated(false)

	d.log.Info("rechecking data")
	d.setState(Initialized)

	h, err := d.registry.storages.Create(d.meta, d.owner, storage.Options{Recheck: true})
	if err != nil {
		d.forceStart.Store(wasForceStart)
		d.rechecking.Store(false)
		d.setState(Stopped)
		d.setFailedCauseLocked("Storage initialisation fails", err)
		d.mTransition.Unlock()
		return err
	}
	h.AddListener(&recheckEvents{
		d:             d,
		startState:    startState,
		wasForceStart: wasForceStart,
		restoring:     resume != nil,
	})
	d.storage.Store(h)
	d.files.Bind(h)
	d.mTransition.Unlock()

	h.Start()
	return nil
}

// recheckEvents is the storage listener of a ForceRecheck.
type recheckEvents struct {
	storage.NopListener
	d             *Download
	startState    State
	wasForceStart bool
	// restoring is set when checking against a given checkpoint
	restoring bool
	done      atomic.Bool
}

func (l *recheckEvents) StateChanged(h storage.Handle, oldState, newState storage.State) {
	d := l.d
	d.forwardDiskState(h, oldState, newState)

	d.mTransition.Lock()
	if d.storage.Load() != h || State(d.state.Load()) == Stopping {
		// torn down by Stop
		d.mTransition.Unlock()
		d.assumedComplete.Store(false)
		l.complete(h.RecheckCancelled())
		return
	}

	if newState == storage.Checking {
		d.mTransition.Unlock()
		d.files.Refresh()
		d.emitStateChanged()
		return
	}
	if newState != storage.Ready && newState != storage.Faulty {
		d.mTransition.Unlock()
		d.emitStateChanged()
		return
	}

	d.forceStart.Store(l.wasForceStart)
	d.files.Unbind(h)
	d.storage.Store(nil)

	if newState == storage.Ready {
		onlySeeding := h.RemainingExcludingSkipped() == 0
		next := l.startState
		if next == Failed {
			next = Stopped
			d.clearError()
		}
		d.setState(next)
		d.assumedComplete.Store(onlySeeding)
		d.log.Infof("recheck done, complete: %v", onlySeeding)
	} else {
		d.owner.SetDataAlreadyAllocated(false)
		d.assumedComplete.Store(false)
		d.setState(Stopped)
		d.setFailedStorageLocked(h.Err())
	}
	d.mTransition.Unlock()

	d.waitStorageStop(h.Stop(false))
	l.complete(h.RecheckCancelled())
}

func (l *recheckEvents) complete(cancelled bool) {
	if l.done.Swap(true) {
		return
	}
	d := l.d
	d.rechecking.Store(false)
	if l.restoring {
		return
	}
	d.emitRecheckComplete(cancelled)
	if !cancelled {
		return
	}
	history := d.record.History()
	if len(history) == 0 {
		return
	}
	last := history[len(history)-1]
	d.log.Infof("recheck cancelled, restoring checkpoint saved at %s", last.Time)
	d.registry.tasks.Go(func() {
		d.restoreCheckpoint(last)
	})
}

// restoreCheckpoint verifies the data against a checkpoint from history.
func (d *Download) restoreCheckpoint(e statestore.HistoryEntry) {
	c := e.Checkpoint
	if err := d.ForceRecheck(&c); err != nil {
		d.log.Warningf("cannot restore checkpoint: %s", err)
	}
}

// RestoreCheckpoint verifies the data against the i-th entry of the checkpoint history.
func (d *Download) RestoreCheckpoint(i int) error {
	history := d.record.History()
	if i < 0 || i >= len(history) {
		return ErrNotFound
	}
	c := history[i].Checkpoint
	return d.ForceRecheck(&c)
}
