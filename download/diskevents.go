package download

import (
	"github.com/cenkalti/rainctl/storage"
)

// storageEvents is the storage listener of a started download.
type storageEvents struct {
	d *Download
}

func (l *storageEvents) StateChanged(h storage.Handle, oldState, newState storage.State) {
	d := l.d
	d.forwardDiskState(h, oldState, newState)

	if newState == storage.Faulty {
		d.mTransition.Lock()
		if d.storage.Load() == h {
			d.setFailedStorageLocked(h.Err())
		}
		d.mTransition.Unlock()
		d.emitStateChanged()
		return
	}
	if oldState == storage.Checking && newState != storage.Checking {
		d.files.Refresh()
		d.assumedComplete.Store(d.IsDownloadComplete(false))
	}
	d.emitStateChanged()
	if newState == storage.Ready {
		d.storageReady(h)
	}
}

func (l *storageEvents) FilePriorityChanged(h storage.Handle, f storage.FileInfo) {
	l.d.files.Invalidate()
	for _, dl := range l.d.diskListenerList() {
		dl.FilePriorityChanged(h, f)
	}
}

func (l *storageEvents) PieceDoneChanged(h storage.Handle, index uint32) {
	for _, dl := range l.d.diskListenerList() {
		dl.PieceDoneChanged(h, index)
	}
}

func (l *storageEvents) FileCompleted(h storage.Handle, f storage.FileInfo) {
	l.d.files.Invalidate()
	for _, dl := range l.d.diskListenerList() {
		dl.FileCompleted(h, f)
	}
}

// AddDiskListener registers an observer of storage events.
// It receives events of every storage handle the download opens.
func (d *Download) AddDiskListener(l storage.Listener) {
	d.mDiskListeners.Lock()
	defer d.mDiskListeners.Unlock()
	d.diskListeners = append(append([]storage.Listener(nil), d.diskListeners...), l)
}

// RemoveDiskListener unregisters l.
func (d *Download) RemoveDiskListener(l storage.Listener) {
	d.mDiskListeners.Lock()
	defer d.mDiskListeners.Unlock()
	var l2 []storage.Listener
	for _, x := range d.diskListeners {
		if x != l {
			l2 = append(l2, x)
		}
	}
	d.diskListeners = l2
}

func (d *Download) diskListenerList() []storage.Listener {
	d.mDiskListeners.Lock()
	defer d.mDiskListeners.Unlock()
	return d.diskListeners
}

func (d *Download) forwardDiskState(h storage.Handle, oldState, newState storage.State) {
	for _, dl := range d.diskListenerList() {
		dl.StateChanged(h, oldState, newState)
	}
}

// IsDownloadComplete reports whether every wanted byte is downloaded.
// With includeSkipped set skipped files must be complete too.
func (d *Download) IsDownloadComplete(includeSkipped bool) bool {
	h := d.storage.Load()
	ready := h != nil && h.State() == storage.Ready
	if !d.files.HasSkipped() {
		if ready {
			return h.Remaining() == 0
		}
		return d.assumedComplete.Load()
	}
	if ready {
		if includeSkipped {
			return h.Remaining() == 0
		}
		return h.RemainingExcludingSkipped() == 0
	}
	if includeSkipped {
		return false
	}
	return d.files.CompleteExcludingSkipped()
}
