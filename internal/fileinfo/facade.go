package fileinfo

import (
	"sync"

	"github.com/cenkalti/rainctl/storage"
)

// Facade is a stable view of one file. Before the storage handle exists it
// answers from cached values, afterwards it forwards to the live file.
type Facade struct {
	set    *Set
	index  int
	path   string
	length int64

	// protected by set.mu
	delegate   storage.FileInfo
	bridge     *fileBridge
	downloaded int64
	priority   storage.Priority
	skipped    bool

	mListeners sync.Mutex
	listeners  []storage.FileListener
}

var _ storage.FileInfo = (*Facade)(nil)

// Index of the file in the metadata.
func (f *Facade) Index() int { return f.index }

// Path relative to the save directory.
func (f *Facade) Path() string { return f.path }

// Length of the file in bytes.
func (f *Facade) Length() int64 { return f.length }

// Downloaded returns the number of verified bytes.
func (f *Facade) Downloaded() int64 {
	f.set.mu.Lock()
	defer f.set.mu.Unlock()
	return f.downloadedLocked()
}

func (f *Facade) downloadedLocked() int64 {
	if f.delegate != nil {
		return f.delegate.Downloaded()
	}
	return f.downloaded
}

// Priority of the file.
func (f *Facade) Priority() storage.Priority {
	f.set.mu.Lock()
	defer f.set.mu.Unlock()
	if f.delegate != nil {
		return f.delegate.Priority()
	}
	return f.priority
}

// SetPriority changes the priority and remembers it for the next storage handle.
func (f *Facade) SetPriority(p storage.Priority) {
	f.set.mu.Lock()
	cur := f.priority
	if f.delegate != nil {
		cur = f.delegate.Priority()
	}
	if cur == p {
		f.priority = p
		f.set.mu.Unlock()
		return
	}
	f.priority = p
	d := f.delegate
	prios, skipped := f.set.prioritiesLocked()
	f.set.mu.Unlock()
	f.set.savePriorities(prios, skipped)
	if d != nil {
		d.SetPriority(p)
		return
	}
	for _, l := range f.listenerList() {
		l.PriorityChanged(f)
	}
}

// Skipped reports whether the file is excluded from download.
func (f *Facade) Skipped() bool {
	f.set.mu.Lock()
	defer f.set.mu.Unlock()
	return f.skippedLocked()
}

func (f *Facade) skippedLocked() bool {
	if f.delegate != nil {
		return f.delegate.Skipped()
	}
	return f.skipped
}

// SetSkipped excludes or includes the file.
func (f *Facade) SetSkipped(v bool) {
	f.set.mu.Lock()
	if f.skippedLocked() == v {
		f.skipped = v
		f.set.mu.Unlock()
		return
	}
	f.skipped = v
	d := f.delegate
	prios, skipped := f.set.prioritiesLocked()
	f.set.mu.Unlock()
	f.set.savePriorities(prios, skipped)
	f.set.Invalidate()
	if d != nil {
		d.SetSkipped(v)
		return
	}
	for _, l := range f.listenerList() {
		l.PriorityChanged(f)
	}
}

// AddListener registers l. It survives rebinding to a new storage handle.
func (f *Facade) AddListener(l storage.FileListener) {
	f.mListeners.Lock()
	l2 := make([]storage.FileListener, len(f.listeners), len(f.listeners)+1)
	copy(l2, f.listeners)
	f.listeners = append(l2, l)
	f.mListeners.Unlock()
}

// RemoveListener unregisters l.
func (f *Facade) RemoveListener(l storage.FileListener) {
	f.mListeners.Lock()
	l2 := make([]storage.FileListener, 0, len(f.listeners))
	for _, x := range f.listeners {
		if x != l {
			l2 = append(l2, x)
		}
	}
	f.listeners = l2
	f.mListeners.Unlock()
}

func (f *Facade) listenerList() []storage.FileListener {
	f.mListeners.Lock()
	defer f.mListeners.Unlock()
	return f.listeners
}

// snapshot copies the values of a live file. Must hold set.mu.
func (f *Facade) snapshot(fi storage.FileInfo) {
	f.downloaded = fi.Downloaded()
	f.priority = fi.Priority()
	f.skipped = fi.Skipped()
}
