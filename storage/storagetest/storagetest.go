// Package storagetest provides an in-memory storage subsystem for tests.
//
// Handles change state synchronously in the goroutine that calls Start or
// SetState, so tests observe every transition deterministically.
package storagetest

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/storage"
)

// File is a fake storage.FileInfo.
type File struct {
	mu         sync.Mutex
	index      int
	path       string
	length     int64
	downloaded int64
	priority   storage.Priority
	skipped    bool
	listeners  []storage.FileListener
}

var _ storage.FileInfo = (*File)(nil)

// NewFile returns a file with no data.
func NewFile(index int, path string, length int64) *File {
	return &File{index: index, path: path, length: length}
}

func (f *File) Index() int    { return f.index }
func (f *File) Path() string  { return f.path }
func (f *File) Length() int64 { return f.length }

func (f *File) Downloaded() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloaded
}

// SetDownloaded changes the verified byte count and fires Completed when the file becomes complete.
func (f *File) SetDownloaded(n int64) {
	f.mu.Lock()
	was := f.downloaded == f.length
	f.downloaded = n
	now := f.downloaded == f.length
	ls := f.listeners
	f.mu.Unlock()
	if now && !was {
		for _, l := range ls {
			l.Completed(f)
		}
	}
}

func (f *File) Priority() storage.Priority {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priority
}

func (f *File) SetPriority(p storage.Priority) {
	f.mu.Lock()
	f.priority = p
	ls := f.listeners
	f.mu.Unlock()
	for _, l := range ls {
		l.PriorityChanged(f)
	}
}

func (f *File) Skipped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

func (f *File) SetSkipped(v bool) {
	f.mu.Lock()
	f.skipped = v
	ls := f.listeners
	f.mu.Unlock()
	for _, l := range ls {
		l.PriorityChanged(f)
	}
}

func (f *File) AddListener(l storage.FileListener) {
	f.mu.Lock()
	f.listeners = append(append([]storage.FileListener(nil), f.listeners...), l)
	f.mu.Unlock()
}

func (f *File) RemoveListener(l storage.FileListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var l2 []storage.FileListener
	for _, x := range f.listeners {
		if x != l {
			l2 = append(l2, x)
		}
	}
	f.listeners = l2
}

// Listeners returns the number of registered listeners.
func (f *File) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

type fileSet []*File

func (s fileSet) Files() []storage.FileInfo {
	l := make([]storage.FileInfo, len(s))
	for i, f := range s {
		l[i] = f
	}
	return l
}

// Handle is a fake storage.Handle.
type Handle struct {
	Meta    *metainfo.Metadata
	Owner   storage.Owner
	Options storage.Options

	// Script is the list of states entered by Start.
	Script []storage.State
	// Fault is reported by Err when the handle enters Faulty.
	Fault *storage.Error
	// AsyncStop makes Stop return a channel that is closed by FinishStop.
	AsyncStop bool

	mu               sync.Mutex
	state            storage.State
	listeners        []storage.Listener
	files            fileSet
	remaining        int64
	remainingSkipped int64
	recheckCancelled bool
	missing          error
	started          int
	stopped          int
	closing          bool
	stopC            chan struct{}
}

var _ storage.Handle = (*Handle)(nil)

// NewHandle returns a handle with one file per metadata file that goes
// through Allocating, Checking and Ready when started.
func NewHandle(meta *metainfo.Metadata, owner storage.Owner, opts storage.Options) *Handle {
	h := &Handle{
		Meta:    meta,
		Owner:   owner,
		Options: opts,
		Script:  []storage.State{storage.Allocating, storage.Checking, storage.Ready},
	}
	for i, f := range meta.Files {
		h.files = append(h.files, NewFile(i, filepath.Join(f.Path...), f.Length))
	}
	h.remaining = meta.TotalLength()
	h.remainingSkipped = h.remaining
	return h
}

// Start runs Script.
func (h *Handle) Start() {
	h.mu.Lock()
	h.started++
	script := h.Script
	h.mu.Unlock()
	for _, s := range script {
		if h.Stopped() {
			return
		}
		h.SetState(s)
	}
}

// SetState changes the state and notifies listeners.
func (h *Handle) SetState(s storage.State) {
	h.mu.Lock()
	old := h.state
	h.state = s
	ls := h.listeners
	h.mu.Unlock()
	for _, l := range ls {
		l.StateChanged(h, old, s)
	}
}

// Stop records the call. If the handle is checking the check is marked cancelled.
func (h *Handle) Stop(closing bool) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped++
	h.closing = closing
	if h.state == storage.Checking {
		h.recheckCancelled = true
	}
	if !h.AsyncStop {
		return nil
	}
	if h.stopC == nil {
		h.stopC = make(chan struct{})
	}
	return h.stopC
}

// FinishStop completes an asynchronous stop.
func (h *Handle) FinishStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopC == nil {
		h.stopC = make(chan struct{})
	}
	select {
	case <-h.stopC:
	default:
		close(h.stopC)
	}
}

func (h *Handle) State() storage.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Err() *storage.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != storage.Faulty {
		return nil
	}
	if h.Fault == nil {
		return &storage.Error{Kind: storage.ErrOther, Detail: "storage failed"}
	}
	return h.Fault
}

func (h *Handle) AddListener(l storage.Listener) {
	h.mu.Lock()
	h.listeners = append(append([]storage.Listener(nil), h.listeners...), l)
	h.mu.Unlock()
}

func (h *Handle) RemoveListener(l storage.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var l2 []storage.Listener
	for _, x := range h.listeners {
		if x != l {
			l2 = append(l2, x)
		}
	}
	h.listeners = l2
}

func (h *Handle) FileSet() storage.FileSet { return h.files }

// File returns the fake file at index i.
func (h *Handle) File(i int) *File { return h.files[i] }

func (h *Handle) Remaining() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remaining
}

func (h *Handle) RemainingExcludingSkipped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remainingSkipped
}

// SetRemaining sets the values returned by Remaining and RemainingExcludingSkipped.
func (h *Handle) SetRemaining(all, excludingSkipped int64) {
	h.mu.Lock()
	h.remaining, h.remainingSkipped = all, excludingSkipped
	h.mu.Unlock()
}

// Complete marks every file as downloaded.
func (h *Handle) Complete() {
	h.SetRemaining(0, 0)
	for _, f := range h.files {
		f.SetDownloaded(f.length)
	}
}

func (h *Handle) TotalLength() int64 { return h.Meta.TotalLength() }

func (h *Handle) RecheckCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recheckCancelled
}

// SetMissing makes FilesExist fail with err.
func (h *Handle) SetMissing(err error) {
	h.mu.Lock()
	h.missing = err
	h.mu.Unlock()
}

func (h *Handle) FilesExist() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missing
}

// Started returns the number of Start calls.
func (h *Handle) Started() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Stopped reports whether Stop has been called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped > 0
}

// StopCount returns the number of Stop calls.
func (h *Handle) StopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Closing reports the argument of the last Stop call.
func (h *Handle) Closing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// Factory is a fake storage.Factory.
type Factory struct {
	// Prepare is called on every new handle before it is returned.
	Prepare func(h *Handle)
	// CreateErr is returned by Create if set.
	CreateErr error
	// SkeletonDownloaded are the per-file byte counts reported by Skeleton.
	SkeletonDownloaded []int64

	mu        sync.Mutex
	handles   []*Handle
	skeletons int
}

var _ storage.Factory = (*Factory)(nil)

func (f *Factory) Create(meta *metainfo.Metadata, owner storage.Owner, opts storage.Options) (storage.Handle, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	h := NewHandle(meta, owner, opts)
	if f.Prepare != nil {
		f.Prepare(h)
	}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

// ErrNoSkeleton is returned by Skeleton when the metadata has no files.
var ErrNoSkeleton = errors.New("no files")

func (f *Factory) Skeleton(meta *metainfo.Metadata, owner storage.Owner) (storage.FileSet, error) {
	f.mu.Lock()
	f.skeletons++
	f.mu.Unlock()
	if len(meta.Files) == 0 {
		return nil, ErrNoSkeleton
	}
	var s fileSet
	for i, mf := range meta.Files {
		file := NewFile(i, filepath.Join(mf.Path...), mf.Length)
		if i < len(f.SkeletonDownloaded) {
			file.downloaded = f.SkeletonDownloaded[i]
		}
		s = append(s, file)
	}
	return s, nil
}

// Handles returns every handle created so far.
func (f *Factory) Handles() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Handle(nil), f.handles...)
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

// Skeletons returns the number of Skeleton calls.
func (f *Factory) Skeletons() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skeletons
}
