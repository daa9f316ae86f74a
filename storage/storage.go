// Package storage contains the contract of the storage subsystem that
// allocates, verifies and reads/writes the files of a download.
package storage

import (
	"fmt"

	"github.com/cenkalti/rainctl/metainfo"
)

// State of a storage handle.
type State int

// Storage states in the order a healthy handle goes through them.
const (
	Initializing State = iota
	Allocating
	Checking
	Ready
	Faulty
)

var stateStrings = map[State]string{
	Initializing: "initializing",
	Allocating:   "allocating",
	Checking:     "checking",
	Ready:        "ready",
	Faulty:       "faulty",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrorKind classifies the failure of a faulty handle.
type ErrorKind int

// Error kinds reported by Handle.Err.
const (
	ErrNone ErrorKind = iota
	ErrOther
	ErrFileMissing
	ErrInsufficientSpace
	ErrStopDuringInit
)

// Error is the failure reported by a faulty handle.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// Checkpoint is resume data written by the storage subsystem.
// A nil *Checkpoint means that the data must be verified from scratch.
type Checkpoint struct {
	// Data is opaque to everything but the storage subsystem.
	Data []byte
	// Valid is set if Data can be trusted to skip verification.
	Valid bool
	// Complete is set if Data records every wanted piece as done.
	Complete bool
}

// Options changes how a handle is opened.
type Options struct {
	// Recheck verifies every piece regardless of the resume checkpoint.
	Recheck bool
	// ForSeeding opens existing data that is expected to be complete.
	ForSeeding bool
}

// Factory creates storage handles.
type Factory interface {
	// Create returns a handle in Initializing state. Nothing happens until Start is called.
	Create(meta *metainfo.Metadata, owner Owner, opts Options) (Handle, error)
	// Skeleton returns a read-only file set that answers completeness
	// queries without opening any file for writing. It is discarded after use.
	Skeleton(meta *metainfo.Metadata, owner Owner) (FileSet, error)
}

// Owner is what the storage subsystem needs from the download it belongs to.
type Owner interface {
	Hash() metainfo.Hash
	SaveDir() string
	ResumeCheckpoint() *Checkpoint
	SetResumeCheckpoint(c *Checkpoint)
	DataAlreadyAllocated() bool
	SetDataAlreadyAllocated(v bool)
}

// Handle is an open storage of one download.
type Handle interface {
	// Start begins allocating and checking asynchronously.
	// Progress is reported to listeners through StateChanged.
	Start()
	// Stop releases the files. It returns nil if the stop completed
	// synchronously, otherwise a channel that is closed on completion.
	Stop(closing bool) <-chan struct{}
	State() State
	// Err returns the failure of a Faulty handle or nil.
	Err() *Error
	AddListener(l Listener)
	RemoveListener(l Listener)
	FileSet() FileSet
	// Remaining returns the number of bytes that are not verified yet.
	Remaining() int64
	// RemainingExcludingSkipped is Remaining without bytes of skipped files.
	RemainingExcludingSkipped() int64
	TotalLength() int64
	// RecheckCancelled reports whether the last check was interrupted by Stop.
	RecheckCancelled() bool
	// FilesExist returns an error describing the first missing file.
	FilesExist() error
}

// Listener receives events of a Handle.
type Listener interface {
	StateChanged(h Handle, oldState, newState State)
	FilePriorityChanged(h Handle, f FileInfo)
	PieceDoneChanged(h Handle, index uint32)
	FileCompleted(h Handle, f FileInfo)
}

// NopListener can be embedded to implement only some of the Listener methods.
type NopListener struct{}

func (NopListener) StateChanged(Handle, State, State)    {}
func (NopListener) FilePriorityChanged(Handle, FileInfo) {}
func (NopListener) PieceDoneChanged(Handle, uint32)      {}
func (NopListener) FileCompleted(Handle, FileInfo)       {}
