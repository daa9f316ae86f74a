package download

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("operation is not allowed in current state")
	// ErrRecheckActive is returned by ForceRecheck while a recheck is running.
	ErrRecheckActive = errors.New("recheck is already active")
	// ErrUnusable is returned for a download whose saved state belongs to different content.
	// The download must be removed and added again.
	ErrUnusable = errors.New("saved state does not match content, remove and add again")
	// ErrClosed is returned after the registry is closed.
	ErrClosed = errors.New("registry is closed")
	// ErrExists is returned when adding content that is already in the registry.
	ErrExists = errors.New("download already exists")
	// ErrNotFound is returned for unknown content hashes.
	ErrNotFound = errors.New("download not found")
)

// ErrorKind classifies a download failure.
type ErrorKind int

// Error kinds.
const (
	ErrorKindNone ErrorKind = iota
	ErrorKindOther
	ErrorKindFileMissing
	ErrorKindInsufficientSpace
	ErrorKindUnsupportedEncoding
	// ErrorKindStopDuringInit is not a failure. It is raised when the
	// download is stopped while the storage is still being checked.
	ErrorKindStopDuringInit
)

var errorKindStrings = map[ErrorKind]string{
	ErrorKindNone:                "none",
	ErrorKindOther:               "other",
	ErrorKindFileMissing:         "file missing",
	ErrorKindInsufficientSpace:   "insufficient space",
	ErrorKindUnsupportedEncoding: "unsupported encoding",
	ErrorKindStopDuringInit:      "stop during init",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrorFlags record facts about the download at the time it failed.
type ErrorFlags int64

// Error flags.
const (
	// FlagWasForceStart is set if the download was force started when it failed.
	FlagWasForceStart ErrorFlags = 1 << iota
)

// Error is the failure of a download.
type Error struct {
	Kind   ErrorKind
	Detail string
	Flags  ErrorFlags
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Detail
}
