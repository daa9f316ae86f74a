package download

import (
	"errors"
	"syscall"

	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/storage"
)

// setFailedLocked records the failure and stops the download into Failed.
// ErrorKindStopDuringInit is a plain stop into Stopped.
func (d *Download) setFailedLocked(kind ErrorKind, detail string) {
	if kind == ErrorKindStopDuringInit {
		d.stopLocked(Stopped, false, false, false)
		return
	}
	var flags ErrorFlags
	if d.forceStart.Load() && !d.recovering.Load() {
		flags |= FlagWasForceStart
	}
	e := &Error{Kind: kind, Detail: detail, Flags: flags}
	d.log.Errorf("download failed (%s): %s", kind, detail)
	d.setError(e)
	d.stopLocked(Failed, false, false, false)
}

// setFailed is setFailedLocked for callers that do not hold mTransition.
func (d *Download) setFailed(kind ErrorKind, detail string) {
	d.mTransition.Lock()
	defer d.mTransition.Unlock()
	d.setFailedLocked(kind, detail)
}

// setFailedCauseLocked fails the download because of err.
func (d *Download) setFailedCauseLocked(detail string, err error) {
	kind := ErrorKindOther
	if errors.Is(err, syscall.ENOSPC) {
		kind = ErrorKindInsufficientSpace
	}
	d.setFailedLocked(kind, detail+": "+err.Error())
}

// setFailedStorageLocked fails the download with the error of a faulty storage handle.
func (d *Download) setFailedStorageLocked(e *storage.Error) {
	if e == nil {
		d.setFailedLocked(ErrorKindOther, "storage failed")
		return
	}
	var kind ErrorKind
	switch e.Kind {
	case storage.ErrFileMissing:
		kind = ErrorKindFileMissing
	case storage.ErrInsufficientSpace:
		kind = ErrorKindInsufficientSpace
	case storage.ErrStopDuringInit:
		kind = ErrorKindStopDuringInit
	default:
		kind = ErrorKindOther
	}
	d.setFailedLocked(kind, e.Detail)
}

// setErrorState restores an error that was saved before the last shutdown.
func (d *Download) setErrorState(e *Error) {
	d.recovering.Store(true)
	defer d.recovering.Store(false)

	d.mTransition.Lock()
	defer d.mTransition.Unlock()
	d.setError(e)
	if d.storage.Load() == nil {
		d.setState(Failed)
		return
	}
	d.stopLocked(Failed, false, false, false)
}

func (d *Download) setError(e *Error) {
	d.err.Store(e)
	d.record.SetInt(statestore.AttrErrorType, int64(e.Kind))
	d.record.SetString(statestore.AttrErrorDetail, e.Detail)
	d.record.SetInt(statestore.AttrErrorFlags, int64(e.Flags))
}

func (d *Download) clearError() {
	if d.err.Swap(nil) == nil {
		return
	}
	d.record.Remove(statestore.AttrErrorType)
	d.record.Remove(statestore.AttrErrorDetail)
	d.record.Remove(statestore.AttrErrorFlags)
}

// savedError returns the error stored in the record or nil.
func savedError(r *statestore.Record) *Error {
	kind := ErrorKind(r.Int(statestore.AttrErrorType))
	if kind == ErrorKindNone {
		return nil
	}
	return &Error{
		Kind:   kind,
		Detail: r.String(statestore.AttrErrorDetail),
		Flags:  ErrorFlags(r.Int(statestore.AttrErrorFlags)),
	}
}
