package statestore

import (
	"bytes"
	"time"

	"github.com/cenkalti/rainctl/storage"
)

// HistoryEntry is a previous resume checkpoint.
type HistoryEntry struct {
	Time       time.Time
	Checkpoint storage.Checkpoint
}

func sameCheckpoint(a, b *storage.Checkpoint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Valid == b.Valid && a.Complete == b.Complete && bytes.Equal(a.Data, b.Data)
}

func cloneCheckpoint(c *storage.Checkpoint) *storage.Checkpoint {
	if c == nil {
		return nil
	}
	c2 := *c
	c2.Data = append([]byte(nil), c.Data...)
	return &c2
}

// Checkpoint returns a copy of the current resume checkpoint or nil.
func (r *Record) Checkpoint() *storage.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneCheckpoint(r.checkpoint)
}

// SetCheckpoint replaces the resume checkpoint and saves the record.
// A complete and valid checkpoint that is replaced by a different one is
// kept in the history. nil clears the checkpoint.
func (r *Record) SetCheckpoint(c *storage.Checkpoint) error {
	c = cloneCheckpoint(c)
	r.mu.Lock()
	existing := r.checkpoint
	changed := !sameCheckpoint(existing, c)
	r.checkpoint = c

	state := ResumeStateIncomplete
	if c != nil && c.Complete {
		state = ResumeStateComplete
	}
	var stateChanged bool
	if old, ok := r.attrs[AttrResumeState]; !ok || old.Int != state {
		r.attrs[AttrResumeState] = IntValue(state)
		stateChanged = true
	}

	if changed && existing != nil && existing.Valid && existing.Complete {
		r.pushHistoryLocked(*existing)
	}
	if changed || stateChanged {
		r.setDirtyLocked(true)
	}
	r.mu.Unlock()

	if stateChanged {
		r.informWritten(AttrResumeState)
	}
	if !changed && r.store.config.DisableInterimSaves {
		return nil
	}
	return r.Save(false)
}

// ClearCheckpoint removes the resume checkpoint so that the data is verified from scratch.
func (r *Record) ClearCheckpoint() error {
	return r.SetCheckpoint(nil)
}

// CheckpointComplete reports whether the checkpoint records all wanted pieces as done.
func (r *Record) CheckpointComplete() bool {
	v, ok := r.Get(AttrResumeState)
	if ok && v.Int != ResumeStateUnknown {
		return v.Int == ResumeStateComplete
	}
	r.mu.Lock()
	complete := r.checkpoint != nil && r.checkpoint.Complete
	state := ResumeStateIncomplete
	if complete {
		state = ResumeStateComplete
	}
	r.attrs[AttrResumeState] = IntValue(state)
	r.setDirtyLocked(false)
	r.mu.Unlock()
	return complete
}

func (r *Record) pushHistoryLocked(c storage.Checkpoint) {
	for _, e := range r.history {
		if sameCheckpoint(&e.Checkpoint, &c) {
			return
		}
	}
	r.history = append(r.history, HistoryEntry{Time: r.store.now(), Checkpoint: c})
	if max := r.store.config.HistorySize; len(r.history) > max {
		r.history = append([]HistoryEntry(nil), r.history[len(r.history)-max:]...)
	}
}

// History returns previous checkpoints, oldest first, excluding one identical to the current checkpoint.
func (r *Record) History() []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := make([]HistoryEntry, 0, len(r.history))
	for _, e := range r.history {
		if r.checkpoint != nil && sameCheckpoint(r.checkpoint, &e.Checkpoint) {
			continue
		}
		e.Checkpoint = *cloneCheckpoint(&e.Checkpoint)
		l = append(l, e)
	}
	return l
}
