package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/otiai10/copy"
	"github.com/zeebo/bencode"
)

// Snapshot is a read-only copy of a record for display and export.
type Snapshot struct {
	Hash         string
	Name         string
	SavedAt      time.Time
	Attributes   map[string]any
	Parameters   map[string]int64
	Checkpoint   *CheckpointInfo
	History      []CheckpointInfo
	TrackerCache int
}

// CheckpointInfo describes a checkpoint without its data.
type CheckpointInfo struct {
	Time     time.Time `json:",omitempty"`
	Size     int
	Valid    bool
	Complete bool
}

// Snapshot returns the current content of the record.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Hash:         r.hash.String(),
		SavedAt:      r.savedAt,
		Attributes:   make(map[string]any, len(r.attrs)),
		Parameters:   make(map[string]int64, len(r.params)),
		TrackerCache: len(r.trackerCache),
	}
	if r.meta != nil {
		s.Name = r.meta.Name
	}
	for k, v := range r.attrs {
		s.Attributes[k] = v.Interface()
	}
	for k, v := range r.params {
		s.Parameters[k] = v
	}
	if r.checkpoint != nil {
		s.Checkpoint = &CheckpointInfo{Size: len(r.checkpoint.Data), Valid: r.checkpoint.Valid, Complete: r.checkpoint.Complete}
	}
	for _, e := range r.history {
		s.History = append(s.History, CheckpointInfo{Time: e.Time, Size: len(e.Checkpoint.Data), Valid: e.Checkpoint.Valid, Complete: e.Checkpoint.Complete})
	}
	return s
}

// AttributeNames returns the names of explicitly set attributes, sorted.
func (s Snapshot) AttributeNames() []string {
	l := make([]string, 0, len(s.Attributes))
	for k := range s.Attributes {
		l = append(l, k)
	}
	sort.Strings(l)
	return l
}

// Export force-saves the record and writes its serialized form into dir,
// one file per stored key. Existing files in dir are overwritten.
func (r *Record) Export(dir string) error {
	if err := r.Save(true); err != nil {
		return err
	}
	r.mu.Lock()
	d, err := r.encodeLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	tmp, err := os.MkdirTemp("", "statestore-export-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	for k, v := range d {
		if err = os.WriteFile(filepath.Join(tmp, k+".benc"), v, 0640); err != nil {
			return err
		}
	}
	info, err := bencode.EncodeBytes(map[string]string{
		"hash":      r.hash.String(),
		"multihash": r.hash.Multihash(),
		"exported":  r.store.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if err = os.WriteFile(filepath.Join(tmp, "record.benc"), info, 0640); err != nil {
		return err
	}
	if err = copy.Copy(tmp, dir); err != nil {
		return fmt.Errorf("cannot export record %s: %w", r.hash, err)
	}
	return nil
}
