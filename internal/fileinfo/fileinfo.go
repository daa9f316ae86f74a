// Package fileinfo provides per-file views of a download that stay valid
// while the storage subsystem opens and closes its own file handles.
package fileinfo

import (
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cenkalti/rainctl/internal/logger"
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/storage"
)

// Set is the list of file facades of one download.
// Facades are rebound to live storage files with Bind and detached with Unbind.
type Set struct {
	meta    *metainfo.Metadata
	owner   storage.Owner
	factory storage.Factory
	record  *statestore.Record
	log     logger.Logger

	// guards facades, handle and every facade's binding
	mu      sync.Mutex
	facades []*Facade
	handle  storage.Handle
	filled  bool
}

// New returns a Set. Facades are created on first use.
func New(meta *metainfo.Metadata, owner storage.Owner, factory storage.Factory, record *statestore.Record) *Set {
	return &Set{
		meta:    meta,
		owner:   owner,
		factory: factory,
		record:  record,
		log:     logger.New("fileinfo " + logger.Short(meta.Hash.String(), 8)),
	}
}

// Files returns the facades in file order.
func (s *Set) Files() []*Facade {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillLocked(false)
	return append([]*Facade(nil), s.facades...)
}

// Len returns the number of files.
func (s *Set) Len() int {
	return len(s.meta.Files)
}

// Refresh reloads cached values. With a storage handle bound the values
// come from the live files, otherwise from a transient skeleton.
func (s *Set) Refresh() {
	s.mu.Lock()
	s.fillLocked(true)
	flags := s.flagsLocked()
	s.mu.Unlock()
	s.record.SetParam(statestore.ParamDNDFlags, flags)
}

// fillLocked makes sure every facade exists and has values.
func (s *Set) fillLocked(refresh bool) {
	if s.facades == nil {
		s.facades = make([]*Facade, len(s.meta.Files))
		prios := s.record.Map(statestore.AttrFilePriorities)
		skipped := make(map[string]bool)
		for _, i := range s.record.List(statestore.AttrFileSkipped) {
			skipped[i] = true
		}
		for i, f := range s.meta.Files {
			key := strconv.Itoa(i)
			p, _ := strconv.Atoi(prios[key])
			s.facades[i] = &Facade{
				set:      s,
				index:    i,
				path:     filepath.Join(f.Path...),
				length:   f.Length,
				priority: storage.Priority(p),
				skipped:  skipped[key],
			}
		}
	}
	if s.filled && !refresh {
		return
	}
	if s.handle != nil {
		for i, f := range s.handle.FileSet().Files() {
			if i < len(s.facades) {
				s.facades[i].snapshot(f)
			}
		}
		s.filled = true
		return
	}
	if s.factory == nil {
		return
	}
	sk, err := s.factory.Skeleton(s.meta, s.owner)
	if err != nil {
		s.log.Warningf("cannot read file skeleton: %s", err)
		return
	}
	for i, f := range sk.Files() {
		if i < len(s.facades) {
			s.facades[i].downloaded = f.Downloaded()
		}
	}
	s.filled = true
}

// Bind attaches every facade to the file of the same index of h.
// Listeners registered on facades are moved to the live files and
// priorities changed while unbound are applied.
func (s *Set) Bind(h storage.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillLocked(false)
	if s.handle != nil {
		s.unbindLocked()
	}
	s.handle = h
	files := h.FileSet().Files()
	for i, fc := range s.facades {
		if i >= len(files) {
			s.log.Errorf("storage has %d files, expected %d", len(files), len(s.facades))
			break
		}
		f := files[i]
		fc.delegate = f
		if f.Priority() != fc.priority {
			f.SetPriority(fc.priority)
		}
		if f.Skipped() != fc.skipped {
			f.SetSkipped(fc.skipped)
		}
		fc.bridge = &fileBridge{set: s, facade: fc}
		f.AddListener(fc.bridge)
	}
}

// Unbind detaches the facades from the live files, keeping their last values.
func (s *Set) Unbind(h storage.Handle) {
	s.mu.Lock()
	if s.handle == nil || s.handle != h {
		s.mu.Unlock()
		return
	}
	s.unbindLocked()
	flags := s.flagsLocked()
	s.mu.Unlock()
	s.record.SetParam(statestore.ParamDNDFlags, flags)
}

func (s *Set) unbindLocked() {
	for _, fc := range s.facades {
		if fc.delegate == nil {
			continue
		}
		fc.snapshot(fc.delegate)
		fc.delegate.RemoveListener(fc.bridge)
		fc.delegate = nil
		fc.bridge = nil
	}
	s.handle = nil
}

// Bound reports whether the facades are attached to a storage handle.
func (s *Set) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// HasSkipped reports whether any file is skipped.
func (s *Set) HasSkipped() bool {
	flags := s.flags()
	return flags&statestore.DNDFlagsHasSkipped != 0
}

// CompleteExcludingSkipped reports whether every file that is not skipped is complete.
func (s *Set) CompleteExcludingSkipped() bool {
	flags := s.flags()
	return flags&statestore.DNDFlagsCompleteExclDND != 0
}

// flags returns the cached completeness flags, computing them if needed.
func (s *Set) flags() int64 {
	flags := s.record.Param(statestore.ParamDNDFlags)
	if flags&statestore.DNDFlagsValid != 0 {
		return flags
	}
	s.mu.Lock()
	s.fillLocked(false)
	flags = s.flagsLocked()
	s.mu.Unlock()
	s.record.SetParam(statestore.ParamDNDFlags, flags)
	return flags
}

// Invalidate drops the cached completeness flags.
func (s *Set) Invalidate() {
	s.record.SetParam(statestore.ParamDNDFlags, 0)
}

func (s *Set) flagsLocked() int64 {
	flags := statestore.DNDFlagsValid | statestore.DNDFlagsCompleteExclDND
	for _, fc := range s.facades {
		skipped, done := fc.skippedLocked(), fc.downloadedLocked() == fc.length
		if skipped {
			flags |= statestore.DNDFlagsHasSkipped
		} else if !done {
			flags &^= statestore.DNDFlagsCompleteExclDND
		}
	}
	return flags
}

// prioritiesLocked returns the values stored in the record for file priorities.
func (s *Set) prioritiesLocked() (prios map[string]string, skipped []string) {
	prios = make(map[string]string)
	for _, fc := range s.facades {
		key := strconv.Itoa(fc.index)
		if fc.priority != storage.PriorityNormal {
			prios[key] = strconv.Itoa(int(fc.priority))
		}
		if fc.skipped {
			skipped = append(skipped, key)
		}
	}
	return
}

func (s *Set) savePriorities(prios map[string]string, skipped []string) {
	s.record.SetMap(statestore.AttrFilePriorities, prios)
	s.record.SetList(statestore.AttrFileSkipped, skipped)
}

// fileBridge forwards events of a live file to the listeners of its facade.
type fileBridge struct {
	set    *Set
	facade *Facade
}

func (b *fileBridge) PriorityChanged(storage.FileInfo) {
	b.set.Invalidate()
	for _, l := range b.facade.listenerList() {
		l.PriorityChanged(b.facade)
	}
}

func (b *fileBridge) Completed(storage.FileInfo) {
	b.set.Invalidate()
	for _, l := range b.facade.listenerList() {
		l.Completed(b.facade)
	}
}
