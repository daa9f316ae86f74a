package statestore

import "sync"

// EventKind is the type of an attribute event.
type EventKind int

// Attribute events.
const (
	// WillBeRead is sent before an attribute is read so that listeners can refresh it.
	WillBeRead EventKind = iota
	// Written is sent after an attribute has changed.
	Written
)

func (k EventKind) String() string {
	if k == WillBeRead {
		return "will-be-read"
	}
	return "written"
}

// Wildcard subscribes a listener to every attribute.
const Wildcard = "*"

// Listener receives attribute events.
type Listener interface {
	AttributeEvent(r *Record, attribute string, kind EventKind)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(r *Record, attribute string, kind EventKind)

// AttributeEvent calls f.
func (f ListenerFunc) AttributeEvent(r *Record, attribute string, kind EventKind) {
	f(r, attribute, kind)
}

type listenerKey struct {
	kind      EventKind
	attribute string
}

type listenerEntry struct {
	id uint64
	l  Listener
}

// listenerSet is a copy-on-write registry so that dispatch never holds its lock.
type listenerSet struct {
	mu     sync.Mutex
	nextID uint64
	m      map[listenerKey][]listenerEntry
}

func (s *listenerSet) add(attribute string, kind EventKind, l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[listenerKey][]listenerEntry)
	}
	s.nextID++
	id := s.nextID
	k := listenerKey{kind, attribute}
	old := s.m[k]
	l2 := make([]listenerEntry, len(old), len(old)+1)
	copy(l2, old)
	s.m[k] = append(l2, listenerEntry{id: id, l: l})
	return func() { s.remove(k, id) }
}

func (s *listenerSet) remove(k listenerKey, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.m[k]
	l2 := make([]listenerEntry, 0, len(old))
	for _, e := range old {
		if e.id != id {
			l2 = append(l2, e)
		}
	}
	if len(l2) == 0 {
		delete(s.m, k)
		return
	}
	s.m[k] = l2
}

func (s *listenerSet) get(attribute string, kind EventKind) (specific, wildcard []listenerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[listenerKey{kind, attribute}], s.m[listenerKey{kind, Wildcard}]
}

func (s *listenerSet) dispatch(r *Record, attribute string, kind EventKind) {
	specific, wildcard := s.get(attribute, kind)
	for _, e := range specific {
		e.l.AttributeEvent(r, attribute, kind)
	}
	for _, e := range wildcard {
		e.l.AttributeEvent(r, attribute, kind)
	}
}
