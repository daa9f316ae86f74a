package statestore

import (
	"sync"
	"time"

	"github.com/cenkalti/rainctl/internal/logger"
	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/storage"
)

// Record is the persistent state of one download.
type Record struct {
	store *Store
	hash  metainfo.Hash
	log   logger.Logger

	mu           sync.Mutex
	attrs        map[string]Value
	params       map[string]int64
	meta         *metainfo.Metadata
	checkpoint   *storage.Checkpoint
	history      []HistoryEntry
	trackerCache []byte
	savedAt      time.Time
	deleted      bool
	unusable     bool

	// dirty tracking
	writeSoon     bool
	writeSometime time.Time

	listeners listenerSet

	// will-be-read dispatches in flight, by attribute
	mReading sync.Mutex
	reading  map[string]int
}

func newRecord(s *Store, h metainfo.Hash) *Record {
	return &Record{
		store:   s,
		hash:    h,
		log:     logger.New("record " + logger.Short(h.String(), 8)),
		attrs:   make(map[string]Value),
		params:  make(map[string]int64),
		reading: make(map[string]int),
	}
}

// Hash returns the content identity of the record.
func (r *Record) Hash() metainfo.Hash { return r.hash }

// AddListener subscribes l to events of attribute on this record only.
// Use Wildcard to receive events for every attribute. The returned function unsubscribes.
func (r *Record) AddListener(attribute string, kind EventKind, l Listener) func() {
	return r.listeners.add(attribute, kind, l)
}

// Get returns the value of an attribute and whether it is set or has a default.
func (r *Record) Get(name string) (Value, bool) {
	r.informWillRead(name)
	r.mu.Lock()
	v, ok := r.attrs[name]
	r.mu.Unlock()
	if ok {
		return v, true
	}
	v, ok = attributeDefaults[name]
	return v, ok
}

// Set changes an attribute. Listeners are notified only if the value has changed.
func (r *Record) Set(name string, v Value) {
	r.mu.Lock()
	if old, ok := r.attrs[name]; ok && old.Equal(v) {
		r.mu.Unlock()
		return
	}
	r.attrs[name] = v
	r.setDirtyLocked(!lazyAttributes[name])
	r.mu.Unlock()
	r.informWritten(name)
}

// Has reports whether the attribute is explicitly set.
func (r *Record) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.attrs[name]
	return ok
}

// Remove unsets an attribute so that reads return its default.
func (r *Record) Remove(name string) {
	r.mu.Lock()
	if _, ok := r.attrs[name]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.attrs, name)
	r.setDirtyLocked(!lazyAttributes[name])
	r.mu.Unlock()
	r.informWritten(name)
}

// String returns a string attribute or "".
func (r *Record) String(name string) string {
	v, _ := r.Get(name)
	return v.Str
}

// SetString sets a string attribute.
func (r *Record) SetString(name, s string) { r.Set(name, StringValue(s)) }

// Int returns an integer attribute or 0.
func (r *Record) Int(name string) int64 {
	v, _ := r.Get(name)
	return v.Int
}

// SetInt sets an integer attribute.
func (r *Record) SetInt(name string, i int64) { r.Set(name, IntValue(i)) }

// Bool returns a boolean attribute or false.
func (r *Record) Bool(name string) bool {
	v, _ := r.Get(name)
	return v.Int != 0
}

// SetBool sets a boolean attribute.
func (r *Record) SetBool(name string, b bool) { r.Set(name, BoolValue(b)) }

// List returns a copy of a list attribute.
func (r *Record) List(name string) []string {
	v, _ := r.Get(name)
	return append([]string(nil), v.List...)
}

// SetList sets a list attribute.
func (r *Record) SetList(name string, l []string) { r.Set(name, ListValue(l)) }

// Map returns a copy of a map attribute.
func (r *Record) Map(name string) map[string]string {
	v, _ := r.Get(name)
	return MapValue(v.Map).Map
}

// SetMap sets a map attribute.
func (r *Record) SetMap(name string, m map[string]string) { r.Set(name, MapValue(m)) }

// Time returns an attribute stored as unix seconds.
func (r *Record) Time(name string) time.Time {
	i := r.Int(name)
	if i == 0 {
		return time.Time{}
	}
	return time.Unix(i, 0)
}

// SetTime stores t as unix seconds.
func (r *Record) SetTime(name string, t time.Time) { r.SetInt(name, t.Unix()) }

// Param returns a parameter, falling back to the store default.
func (r *Record) Param(name string) int64 {
	r.informWillRead(AttrParameters)
	r.mu.Lock()
	v, ok := r.params[name]
	r.mu.Unlock()
	if ok {
		return v
	}
	return r.store.ParameterDefault(name)
}

// ParamBool returns a parameter as a boolean.
func (r *Record) ParamBool(name string) bool { return r.Param(name) != 0 }

// SetParam sets a parameter. Setting the default value removes the explicit value.
func (r *Record) SetParam(name string, v int64) {
	def := r.store.ParameterDefault(name)
	r.mu.Lock()
	old, ok := r.params[name]
	if v == def {
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(r.params, name)
	} else {
		if ok && old == v {
			r.mu.Unlock()
			return
		}
		r.params[name] = v
	}
	r.setDirtyLocked(true)
	r.mu.Unlock()
	r.informWritten(AttrParameters)
}

// SetParamBool sets a boolean parameter.
func (r *Record) SetParamBool(name string, b bool) {
	var v int64
	if b {
		v = 1
	}
	r.SetParam(name, v)
}

// HasParam reports whether the parameter has an explicit value.
func (r *Record) HasParam(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.params[name]
	return ok
}

// Metadata returns the stored content metadata or nil.
func (r *Record) Metadata() *metainfo.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// Unusable reports whether the stored metadata belongs to different content.
// An unusable record is never written back.
func (r *Record) Unusable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unusable
}

// SetMetadata stores the content metadata.
// It fails with ErrHashMismatch if the metadata belongs to different content.
func (r *Record) SetMetadata(m *metainfo.Metadata) error {
	if m.Hash != r.hash {
		return ErrHashMismatch
	}
	r.mu.Lock()
	r.meta = m
	r.setDirtyLocked(true)
	r.mu.Unlock()
	return nil
}

// TrackerCache returns the last saved tracker responses.
func (r *Record) TrackerCache() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.trackerCache...)
}

// SetTrackerCache stores tracker responses. The change is saved lazily.
func (r *Record) SetTrackerCache(b []byte) {
	r.mu.Lock()
	r.trackerCache = append([]byte(nil), b...)
	r.setDirtyLocked(false)
	r.mu.Unlock()
}

// SavedAt returns the time of the last successful save.
func (r *Record) SavedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.savedAt
}

// Dirty reports the pending write levels.
func (r *Record) Dirty() (soon bool, sometime bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeSoon, !r.writeSometime.IsZero()
}

// SetDirty marks the record for saving. soon selects the next flush,
// otherwise the change waits for the interim save delay.
func (r *Record) SetDirty(soon bool) {
	r.mu.Lock()
	r.setDirtyLocked(soon)
	r.mu.Unlock()
}

func (r *Record) setDirtyLocked(soon bool) {
	if soon {
		r.writeSoon = true
		return
	}
	if r.writeSometime.IsZero() {
		r.writeSometime = r.store.now()
	}
}

// Save writes the record if it is dirty.
// With force set the record is written even if nothing has changed.
func (r *Record) Save(force bool) error {
	return r.save(force, false)
}

// save writes the record. interim saves skip low priority changes
// younger than the interim save delay.
func (r *Record) save(force, interim bool) error {
	r.mu.Lock()
	if r.deleted || r.unusable {
		r.mu.Unlock()
		return nil
	}
	if !force {
		if !r.writeSoon {
			if r.writeSometime.IsZero() {
				r.mu.Unlock()
				return nil
			}
			if interim {
				cfg := r.store.config
				if cfg.DisableInterimSaves || r.store.now().Sub(r.writeSometime) < cfg.InterimSaveDelay {
					r.mu.Unlock()
					return nil
				}
			}
		}
	}
	d, err := r.encodeLocked()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.writeSoon = false
	r.writeSometime = time.Time{}
	r.mu.Unlock()

	now := r.store.now()
	err = r.store.write(r.hash, d, now)
	r.mu.Lock()
	if err != nil {
		// keep it dirty so the next flush tries again
		r.writeSoon = true
	} else {
		r.savedAt = now
	}
	r.mu.Unlock()
	return err
}

func (r *Record) informWillRead(name string) {
	r.mReading.Lock()
	if r.reading[name] > 0 {
		r.mReading.Unlock()
		return
	}
	r.reading[name]++
	r.mReading.Unlock()

	defer func() {
		r.mReading.Lock()
		r.reading[name]--
		if r.reading[name] == 0 {
			delete(r.reading, name)
		}
		r.mReading.Unlock()
	}()

	r.listeners.dispatch(r, name, WillBeRead)
	r.store.listeners.dispatch(r, name, WillBeRead)
}

// informWritten always dispatches. Only will-be-read events are guarded
// against recursion, since a write under a will-be-read listener may come
// from any goroutine.
func (r *Record) informWritten(name string) {
	r.listeners.dispatch(r, name, Written)
	r.store.listeners.dispatch(r, name, Written)
}
