// Package statestore keeps the persistent state of downloads in a bolt database.
//
// Each download has one Record holding typed attributes, parameters whose
// defaults come from configuration, a resume checkpoint with a short history
// and the last tracker responses. Changes are coalesced and written by a
// background flusher.
package statestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/rainctl/internal/logger"
	"github.com/cenkalti/rainctl/internal/worker"
	"github.com/cenkalti/rainctl/metainfo"
	"github.com/golang/groupcache/lru"
	"github.com/mitchellh/go-homedir"
	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when there is no record for a content hash.
	ErrNotFound = errors.New("state record not found")
	// ErrClosed is returned after the store is closed.
	ErrClosed = errors.New("state store is closed")
	// ErrHashMismatch is returned when stored metadata belongs to different content.
	ErrHashMismatch = errors.New("content hash does not match state record")
)

// Store holds the records of all downloads.
type Store struct {
	db     *bbolt.DB
	config Config
	log    logger.Logger
	clock  func() time.Time

	mu     sync.Mutex
	pinned map[metainfo.Hash]*pin
	// unused records recently looked up
	cache    *lru.Cache
	defaults map[string]int64
	closed   bool

	listeners listenerSet
	workers   worker.Workers
}

type pin struct {
	r    *Record
	refs int
}

// New opens the database at path, creating it if needed.
func New(path string, cfg Config) (*Store, error) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig.HistorySize
	}
	if cfg.InterimSaveDelay <= 0 {
		cfg.InterimSaveDelay = DefaultConfig.InterimSaveDelay
	}
	if cfg.CloseRetryTimeout <= 0 {
		cfg.CloseRetryTimeout = DefaultConfig.CloseRetryTimeout
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(filepath.Dir(path), 0750)
	if err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0640, &bbolt.Options{Timeout: cfg.OpenTimeout})
	if err == bbolt.ErrTimeout {
		return nil, errors.New("state database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(mainBucket)
		return err2
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{
		db:       db,
		config:   cfg,
		log:      logger.New("statestore"),
		clock:    time.Now,
		pinned:   make(map[metainfo.Hash]*pin),
		defaults: cfg.parameterDefaults(),
	}
	s.cache = lru.New(cfg.CacheSize)
	if cfg.CacheSize <= 0 {
		s.cache.MaxEntries = 1
	}
	s.cache.OnEvicted = s.evicted
	if cfg.FlushInterval > 0 {
		s.workers.Start(&flusher{store: s, interval: cfg.FlushInterval})
	}
	return s, nil
}

// evicted saves a record dropping out of the cache of released records.
// Called with s.mu held.
func (s *Store) evicted(_ lru.Key, v interface{}) {
	r := v.(*Record)
	if p, ok := s.pinned[r.hash]; ok && p.r == r {
		return
	}
	if err := r.save(false, false); err != nil {
		s.log.Errorf("cannot save evicted record %s: %s", r.hash, err)
	}
}

func (s *Store) now() time.Time { return s.clock() }

// Config returns the configuration the store was opened with.
func (s *Store) Config() Config { return s.config }

// Acquire returns the record for h, creating it if it does not exist.
// The record stays in memory until it is released as many times as it is acquired.
func (s *Store) Acquire(h metainfo.Hash) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.pinned[h]; ok {
		p.refs++
		return p.r, nil
	}
	r, err := s.lookupLocked(h)
	if err == ErrNotFound {
		r = newRecord(s, h)
		r.attrs[AttrAddedTime] = IntValue(s.now().Unix())
		r.writeSoon = true
		err = nil
	}
	if err != nil {
		return nil, err
	}
	s.pinned[h] = &pin{r: r, refs: 1}
	s.cache.Remove(h)
	return r, nil
}

// Release undoes one Acquire. The record is moved to the cache of unused records.
func (s *Store) Release(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pinned[r.hash]
	if !ok || p.r != r {
		return
	}
	p.refs--
	if p.refs > 0 {
		return
	}
	delete(s.pinned, r.hash)
	if !s.closed {
		s.cache.Add(r.hash, r)
	}
}

// Lookup returns an existing record without creating it.
func (s *Store) Lookup(h metainfo.Hash) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.pinned[h]; ok {
		return p.r, nil
	}
	r, err := s.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	s.cache.Add(h, r)
	return r, nil
}

func (s *Store) lookupLocked(h metainfo.Hash) (*Record, error) {
	if v, ok := s.cache.Get(h); ok {
		return v.(*Record), nil
	}
	d, err := s.read(h)
	if err != nil {
		return nil, err
	}
	r := newRecord(s, h)
	if err = r.decode(d); err != nil {
		return nil, fmt.Errorf("record %s: %w", h, err)
	}
	return r, nil
}

// Exists reports whether a record for h is in memory or on disk.
func (s *Store) Exists(h metainfo.Hash) bool {
	s.mu.Lock()
	if _, ok := s.pinned[h]; ok {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	var found bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(mainBucket).Bucket([]byte(h.String())) != nil
		return nil
	})
	return found
}

// List returns the hashes of all saved records in ascending order.
func (s *Store) List() ([]metainfo.Hash, error) {
	var l []metainfo.Hash
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(mainBucket).ForEach(func(k, _ []byte) error {
			h, err := metainfo.ParseHash(string(k))
			if err != nil {
				s.log.Warningf("invalid record key %q: %s", k, err)
				return nil
			}
			l = append(l, h)
			return nil
		})
	})
	sort.Slice(l, func(i, j int) bool { return l[i].String() < l[j].String() })
	return l, err
}

// Delete removes the record of h from memory and disk.
func (s *Store) Delete(h metainfo.Hash) error {
	s.mu.Lock()
	if p, ok := s.pinned[h]; ok {
		p.r.markDeleted()
		delete(s.pinned, h)
	}
	if v, ok := s.cache.Get(h); ok {
		v.(*Record).markDeleted()
		s.cache.Remove(h)
	}
	s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(mainBucket).DeleteBucket([]byte(h.String()))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (r *Record) markDeleted() {
	r.mu.Lock()
	r.deleted = true
	r.mu.Unlock()
}

// Records returns the records currently acquired.
func (s *Store) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := make([]*Record, 0, len(s.pinned))
	for _, p := range s.pinned {
		l = append(l, p.r)
	}
	sort.Slice(l, func(i, j int) bool { return l[i].hash.String() < l[j].hash.String() })
	return l
}

// AddListener subscribes l to events of attribute on every record.
// Use Wildcard to receive events for every attribute. The returned function unsubscribes.
func (s *Store) AddListener(attribute string, kind EventKind, l Listener) func() {
	return s.listeners.add(attribute, kind, l)
}

// ParameterDefault returns the configured default of a parameter.
func (s *Store) ParameterDefault(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaults[name]
}

// SetParameterDefaults replaces parameter defaults and notifies every
// acquired record that its parameters may have changed.
func (s *Store) SetParameterDefaults(m map[string]int64) {
	cfg := s.config
	cfg.ParameterDefaults = m
	defaults := cfg.parameterDefaults()
	s.mu.Lock()
	s.defaults = defaults
	s.mu.Unlock()
	for _, r := range s.Records() {
		r.informWritten(AttrParameters)
	}
}

// Flush saves dirty records. An interim flush skips low priority changes
// that are younger than the interim save delay.
func (s *Store) Flush(interim bool) error {
	s.mu.Lock()
	l := make([]*Record, 0, len(s.pinned)+s.cache.Len())
	for _, p := range s.pinned {
		l = append(l, p.r)
	}
	s.mu.Unlock()
	l = append(l, s.cachedRecords()...)
	var errs []error
	for _, r := range l {
		if err := r.save(false, interim); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", r.hash, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) cachedRecords() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var l []*Record
	// lru.Cache has no iterator; evict-and-readd keeps the order.
	n := s.cache.Len()
	saved := s.cache.OnEvicted
	s.cache.OnEvicted = func(_ lru.Key, v interface{}) { l = append(l, v.(*Record)) }
	for i := 0; i < n; i++ {
		s.cache.RemoveOldest()
	}
	s.cache.OnEvicted = saved
	for _, r := range l {
		s.cache.Add(r.hash, r)
	}
	return l
}

// Close stops the flusher, saves every dirty record and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.workers.Stop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = s.config.CloseRetryTimeout
	err := backoff.RetryNotify(func() error {
		return s.Flush(false)
	}, b, func(err error, d time.Duration) {
		s.log.Warningf("cannot save state, retrying in %s: %s", d, err)
	})
	if err != nil {
		s.log.Errorf("giving up saving state: %s", err)
	}

	s.mu.Lock()
	s.closed = true
	s.pinned = make(map[metainfo.Hash]*pin)
	s.cache = lru.New(1)
	s.mu.Unlock()

	if err2 := s.db.Close(); err == nil {
		err = err2
	}
	return err
}

func (s *Store) read(h metainfo.Hash) (encoded, error) {
	var d encoded
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(mainBucket).Bucket([]byte(h.String()))
		if b == nil {
			return ErrNotFound
		}
		d = make(encoded)
		return b.ForEach(func(k, v []byte) error {
			d[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return d, err
}

var allKeys = [][]byte{keys.Attributes, keys.Parameters, keys.Checkpoint, keys.History, keys.TrackerCache, keys.Metadata}

func (s *Store) write(h metainfo.Hash, d encoded, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(mainBucket).CreateBucketIfNotExists([]byte(h.String()))
		if err != nil {
			return err
		}
		for _, k := range allKeys {
			v, ok := d[string(k)]
			if !ok {
				err = b.Delete(k)
			} else {
				err = b.Put(k, v)
			}
			if err != nil {
				return err
			}
		}
		return b.Put(keys.SavedAt, []byte(now.UTC().Format(time.RFC3339)))
	})
}
