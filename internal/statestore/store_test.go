package statestore

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/storage"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
	"go.etcd.io/bbolt"
)

var testHash = metainfo.Hash{0x42, 0x42, 0xe3, 0x34}

func newTestStore(t *testing.T, path string) *Store {
	cfg := DefaultConfig
	cfg.FlushInterval = 0
	if path == "" {
		path = filepath.Join(t.TempDir(), "state.db")
	}
	s, err := New(path, cfg)
	require.NoError(t, err)
	return s
}

func TestPersistAcrossReopen(t *testing.T) {
	defer leaktest.Check(t)()

	path := filepath.Join(t.TempDir(), "state.db")
	s := newTestStore(t, path)
	r, err := s.Acquire(testHash)
	require.NoError(t, err)
	r.SetString(AttrSaveDir, "/data")
	r.SetBool(AttrOpenForSeeding, true)
	r.SetList(AttrPeerSources, []string{"tracker"})
	r.SetMap(AttrErrorDetail, map[string]string{"a": "b"})
	r.SetParam(ParamMaxPeers, 7)
	r.SetTrackerCache([]byte("cache"))
	require.NoError(t, r.SetMetadata(&metainfo.Metadata{Hash: testHash, Name: "debian.iso", Files: []metainfo.File{{Path: []string{"debian.iso"}, Length: 42}}}))
	require.NoError(t, r.SetCheckpoint(&storage.Checkpoint{Data: []byte("resume"), Valid: true, Complete: true}))
	s.Release(r)
	require.NoError(t, s.Close())

	s = newTestStore(t, path)
	defer s.Close()
	l, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []metainfo.Hash{testHash}, l)

	r, err = s.Lookup(testHash)
	require.NoError(t, err)
	assert.Equal(t, "/data", r.String(AttrSaveDir))
	assert.True(t, r.Bool(AttrOpenForSeeding))
	assert.Equal(t, []string{"tracker"}, r.List(AttrPeerSources))
	assert.Equal(t, map[string]string{"a": "b"}, r.Map(AttrErrorDetail))
	assert.Equal(t, int64(7), r.Param(ParamMaxPeers))
	assert.Equal(t, []byte("cache"), r.TrackerCache())
	assert.Equal(t, "debian.iso", r.Metadata().Name)
	assert.Equal(t, int64(42), r.Metadata().TotalLength())
	assert.True(t, r.CheckpointComplete())
	assert.Equal(t, []byte("resume"), r.Checkpoint().Data)
	assert.False(t, r.SavedAt().IsZero())
}

func TestLookupNotFound(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	_, err := s.Lookup(testHash)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Exists(testHash))
}

func TestClosed(t *testing.T) {
	s := newTestStore(t, "")
	require.NoError(t, s.Close())
	_, err := s.Acquire(testHash)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}

func TestDefaults(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	r, err := s.Acquire(testHash)
	require.NoError(t, err)
	assert.Equal(t, []string{"public"}, r.List(AttrNetworks))
	assert.False(t, r.Has(AttrNetworks))
	assert.Equal(t, DefaultConfig.ParameterDefaults[ParamMaxPeers], r.Param(ParamMaxPeers))

	// setting the default removes the explicit value
	r.SetParam(ParamMaxPeers, 5)
	assert.True(t, r.HasParam(ParamMaxPeers))
	r.SetParam(ParamMaxPeers, DefaultConfig.ParameterDefaults[ParamMaxPeers])
	assert.False(t, r.HasParam(ParamMaxPeers))
}

func TestParameterDefaultsBroadcast(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	r, err := s.Acquire(testHash)
	require.NoError(t, err)

	var events []string
	s.AddListener(AttrParameters, Written, ListenerFunc(func(r2 *Record, attr string, kind EventKind) {
		assert.Equal(t, r, r2)
		events = append(events, attr)
	}))
	s.SetParameterDefaults(map[string]int64{ParamMaxPeers: 12})
	assert.Equal(t, []string{AttrParameters}, events)
	assert.Equal(t, int64(12), r.Param(ParamMaxPeers))
	// other defaults are kept
	assert.Equal(t, DefaultConfig.ParameterDefaults[ParamMaxUploads], r.Param(ParamMaxUploads))
}

func TestHistoryBoundedAndDeduplicated(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	r, err := s.Acquire(testHash)
	require.NoError(t, err)

	set := func(data string) {
		require.NoError(t, r.SetCheckpoint(&storage.Checkpoint{Data: []byte(data), Valid: true, Complete: true}))
	}
	set("a")
	set("b")
	set("a")
	set("b")
	set("c")
	set("d")
	set("e")

	r.mu.Lock()
	n := len(r.history)
	seen := make(map[string]bool)
	for _, e := range r.history {
		assert.False(t, seen[string(e.Checkpoint.Data)], "duplicate %s", e.Checkpoint.Data)
		seen[string(e.Checkpoint.Data)] = true
	}
	r.mu.Unlock()
	assert.LessOrEqual(t, n, 3)

	h := r.History()
	require.Len(t, h, 3)
	assert.Equal(t, "b", string(h[0].Checkpoint.Data))
	assert.Equal(t, "c", string(h[1].Checkpoint.Data))
	assert.Equal(t, "d", string(h[2].Checkpoint.Data))
}

func TestHistoryIgnoresIncompleteCheckpoints(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	r, err := s.Acquire(testHash)
	require.NoError(t, err)

	require.NoError(t, r.SetCheckpoint(&storage.Checkpoint{Data: []byte("partial"), Valid: true}))
	assert.False(t, r.CheckpointComplete())
	require.NoError(t, r.ClearCheckpoint())
	assert.Empty(t, r.History())
	assert.Nil(t, r.Checkpoint())

	require.NoError(t, r.SetCheckpoint(&storage.Checkpoint{Data: []byte("full"), Valid: true, Complete: true}))
	require.NoError(t, r.ClearCheckpoint())
	h := r.History()
	require.Len(t, h, 1)
	assert.Equal(t, "full", string(h[0].Checkpoint.Data))
}

func TestWillBeReadReentrancy(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	r, err := s.Acquire(testHash)
	require.NoError(t, err)

	var reads, writes int
	r.AddListener(AttrDisplayName, WillBeRead, ListenerFunc(func(r *Record, attr string, _ EventKind) {
		reads++
		// refreshing the value reads and writes the same attribute
		_ = r.String(attr)
		r.SetString(attr, "refreshed")
	}))
	r.AddListener(AttrDisplayName, Written, ListenerFunc(func(*Record, string, EventKind) {
		writes++
	}))
	assert.Equal(t, "refreshed", r.String(AttrDisplayName))
	assert.Equal(t, 1, reads)
	assert.Equal(t, 1, writes)

	r.SetString(AttrDisplayName, "other")
	assert.Equal(t, 1, reads)
	assert.Equal(t, 2, writes)
}

func TestWrittenDuringConcurrentRead(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestStore(t, "")
	defer s.Close()
	r, err := s.Acquire(testHash)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	r.AddListener(AttrSaveDir, WillBeRead, ListenerFunc(func(*Record, string, EventKind) {
		once.Do(func() { close(entered) })
		<-release
	}))
	var writes int32
	r.AddListener(AttrSaveDir, Written, ListenerFunc(func(*Record, string, EventKind) {
		atomic.AddInt32(&writes, 1)
	}))

	got := make(chan string)
	go func() { got <- r.String(AttrSaveDir) }()
	<-entered
	r.SetString(AttrSaveDir, "/other")
	assert.Equal(t, int32(1), atomic.LoadInt32(&writes))
	close(release)
	assert.Equal(t, "/other", <-got)
}

func TestEvictedRecordIsSaved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	cfg := DefaultConfig
	cfg.FlushInterval = 0
	cfg.CacheSize = 1
	s, err := New(path, cfg)
	require.NoError(t, err)
	other := metainfo.Hash{0x99}
	for _, h := range []metainfo.Hash{testHash, other} {
		r, err := s.Acquire(h)
		require.NoError(t, err)
		require.NoError(t, r.Save(true))
		s.Release(r)
	}

	r, err := s.Lookup(testHash)
	require.NoError(t, err)
	r.SetString(AttrSaveDir, "/changed")
	soon, _ := r.Dirty()
	require.True(t, soon)
	_, err = s.Lookup(other)
	require.NoError(t, err)
	soon, sometime := r.Dirty()
	assert.False(t, soon)
	assert.False(t, sometime)

	r2, err := s.Lookup(testHash)
	require.NoError(t, err)
	assert.NotSame(t, r, r2)
	assert.Equal(t, "/changed", r2.String(AttrSaveDir))
	require.NoError(t, s.Close())

	s = newTestStore(t, path)
	defer s.Close()
	r, err = s.Lookup(testHash)
	require.NoError(t, err)
	assert.Equal(t, "/changed", r.String(AttrSaveDir))
}

func TestWildcardAndUnsubscribe(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	r, err := s.Acquire(testHash)
	require.NoError(t, err)

	var got []string
	remove := r.AddListener(Wildcard, Written, ListenerFunc(func(_ *Record, attr string, _ EventKind) {
		got = append(got, attr)
	}))
	r.SetInt(AttrErrorFlags, 1)
	r.SetInt(AttrErrorFlags, 1) // unchanged
	r.SetString(AttrSaveDir, "/x")
	remove()
	r.SetString(AttrSaveDir, "/y")
	assert.Equal(t, []string{AttrErrorFlags, AttrSaveDir}, got)
}

func TestInterimFlush(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	now := time.Now()
	s.clock = func() time.Time { return now }

	r, err := s.Acquire(testHash)
	require.NoError(t, err)
	require.NoError(t, r.Save(false))

	r.SetInt(AttrLastActive, 1)
	soon, sometime := r.Dirty()
	assert.False(t, soon)
	assert.True(t, sometime)

	require.NoError(t, s.Flush(true))
	_, sometime = r.Dirty()
	assert.True(t, sometime, "lazy change must wait")

	now = now.Add(DefaultConfig.InterimSaveDelay + time.Second)
	require.NoError(t, s.Flush(true))
	_, sometime = r.Dirty()
	assert.False(t, sometime)

	r.SetInt(AttrLastActive, 2)
	r.SetString(AttrSaveDir, "/z")
	soon, _ = r.Dirty()
	assert.True(t, soon)
	require.NoError(t, s.Flush(true))
	soon, sometime = r.Dirty()
	assert.False(t, soon)
	assert.False(t, sometime)
}

func TestMetadataHashMismatch(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	r, err := s.Acquire(testHash)
	require.NoError(t, err)
	err = r.SetMetadata(&metainfo.Metadata{Hash: metainfo.Hash{1}})
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestStoredMetadataOfOtherContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s := newTestStore(t, path)
	other := &metainfo.Metadata{Hash: metainfo.Hash{0x99}, Name: "other.iso", Files: []metainfo.File{{Path: []string{"other.iso"}, Length: 7}}}
	r, err := s.Acquire(other.Hash)
	require.NoError(t, err)
	require.NoError(t, r.SetMetadata(other))
	require.NoError(t, r.Save(true))
	r, err = s.Acquire(testHash)
	require.NoError(t, err)
	r.SetString(AttrSaveDir, "/data")
	require.NoError(t, r.Save(true))
	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(mainBucket)
		v := b.Bucket([]byte(other.Hash.String())).Get(keys.Metadata)
		return b.Bucket([]byte(testHash.String())).Put(keys.Metadata, append([]byte(nil), v...))
	}))
	require.NoError(t, s.Close())

	s = newTestStore(t, path)
	defer s.Close()
	r, err = s.Acquire(testHash)
	require.NoError(t, err)
	assert.True(t, r.Unusable())
	assert.Nil(t, r.Metadata())
	assert.Equal(t, "/data", r.String(AttrSaveDir))

	// the record is left as found
	r.SetString(AttrSaveDir, "/elsewhere")
	require.NoError(t, r.Save(true))
	d, err := s.read(testHash)
	require.NoError(t, err)
	var dm diskMetadata
	require.NoError(t, bencode.DecodeBytes(d[string(keys.Metadata)], &dm))
	m, err := dm.metadata()
	require.NoError(t, err)
	assert.Equal(t, other.Hash, m.Hash)

	require.NoError(t, s.Delete(testHash))
	assert.False(t, s.Exists(testHash))
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	r, err := s.Acquire(testHash)
	require.NoError(t, err)
	require.NoError(t, r.Save(true))
	assert.True(t, s.Exists(testHash))
	require.NoError(t, s.Delete(testHash))
	assert.False(t, s.Exists(testHash))
	// saving a deleted record does not bring it back
	require.NoError(t, r.Save(true))
	assert.False(t, s.Exists(testHash))
}

func TestExport(t *testing.T) {
	s := newTestStore(t, "")
	defer s.Close()
	r, err := s.Acquire(testHash)
	require.NoError(t, err)
	r.SetString(AttrSaveDir, "/data")
	dir := filepath.Join(t.TempDir(), "export")
	require.NoError(t, r.Export(dir))
	for _, name := range []string{"attributes.benc", "parameters.benc", "history.benc", "record.benc"} {
		_, err = os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	snap := r.Snapshot()
	assert.Equal(t, testHash.String(), snap.Hash)
	assert.Contains(t, snap.AttributeNames(), AttrSaveDir)
}

func TestFlusherStops(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := DefaultConfig
	cfg.FlushInterval = 10 * time.Millisecond
	s, err := New(filepath.Join(t.TempDir(), "state.db"), cfg)
	require.NoError(t, err)
	r, err := s.Acquire(testHash)
	require.NoError(t, err)
	r.SetString(AttrSaveDir, "/data")
	assert.Eventually(t, func() bool {
		soon, _ := r.Dirty()
		return !soon
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close())
}
