package download

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/storage"
	"github.com/cenkalti/rainctl/storage/storagetest"
	"github.com/fortytw2/leaktest"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

var otherMeta = &metainfo.Metadata{
	Hash:  metainfo.Hash{0x01, 0x02},
	Name:  "other.iso",
	Files: []metainfo.File{{Path: []string{"other.iso"}, Length: 1 << 20}},
}

func TestAddGetList(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	_, err := e.r.Add(testMeta, "")
	assert.Equal(t, ErrExists, err)
	d2, err := e.r.Add(otherMeta, filepath.Join(e.dir, "elsewhere"))
	require.NoError(t, err)

	got, err := e.r.Get(testMeta.Hash)
	require.NoError(t, err)
	assert.Equal(t, d, got)
	_, err = e.r.Get(metainfo.Hash{0xff})
	assert.Equal(t, ErrNotFound, err)

	assert.Equal(t, []*Download{d2, d}, e.r.List())
	assert.Equal(t, filepath.Join(e.dir, "data"), d.SaveDir())
	assert.Equal(t, filepath.Join(e.dir, "elsewhere"), d2.SaveDir())
	assert.Equal(t, Stopped, d.State())
	assert.Equal(t, "content", d.Name())

	d.Record().SetString(statestore.AttrDisplayName, "renamed")
	assert.Equal(t, "renamed", d.Name())
}

func TestLoadRestoresStates(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig(t.TempDir())
	e := newTestEnvConfig(t, cfg, Options{})

	active := e.add(t)
	e.start(t, active)
	queued, err := e.r.Add(otherMeta, "")
	require.NoError(t, err)
	require.NoError(t, queued.SetQueued())
	require.NoError(t, e.r.Close())

	e = newTestEnvConfig(t, cfg, Options{})
	defer e.r.Close()
	require.NoError(t, e.r.Load())
	require.Len(t, e.r.List(), 2)

	d, err := e.r.Get(testMeta.Hash)
	require.NoError(t, err)
	assert.Equal(t, Waiting, d.State())
	assert.Equal(t, testMeta.Name, d.Metadata().Name)
	d, err = e.r.Get(otherMeta.Hash)
	require.NoError(t, err)
	assert.Equal(t, Queued, d.State())
}

func TestLoadRestoresError(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig(t.TempDir())
	e := newTestEnvConfig(t, cfg, Options{})
	e.storages.Prepare = func(h *storagetest.Handle) {
		h.Script = []storage.State{storage.Faulty}
		h.Fault = &storage.Error{Kind: storage.ErrFileMissing, Detail: "gone"}
	}
	d := e.add(t)
	d.SetForceStart(true)
	require.NoError(t, d.Start())
	e.r.tasks.Wait()
	require.Equal(t, Failed, d.State())
	require.NoError(t, e.r.Close())

	e = newTestEnvConfig(t, cfg, Options{})
	defer e.r.Close()
	require.NoError(t, e.r.Load())
	d, err := e.r.Get(testMeta.Hash)
	require.NoError(t, err)
	assert.Equal(t, Failed, d.State())
	require.NotNil(t, d.Error())
	assert.Equal(t, ErrorKindFileMissing, d.Error().Kind)
	assert.Equal(t, "gone", d.Error().Detail)
	assert.Equal(t, FlagWasForceStart, d.Error().Flags)
}

// copyStoredMetadata overwrites the stored metadata of dst with the one of src.
func copyStoredMetadata(t *testing.T, path string, dst, src metainfo.Hash) {
	db, err := bbolt.Open(path, 0640, nil)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte("downloads"))
		v := b.Bucket([]byte(src.String())).Get([]byte("metadata"))
		return b.Bucket([]byte(dst.String())).Put([]byte("metadata"), append([]byte(nil), v...))
	}))
}

func TestLoadUnusableRecord(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig(t.TempDir())
	e := newTestEnvConfig(t, cfg, Options{})
	e.add(t)
	_, err := e.r.Add(otherMeta, "")
	require.NoError(t, err)
	require.NoError(t, e.r.Close())
	copyStoredMetadata(t, cfg.Database, testMeta.Hash, otherMeta.Hash)

	e = newTestEnvConfig(t, cfg, Options{})
	defer e.r.Close()
	_, err = e.r.Add(testMeta, "")
	assert.ErrorIs(t, err, ErrUnusable)

	require.NoError(t, e.r.Load())
	require.Len(t, e.r.List(), 2)
	d, err := e.r.Get(testMeta.Hash)
	require.NoError(t, err)
	assert.True(t, d.Unusable())
	assert.Equal(t, Failed, d.State())
	require.NotNil(t, d.Error())
	assert.Equal(t, ErrorKindOther, d.Error().Kind)
	assert.Equal(t, ErrUnusable.Error(), d.Error().Detail)
	assert.Equal(t, ErrUnusable, d.Start())
	assert.Equal(t, ErrUnusable, d.ForceRecheck(nil))
	d.SetForceStart(true)
	assert.Equal(t, Failed, d.State())
	assert.Nil(t, d.Stop(Stopped, false, false, false))
	assert.Equal(t, Failed, d.State())
	assert.Empty(t, e.storages.Handles())

	_, err = e.r.Add(testMeta, "")
	assert.Equal(t, ErrExists, err)
	require.NoError(t, e.r.Remove(d, true))
	assert.False(t, e.r.Store().Exists(testMeta.Hash))

	d, err = e.r.Add(testMeta, "")
	require.NoError(t, err)
	assert.False(t, d.Unusable())
	assert.Equal(t, Stopped, d.State())
	require.NoError(t, d.Start())
	assert.Equal(t, Downloading, d.State())
}

func TestRemoveDeletesDataAndState(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	root := filepath.Join(d.SaveDir(), "content")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("a"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dir", "b"), []byte("b"), 0640))
	require.NoError(t, d.Record().Save(true))
	require.True(t, e.r.Store().Exists(testMeta.Hash))

	require.NoError(t, e.r.Remove(d, true))
	_, err := os.Stat(root)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, e.r.Store().Exists(testMeta.Hash))
	_, err = e.r.Get(testMeta.Hash)
	assert.Equal(t, ErrNotFound, err)
	assert.Equal(t, ErrNotFound, e.r.Remove(d, true))
}

func TestRemoveKeepsData(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	e.start(t, d)
	p := filepath.Join(d.SaveDir(), "content", "a")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0750))
	require.NoError(t, os.WriteFile(p, []byte("a"), 0640))

	require.NoError(t, e.r.Remove(d, false))
	assert.Equal(t, Stopped, d.State())
	_, err := os.Stat(p)
	assert.NoError(t, err)
}

func TestPeerIDPrefix(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	id := e.r.newPeerID()
	assert.Equal(t, peerIDPrefix, string(id[:len(peerIDPrefix)]))
	assert.NotEqual(t, id, e.r.newPeerID())
}

func TestStateMetrics(t *testing.T) {
	defer leaktest.Check(t)()
	m := metrics.NewRegistry()
	e := newTestEnvConfig(t, testConfig(t.TempDir()), Options{Metrics: m})
	defer e.r.Close()

	d := e.add(t)
	e.start(t, d)
	assert.Equal(t, int64(1), m.Get("download.state.downloading").(metrics.Counter).Count())
	assert.Equal(t, int64(0), m.Get("download.state.stopped").(metrics.Counter).Count())
	assert.True(t, m.Get("download.transitions").(metrics.Counter).Count() > 0)

	e.swarms.Last().Adapter.DataBytesSent(42)
	assert.Equal(t, int64(42), m.Get("download.data.sent").(metrics.Counter).Count())
}
