package download

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cenkalti/rainctl/internal/limitgroup"
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/storage"
	"github.com/cenkalti/rainctl/storage/storagetest"
	"github.com/cenkalti/rainctl/swarm/swarmtest"
	"github.com/cenkalti/rainctl/tracker/trackertest"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMeta = &metainfo.Metadata{
	Hash: metainfo.Hash{0xde, 0xad, 0xbe, 0xef},
	Name: "content",
	Files: []metainfo.File{
		{Path: []string{"a"}, Length: 100},
		{Path: []string{"dir", "b"}, Length: 50},
	},
	PieceLength: 16,
	NumPieces:   10,
	Trackers:    [][]string{{"http://tracker.example.com/announce"}},
}

type testEnv struct {
	r        *Registry
	dir      string
	storages *storagetest.Factory
	swarms   *swarmtest.Factory
	trackers *trackertest.Factory
}

func testConfig(dir string) Config {
	cfg := DefaultConfig
	cfg.Database = filepath.Join(dir, "state.db")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.LogLevel = ""
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvConfig(t, testConfig(t.TempDir()), Options{})
}

func newTestEnvConfig(t *testing.T, cfg Config, opts Options) *testEnv {
	e := &testEnv{
		dir:      filepath.Dir(cfg.Database),
		storages: &storagetest.Factory{},
		swarms:   &swarmtest.Factory{},
		trackers: &trackertest.Factory{},
	}
	opts.Storage, opts.Swarm, opts.Tracker = e.storages, e.swarms, e.trackers
	r, err := NewRegistry(cfg, opts)
	require.NoError(t, err)
	e.r = r
	return e
}

func (e *testEnv) add(t *testing.T) *Download {
	d, err := e.r.Add(testMeta, "")
	require.NoError(t, err)
	return d
}

// start starts d and waits until it is active.
func (e *testEnv) start(t *testing.T, d *Download) {
	require.NoError(t, d.Start())
	require.Equal(t, Downloading, d.State())
}

func wait(c <-chan struct{}) {
	if c != nil {
		<-c
	}
}

type recorder struct {
	NopListener
	mu        sync.Mutex
	states    []State
	completed int
	rechecks  []bool
}

func (r *recorder) StateChanged(d *Download, s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) Completed(d *Download) {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
}

func (r *recorder) RecheckComplete(d *Download, cancelled bool) {
	r.mu.Lock()
	r.rechecks = append(r.rechecks, cancelled)
	r.mu.Unlock()
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestStartActivates(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	rec := &recorder{}
	d.AddListener(rec)
	e.start(t, d)
	e.r.events.sync()

	assert.Equal(t, []State{Initialized, Allocating, Checking, Ready, Downloading}, rec.States())
	assert.True(t, d.HasStorage())

	sw := e.swarms.Last()
	require.NotNil(t, sw)
	assert.Equal(t, 1, sw.Started())
	tr := e.trackers.Last()
	require.NotNil(t, tr)
	assert.Equal(t, []bool{true}, tr.Updates())
	assert.Equal(t, tr.PeerID(), sw.PeerID)
	assert.NotNil(t, tr.Provider())
	assert.Equal(t, "start", d.Record().String(statestore.AttrState))
}

func TestStopTearsDown(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	e.start(t, d)
	rec := &recorder{}
	d.AddListener(rec)

	done := d.Stop(Stopped, false, false, false)
	require.NotNil(t, done)
	<-done
	e.r.events.sync()

	assert.Equal(t, Stopped, d.State())
	assert.False(t, d.HasStorage())
	assert.Equal(t, []State{Stopping, Stopped}, rec.States())
	assert.Equal(t, 1, e.swarms.Last().Stopped())
	tr := e.trackers.Last()
	assert.Equal(t, []bool{false}, tr.Stops())
	assert.True(t, tr.Destroyed())
	assert.Equal(t, 1, e.storages.Last().StopCount())
	assert.Equal(t, "stopped", d.Record().String(statestore.AttrState))
	assert.False(t, d.Record().Time(statestore.AttrLastActive).IsZero())
}

func TestStopFastPath(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	assert.Nil(t, d.Stop(Stopped, false, false, false))
	assert.Equal(t, 0, e.r.tasks.Active())
	assert.Equal(t, Stopped, d.State())
}

func TestStopIsIdempotent(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()
	e.storages.Prepare = func(h *storagetest.Handle) { h.AsyncStop = true }

	d := e.add(t)
	e.start(t, d)

	done1 := d.Stop(Stopped, false, false, false)
	done2 := d.Stop(Queued, false, false, false)
	assert.Equal(t, done1, done2)
	assert.Equal(t, Stopping, d.State())
	assert.Equal(t, Stopped, d.SubState())

	e.storages.Last().FinishStop()
	<-done1
	assert.Equal(t, Stopped, d.State())
	assert.Equal(t, 1, e.storages.Last().StopCount())
}

func TestCloseWhileStoppingKeepsSavedState(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	e.storages.Prepare = func(h *storagetest.Handle) { h.AsyncStop = true }

	d := e.add(t)
	e.start(t, d)
	done := d.Stop(Stopped, false, false, false)
	require.Equal(t, Stopping, d.State())
	assert.Equal(t, done, d.Stop(Closed, false, false, false))
	assert.False(t, d.closing.Load())

	e.storages.Last().FinishStop()
	<-done
	assert.Equal(t, "stopped", d.Record().String(statestore.AttrState))
	require.NoError(t, e.r.Close())
}

func TestTeardownClearsForceStart(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	d.SetForceStart(true)
	require.NoError(t, d.Start())
	require.True(t, d.ForceStart())
	wait(d.Stop(Stopped, false, false, false))
	assert.False(t, d.ForceStart())
	assert.Equal(t, Stopped, d.State())
}

func TestCloseStopsWithClosingFlag(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)

	d := e.add(t)
	e.start(t, d)
	h := e.storages.Last()
	require.NoError(t, e.r.Close())

	assert.Equal(t, Stopped, d.State())
	assert.True(t, h.Closing())
	assert.Equal(t, ErrClosed, func() error { _, err := e.r.Add(testMeta, ""); return err }())
}

func TestStorageFaultFails(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()
	e.storages.Prepare = func(h *storagetest.Handle) {
		h.Script = []storage.State{storage.Allocating, storage.Faulty}
		h.Fault = &storage.Error{Kind: storage.ErrFileMissing, Detail: "a: no such file"}
	}

	d := e.add(t)
	d.SetForceStart(true)
	require.NoError(t, d.Start())
	e.r.tasks.Wait()

	assert.Equal(t, Failed, d.State())
	assert.False(t, d.HasStorage())
	require.NotNil(t, d.Error())
	assert.Equal(t, ErrorKindFileMissing, d.Error().Kind)
	assert.Equal(t, "a: no such file", d.Error().Detail)
	assert.Equal(t, FlagWasForceStart, d.Error().Flags&FlagWasForceStart)
	assert.Equal(t, int64(ErrorKindFileMissing), d.Record().Int(statestore.AttrErrorType))
	assert.Equal(t, "error", d.Record().String(statestore.AttrState))
	assert.Equal(t, 0, e.swarms.Count())
}

func TestStopDuringInitIsNotAnError(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()
	e.storages.Prepare = func(h *storagetest.Handle) {
		h.Script = []storage.State{storage.Checking, storage.Faulty}
		h.Fault = &storage.Error{Kind: storage.ErrStopDuringInit, Detail: "stopped"}
	}

	d := e.add(t)
	require.NoError(t, d.Start())
	e.r.tasks.Wait()

	assert.Equal(t, Stopped, d.State())
	assert.Nil(t, d.Error())
	assert.False(t, d.HasStorage())
}

func TestStorageCreateError(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()
	e.storages.CreateErr = errors.New("disk on fire")

	d := e.add(t)
	assert.Error(t, d.Start())
	e.r.tasks.Wait()
	assert.Equal(t, Failed, d.State())
	assert.Contains(t, d.Error().Detail, "Storage initialisation fails")
}

func TestTrackerFailureKeepsStorage(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()
	e.trackers.SetCreateErr(errors.New("no route"))

	d := e.add(t)
	require.NoError(t, d.Start())
	assert.Equal(t, Failed, d.State())
	assert.True(t, d.HasStorage())
	assert.Equal(t, ErrorKindOther, d.Error().Kind)

	e.trackers.SetCreateErr(nil)
	require.NoError(t, d.Start())
	assert.Equal(t, Downloading, d.State())
	assert.Nil(t, d.Error())
	assert.Len(t, e.storages.Handles(), 1)
	assert.Equal(t, 1, e.storages.Last().Started())
}

func TestNilTrackerStops(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()
	e.trackers.ReturnNil = true

	d := e.add(t)
	require.NoError(t, d.Start())
	e.r.tasks.Wait()
	assert.Equal(t, Stopped, d.State())
	assert.False(t, d.HasStorage())
}

func TestStartInvalidState(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	e.start(t, d)
	assert.Equal(t, ErrInvalidState, d.Start())
	e.r.tasks.Wait()
	assert.Equal(t, Failed, d.State())
	assert.Contains(t, d.Error().Detail, "Inconsistent download state")
}

func TestStorageOnlyWhileActive(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	check := func() {
		switch d.State() {
		case Stopped, Queued, Waiting:
			assert.False(t, d.HasStorage(), d.State().String())
		case Downloading, Seeding:
			assert.True(t, d.HasStorage(), d.State().String())
		}
	}
	check()
	e.start(t, d)
	check()
	wait(d.Stop(Queued, false, false, false))
	check()
	require.NoError(t, d.Start())
	check()
	wait(d.Stop(Stopped, false, false, false))
	check()
}

func TestSetForceStartWakes(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	d.SetForceStart(true)
	assert.True(t, d.ForceStart())
	assert.Equal(t, Waiting, d.State())

	require.NoError(t, d.SetQueued())
	assert.Equal(t, Queued, d.State())
	d.SetForceStart(false)
	assert.Equal(t, Queued, d.State())
}

func TestAutoStart(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig(t.TempDir())
	cfg.AutoStart = true
	e := newTestEnvConfig(t, cfg, Options{})
	defer e.r.Close()

	d := e.add(t)
	d.SetForceStart(true)
	e.r.events.sync()
	assert.Equal(t, Downloading, d.State())
}

func TestSeedingClearsForceStart(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	rec := &recorder{}
	d.AddListener(rec)
	e.start(t, d)
	d.SetForceStart(true)

	e.swarms.Last().Adapter.Seeding(false)
	e.r.events.sync()

	assert.Equal(t, Seeding, d.State())
	assert.True(t, d.AssumedComplete())
	assert.False(t, d.ForceStart())
	assert.Equal(t, 1, rec.completed)
	assert.Contains(t, rec.States(), Finishing)
	assert.False(t, d.Record().Time(statestore.AttrCompletedTime).IsZero())

	e.swarms.Last().Adapter.Downloading()
	assert.Equal(t, Downloading, d.State())
	assert.False(t, d.AssumedComplete())
}

func TestSeedingRetainsForceStart(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	d.Record().SetParamBool(statestore.ParamRetainForceStartOnDone, true)
	e.start(t, d)
	d.SetForceStart(true)
	e.swarms.Last().Adapter.Seeding(false)
	assert.True(t, d.ForceStart())
}

func TestSeedingWithoutDownloadNoEvent(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	rec := &recorder{}
	d.AddListener(rec)
	e.start(t, d)
	e.swarms.Last().Adapter.Seeding(true)
	e.r.events.sync()
	assert.Equal(t, Seeding, d.State())
	assert.Equal(t, 0, rec.completed)
}

func TestDownloadingOnlyFromSeeding(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	e.start(t, d)
	e.swarms.Last().Adapter.Finishing()
	assert.Equal(t, Finishing, d.State())
	e.swarms.Last().Adapter.Downloading()
	assert.Equal(t, Finishing, d.State())
}

func TestRestart(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	e.start(t, d)
	d.SetForceStart(true)
	require.NoError(t, d.Restart(false))
	assert.Equal(t, Downloading, d.State())
	assert.True(t, d.ForceStart())
	assert.Len(t, e.storages.Handles(), 2)
	assert.Equal(t, 2, e.swarms.Count())
}

func TestFirstStartForSeedingFailsOnMissingData(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	d.Record().SetBool(statestore.AttrOpenForSeeding, true)
	require.NoError(t, d.Start())
	e.r.tasks.Wait()
	assert.Equal(t, Failed, d.State())
	assert.Equal(t, "File check failed", d.Error().Detail)
	assert.Nil(t, d.Record().Checkpoint())
}

func TestFirstStartCompleteIsOnlyEverSeeded(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()
	e.storages.Prepare = func(h *storagetest.Handle) { h.Complete() }

	d := e.add(t)
	d.Record().SetBool(statestore.AttrOpenForSeeding, true)
	e.start(t, d)
	assert.True(t, d.Record().Bool(statestore.AttrOnlyEverSeeded))
	assert.True(t, d.AssumedComplete())
}

func TestRateLimitersReattached(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	g := limitgroup.New("user")
	d.AddRateLimiter(g, true)
	e.start(t, d)
	assert.True(t, e.swarms.Last().HasRateLimiter(g))

	d.RemoveRateLimiter(g, true)
	assert.False(t, e.swarms.Last().HasRateLimiter(g))

	d.AddRateLimiter(g, true)
	d.AddRateLimiter(g, true)
	assert.Len(t, d.limiterList(), 1)
	assert.True(t, e.swarms.Last().HasRateLimiter(g))

	wait(d.Stop(Stopped, false, false, false))
	assert.False(t, e.swarms.Last().HasRateLimiter(g))
}

func TestSessionCountersSavedOnStop(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	e.start(t, d)
	a := e.swarms.Last().Adapter
	a.DataBytesReceived(1000)
	a.DataBytesSent(300)
	a.HashFailed(1, 16)
	assert.Equal(t, int64(1000), d.SessionCounters()["data_received"])

	wait(d.Stop(Stopped, false, false, false))
	assert.Equal(t, int64(1000), d.Record().Int(statestore.AttrTotalReceived))
	assert.Equal(t, int64(300), d.Record().Int(statestore.AttrTotalSent))
	assert.Equal(t, int64(16), d.Record().Int(statestore.AttrTotalHashFails))
	assert.Equal(t, int64(0), d.SessionCounters()["data_received"])
}
