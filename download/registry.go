package download

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/rainctl/bias"
	"github.com/cenkalti/rainctl/internal/logger"
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/internal/worker"
	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/storage"
	"github.com/cenkalti/rainctl/swarm"
	"github.com/cenkalti/rainctl/tracker"
	"github.com/gofrs/uuid"
	"github.com/google/btree"
	"github.com/mitchellh/go-homedir"
	"github.com/rcrowley/go-metrics"
)

const peerIDPrefix = "-RC0001-"

// Activator decides whether a queued download becomes active because a peer asked for it.
type Activator interface {
	Activate(d *Download) bool
}

// ActivatorFunc adapts a function to the Activator interface.
type ActivatorFunc func(d *Download) bool

// Activate calls f(d).
func (f ActivatorFunc) Activate(d *Download) bool { return f(d) }

// Options are the collaborators of a Registry.
type Options struct {
	Storage storage.Factory
	Swarm   swarm.Factory
	Tracker tracker.Factory
	// Metrics defaults to a new registry.
	Metrics metrics.Registry
	// Activator defaults to moving the download to Waiting.
	Activator Activator
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Registry is the per-process context of downloads. It owns the state
// store, the bias controller, background workers and global listeners.
type Registry struct {
	config    Config
	store     *statestore.Store
	storages  storage.Factory
	swarms    swarm.Factory
	trackers  tracker.Factory
	bias      *bias.Controller
	activator Activator
	clock     func() time.Time
	log       logger.Logger
	sessionID uuid.UUID

	metrics      metrics.Registry
	transitions  metrics.Counter
	dataSent     metrics.Counter
	dataReceived metrics.Counter

	// teardown tasks of Stop
	tasks worker.Workers
	// event delivery and the bias loop
	loops  worker.Workers
	events *eventQueue

	m         sync.RWMutex
	downloads *btree.BTreeG[*Download]
	closed    bool

	mListeners sync.Mutex
	listeners  []Listener
}

// NewRegistry opens the state store and starts the background loops.
func NewRegistry(cfg Config, opts Options) (*Registry, error) {
	if opts.Storage == nil || opts.Swarm == nil || opts.Tracker == nil {
		return nil, errors.New("storage, swarm and tracker factories are required")
	}
	if cfg.StorageStopTimeout <= 0 {
		cfg.StorageStopTimeout = DefaultConfig.StorageStopTimeout
	}
	if cfg.StorageStopWarnInterval <= 0 {
		cfg.StorageStopWarnInterval = DefaultConfig.StorageStopWarnInterval
	}
	if cfg.LogLevel != "" {
		l, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(l)
	}
	store, err := statestore.New(cfg.Database, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("cannot open state store: %w", err)
	}
	sid, err := uuid.NewV4()
	if err != nil {
		store.Close()
		return nil, err
	}
	r := &Registry{
		config:    cfg,
		store:     store,
		storages:  opts.Storage,
		swarms:    opts.Swarm,
		trackers:  opts.Tracker,
		activator: opts.Activator,
		clock:     opts.Clock,
		log:       logger.New("registry"),
		sessionID: sid,
		metrics:   opts.Metrics,
		events:    newEventQueue(),
		downloads: btree.NewG[*Download](32, func(a, b *Download) bool {
			return bytes.Compare(a.hash[:], b.hash[:]) < 0
		}),
	}
	if r.metrics == nil {
		r.metrics = metrics.NewRegistry()
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.activator == nil {
		r.activator = ActivatorFunc(wakeQueued)
	}
	r.transitions = metrics.GetOrRegisterCounter("download.transitions", r.metrics)
	r.dataSent = metrics.GetOrRegisterCounter("download.data.sent", r.metrics)
	r.dataReceived = metrics.GetOrRegisterCounter("download.data.received", r.metrics)
	r.bias = bias.New(cfg.Bias, r.metrics)
	r.listeners = []Listener{&autoStarter{r: r}}
	r.loops.Start(r.events)
	r.loops.Start(r.bias)
	r.log.Infof("registry started, session %s", r.sessionID)
	return r, nil
}

// Config returns the configuration the registry was created with.
func (r *Registry) Config() Config { return r.config }

// Store returns the state store.
func (r *Registry) Store() *statestore.Store { return r.store }

// Bias returns the bandwidth bias controller.
func (r *Registry) Bias() *bias.Controller { return r.bias }

// SetParameterDefaults changes the defaults of record parameters and
// notifies every loaded record.
func (r *Registry) SetParameterDefaults(m map[string]int64) {
	r.store.SetParameterDefaults(m)
}

// Add creates a download for meta in the Stopped state.
// An empty saveDir means the configured data directory.
func (r *Registry) Add(meta *metainfo.Metadata, saveDir string) (*Download, error) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.downloads.Get(&Download{hash: meta.Hash}); ok {
		return nil, ErrExists
	}
	rec, err := r.store.Acquire(meta.Hash)
	if errors.Is(err, statestore.ErrHashMismatch) {
		return nil, ErrUnusable
	} else if err != nil {
		return nil, err
	}
	if rec.Unusable() {
		r.store.Release(rec)
		return nil, ErrUnusable
	}
	if err = rec.SetMetadata(meta); err != nil {
		r.store.Release(rec)
		if errors.Is(err, statestore.ErrHashMismatch) {
			return nil, ErrUnusable
		}
		return nil, err
	}
	if saveDir == "" {
		saveDir = r.config.DataDir
	}
	saveDir, err = homedir.Expand(saveDir)
	if err != nil {
		r.store.Release(rec)
		return nil, err
	}
	rec.SetString(statestore.AttrSaveDir, saveDir)
	rec.SetString(statestore.AttrState, savedState(Stopped))
	d := newDownload(r, rec, meta)
	r.insertLocked(d)
	d.log.Infof("added %q", meta.Name)
	return d, nil
}

// Load creates downloads for every record in the state store and
// restores their saved states.
func (r *Registry) Load() error {
	hashes, err := r.store.List()
	if err != nil {
		return err
	}
	var loaded []*Download
	r.m.Lock()
	for _, h := range hashes {
		if r.closed {
			r.m.Unlock()
			return ErrClosed
		}
		if _, ok := r.downloads.Get(&Download{hash: h}); ok {
			continue
		}
		rec, err := r.store.Acquire(h)
		if err != nil {
			r.log.Errorf("cannot load %s: %s", h, err)
			continue
		}
		meta := rec.Metadata()
		if rec.Unusable() || meta == nil || meta.Hash != h {
			r.log.Errorf("cannot load %s: %s", h, ErrUnusable)
			r.insertLocked(newUnusableDownload(r, rec))
			continue
		}
		d := newDownload(r, rec, meta)
		r.insertLocked(d)
		loaded = append(loaded, d)
	}
	r.m.Unlock()

	for _, d := range loaded {
		r.restore(d)
	}
	r.log.Infof("loaded %d downloads", len(loaded))
	return nil
}

// restore moves a loaded download to its saved state.
func (r *Registry) restore(d *Download) {
	switch d.record.String(statestore.AttrState) {
	case savedStateQueued:
		_ = d.SetQueued()
	case savedStateStart:
		d.setState(Waiting)
	case savedStateError:
		if e := savedError(d.record); e != nil {
			d.setErrorState(e)
		}
	}
}

// Get returns the download of h.
func (r *Registry) Get(h metainfo.Hash) (*Download, error) {
	r.m.RLock()
	defer r.m.RUnlock()
	d, ok := r.downloads.Get(&Download{hash: h})
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// List returns downloads ordered by content hash.
func (r *Registry) List() []*Download {
	r.m.RLock()
	defer r.m.RUnlock()
	l := make([]*Download, 0, r.downloads.Len())
	r.downloads.Ascend(func(d *Download) bool {
		l = append(l, d)
		return true
	})
	return l
}

// Remove stops d, deletes its saved state and, if removeData is set, its files.
func (r *Registry) Remove(d *Download, removeData bool) error {
	r.m.Lock()
	if _, ok := r.downloads.Delete(d); !ok {
		r.m.Unlock()
		return ErrNotFound
	}
	r.m.Unlock()

	if done := d.Stop(Stopped, true, removeData, true); done != nil {
		<-done
	}
	r.stateCount(d.State()).Dec(1)
	d.log.Info("removed")
	return nil
}

func (r *Registry) insertLocked(d *Download) {
	r.downloads.ReplaceOrInsert(d)
	r.stateCount(d.State()).Inc(1)
}

// AddListener subscribes l to events of every download.
func (r *Registry) AddListener(l Listener) {
	r.mListeners.Lock()
	defer r.mListeners.Unlock()
	r.listeners = append(append([]Listener(nil), r.listeners...), l)
}

// RemoveListener unsubscribes l.
func (r *Registry) RemoveListener(l Listener) {
	r.mListeners.Lock()
	defer r.mListeners.Unlock()
	var l2 []Listener
	for _, x := range r.listeners {
		if x != l {
			l2 = append(l2, x)
		}
	}
	r.listeners = l2
}

func (r *Registry) listenerList() []Listener {
	r.mListeners.Lock()
	defer r.mListeners.Unlock()
	return r.listeners
}

// Close stops every download, waits for their teardown and closes the state store.
func (r *Registry) Close() error {
	r.m.Lock()
	if r.closed {
		r.m.Unlock()
		return nil
	}
	r.closed = true
	r.m.Unlock()

	var waits []<-chan struct{}
	for _, d := range r.List() {
		if done := d.Stop(Closed, false, false, false); done != nil {
			waits = append(waits, done)
		}
	}
	for _, c := range waits {
		<-c
	}
	r.tasks.Wait()
	r.loops.Stop()
	for _, d := range r.List() {
		r.store.Release(d.record)
	}
	r.log.Info("registry closed")
	return r.store.Close()
}

func (r *Registry) now() time.Time { return r.clock() }

func (r *Registry) newPeerID() swarm.PeerID {
	var id swarm.PeerID
	copy(id[:], peerIDPrefix)
	u, err := uuid.NewV4()
	if err != nil {
		u = r.sessionID
	}
	copy(id[len(peerIDPrefix):], u.Bytes())
	return id
}

func (r *Registry) activate(d *Download) bool {
	return r.activator.Activate(d)
}

func (r *Registry) stateChanged(old, s State) {
	r.transitions.Inc(1)
	r.stateCount(old).Dec(1)
	r.stateCount(s).Inc(1)
}

func (r *Registry) stateCount(s State) metrics.Counter {
	name := strings.ToLower(strings.ReplaceAll(s.String(), " ", "_"))
	return metrics.GetOrRegisterCounter("download.state."+name, r.metrics)
}

// sendRateShare returns the total send rate of active downloads and the
// number of active downloads that are not complete.
func (r *Registry) sendRateShare() (rate int64, incomplete int) {
	for _, d := range r.List() {
		sw := d.swarm.Load()
		if sw == nil {
			continue
		}
		rate += sw.Stats().DataSendRate
		switch d.State() {
		case Failed, Stopping, Stopped:
			continue
		}
		if !d.assumedComplete.Load() {
			incomplete++
		}
	}
	return
}

// wakeQueued is the default Activator.
func wakeQueued(d *Download) bool {
	return d.changeState(Waiting, func(old State) bool { return old == Queued })
}

// autoStarter starts downloads that become Waiting when AutoStart is set.
type autoStarter struct {
	NopListener
	r *Registry
}

func (a *autoStarter) StateChanged(d *Download, s State) {
	if s != Waiting || !a.r.config.AutoStart || d.State() != Waiting {
		return
	}
	if err := d.Start(); err != nil {
		d.log.Errorf("cannot start: %s", err)
	}
}
