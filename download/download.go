// Package download controls the lifecycle of downloads.
//
// A Download sequences its storage, swarm and tracker subsystems through
// checking, downloading, seeding and stopping, and persists what it needs
// to resume in a statestore.Record. Downloads live in a Registry that
// owns the state store, the bandwidth bias controller and the background
// workers shared by all downloads.
package download

import (
	"sync"
	"sync/atomic"

	"github.com/cenkalti/rainctl/internal/admission"
	"github.com/cenkalti/rainctl/internal/counters"
	"github.com/cenkalti/rainctl/internal/fileinfo"
	"github.com/cenkalti/rainctl/internal/logger"
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/storage"
	"github.com/cenkalti/rainctl/swarm"
	"github.com/cenkalti/rainctl/tracker"
)

// Download is one content item managed by a Registry.
//
// Lock order is mTransition, mState, mLightSeed. mState is never held
// while mTransition is acquired. Swarm callbacks never take mTransition.
type Download struct {
	registry *Registry
	hash     metainfo.Hash
	meta     *metainfo.Metadata
	record   *statestore.Record
	files    *fileinfo.Set
	owner    *owner
	adapter  *swarmAdapter
	announce *announcer
	network  *networkProvider
	gate     *admission.Gate
	log      logger.Logger

	// guards creation and teardown of subsystem handles
	mTransition    sync.Mutex
	storage        ref[storage.Handle]
	swarm          ref[swarm.Handle]
	tracker        ref[tracker.Handle]
	trackerPending bool
	stopDone       chan struct{}

	// guards writes of state, substate and forceStart
	mState     sync.Mutex
	state      atomic.Int32
	substate   atomic.Int32
	forceStart atomic.Bool

	mLightSeed        sync.Mutex
	lightSeed         tracker.Handle
	lightSeedEligible bool

	mLimiters sync.Mutex
	limiters  atomic.Pointer[[]limiter]

	mDiskListeners sync.Mutex
	diskListeners  []storage.Listener

	mListeners sync.Mutex
	listeners  []Listener

	err             atomic.Pointer[Error]
	recovering      atomic.Bool
	assumedComplete atomic.Bool
	rechecking      atomic.Bool
	closing         atomic.Bool
	unusable        bool
	counters        counters.Counters
	sendRateAtClose atomic.Int64
	peers           atomic.Int32
	pieces          atomic.Int32
}

func newDownload(r *Registry, rec *statestore.Record, meta *metainfo.Metadata) *Download {
	d := &Download{
		registry: r,
		hash:     meta.Hash,
		meta:     meta,
		record:   rec,
		gate:     admission.NewGate(),
		log:      logger.New("download " + logger.Short(meta.Hash.String(), 8)),
	}
	d.owner = &owner{d: d}
	d.adapter = &swarmAdapter{d: d}
	d.announce = &announcer{d: d}
	d.network = &networkProvider{record: rec}
	d.files = fileinfo.New(meta, d.owner, r.storages, rec)
	d.state.Store(int32(Stopped))
	d.substate.Store(int32(Stopped))
	d.assumedComplete.Store(rec.CheckpointComplete())
	return d
}

// newUnusableDownload surfaces a record whose stored metadata does not
// belong to its hash. It stays Failed until it is removed.
func newUnusableDownload(r *Registry, rec *statestore.Record) *Download {
	d := newDownload(r, rec, &metainfo.Metadata{Hash: rec.Hash()})
	d.unusable = true
	d.err.Store(&Error{Kind: ErrorKindOther, Detail: ErrUnusable.Error()})
	d.state.Store(int32(Failed))
	d.substate.Store(int32(Failed))
	return d
}

// Unusable reports whether the saved state does not match the content.
func (d *Download) Unusable() bool { return d.unusable }

// Hash returns the content identity.
func (d *Download) Hash() metainfo.Hash { return d.hash }

// Metadata returns the content metadata.
func (d *Download) Metadata() *metainfo.Metadata { return d.meta }

// Name returns the display name of the download.
func (d *Download) Name() string {
	if s := d.record.String(statestore.AttrDisplayName); s != "" {
		return s
	}
	return d.meta.Name
}

// SaveDir returns the directory the content is saved in.
func (d *Download) SaveDir() string {
	return d.record.String(statestore.AttrSaveDir)
}

// Record returns the persistent state of the download.
func (d *Download) Record() *statestore.Record { return d.record }

// Files returns the per-file views of the download.
func (d *Download) Files() []*fileinfo.Facade { return d.files.Files() }

// Error returns the last failure or nil.
func (d *Download) Error() *Error { return d.err.Load() }

// ForceStart reports whether the download is force started.
func (d *Download) ForceStart() bool { return d.forceStart.Load() }

// AssumedComplete reports whether the download was complete the last time it was checked.
func (d *Download) AssumedComplete() bool { return d.assumedComplete.Load() }

// IsForceRechecking reports whether ForceRecheck is in progress.
func (d *Download) IsForceRechecking() bool { return d.rechecking.Load() }

// State returns the current state. While the explicit state is
// Initialized it is derived from the storage handle.
func (d *Download) State() State {
	s := State(d.state.Load())
	if s != Initialized {
		return s
	}
	h := d.storage.Load()
	if h == nil {
		return Initialized
	}
	switch h.State() {
	case storage.Allocating:
		return Allocating
	case storage.Checking:
		return Checking
	case storage.Ready:
		return Ready
	case storage.Faulty:
		if e := h.Err(); e != nil && e.Kind == storage.ErrStopDuringInit {
			return Stopped
		}
		return Failed
	default:
		return Initialized
	}
}

// SubState returns the state the download will be in after Stopping completes.
// A queued download that serves a light seed tracker reports Seeding.
func (d *Download) SubState() State {
	s := State(d.state.Load())
	if s == Stopping {
		s = State(d.substate.Load())
	} else {
		s = d.State()
	}
	if s == Queued {
		d.mLightSeed.Lock()
		light := d.lightSeed != nil
		d.mLightSeed.Unlock()
		if light {
			return Seeding
		}
	}
	return s
}

// HasStorage reports whether a storage handle is open.
func (d *Download) HasStorage() bool {
	return d.storage.Load() != nil
}

func (d *Download) setState(s State) {
	d.changeState(s, nil)
}

// changeState moves to s if cond accepts the current explicit state.
func (d *Download) changeState(s State, cond func(old State) bool) bool {
	d.mState.Lock()
	old := State(d.state.Load())
	if cond != nil && !cond(old) {
		d.mState.Unlock()
		return false
	}
	if old == s {
		d.mState.Unlock()
		d.emitStateChanged()
		return true
	}
	d.state.Store(int32(s))
	switch s {
	case Stopped, Downloading, Seeding:
		d.gate.ResetCount()
	}
	d.mState.Unlock()

	d.log.Debugf("state changed: %s -> %s", old, s)
	if old == Queued {
		d.gate.Drop()
		d.destroyLightSeed()
	}
	if s == Failed {
		d.removeEmptyDirs()
	}
	if v := savedState(s); v != "" && !d.closing.Load() {
		d.record.SetString(statestore.AttrState, v)
	}
	d.registry.stateChanged(old, s)
	d.emitStateChanged()
	return true
}

// SetForceStart changes the force start flag. Force starting a stopped,
// queued or failed download moves it to Waiting.
func (d *Download) SetForceStart(v bool) {
	d.mState.Lock()
	var wake bool
	if d.forceStart.Load() != v {
		d.forceStart.Store(v)
		if v {
			switch State(d.state.Load()) {
			case Stopped, Queued:
				wake = true
			case Failed:
				wake = d.storage.Load() == nil && !d.unusable
			}
		}
	}
	d.mState.Unlock()
	if wake {
		d.setState(Waiting)
	}
}

// SetQueued moves a stopped or waiting download without storage to Queued.
func (d *Download) SetQueued() error {
	ok := d.changeState(Queued, func(old State) bool {
		return (old == Stopped || old == Waiting) && d.storage.Load() == nil
	})
	if !ok {
		return ErrInvalidState
	}
	return nil
}

// ref is an interface value that is read without locking.
type ref[T any] struct {
	p atomic.Pointer[box[T]]
}

type box[T any] struct {
	v T
}

func (r *ref[T]) Load() (v T) {
	if b := r.p.Load(); b != nil {
		v = b.v
	}
	return
}

func (r *ref[T]) Store(v T) {
	r.p.Store(&box[T]{v: v})
}
