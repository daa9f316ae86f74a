package download

import (
	"sync"
)

// Listener receives events of downloads.
// Events are delivered in order on a single goroutine owned by the
// Registry, so listeners may call any method of the download.
type Listener interface {
	StateChanged(d *Download, state State)
	// Completed is called when the last wanted piece is downloaded.
	Completed(d *Download)
	RecheckComplete(d *Download, cancelled bool)
}

// NopListener can be embedded to implement only some of the Listener methods.
type NopListener struct{}

func (NopListener) StateChanged(*Download, State)   {}
func (NopListener) Completed(*Download)             {}
func (NopListener) RecheckComplete(*Download, bool) {}

// AddListener subscribes l to events of this download.
func (d *Download) AddListener(l Listener) {
	d.mListeners.Lock()
	defer d.mListeners.Unlock()
	d.listeners = append(append([]Listener(nil), d.listeners...), l)
}

// RemoveListener unsubscribes l.
func (d *Download) RemoveListener(l Listener) {
	d.mListeners.Lock()
	defer d.mListeners.Unlock()
	var l2 []Listener
	for _, x := range d.listeners {
		if x != l {
			l2 = append(l2, x)
		}
	}
	d.listeners = l2
}

func (d *Download) listenerList() []Listener {
	d.mListeners.Lock()
	own := d.listeners
	d.mListeners.Unlock()
	global := d.registry.listenerList()
	l := make([]Listener, 0, len(own)+len(global))
	l = append(l, own...)
	return append(l, global...)
}

func (d *Download) emitStateChanged() {
	s := d.State()
	ls := d.listenerList()
	d.registry.events.push(func() {
		for _, l := range ls {
			l.StateChanged(d, s)
		}
	})
}

func (d *Download) emitCompleted() {
	ls := d.listenerList()
	d.registry.events.push(func() {
		for _, l := range ls {
			l.Completed(d)
		}
	})
}

func (d *Download) emitRecheckComplete(cancelled bool) {
	ls := d.listenerList()
	d.registry.events.push(func() {
		for _, l := range ls {
			l.RecheckComplete(d, cancelled)
		}
	})
}

// eventQueue runs event callbacks in order on one goroutine.
// push never blocks so that events can be raised while holding locks.
type eventQueue struct {
	mu      sync.Mutex
	queue   []func()
	notifyC chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notifyC: make(chan struct{}, 1)}
}

func (q *eventQueue) push(f func()) {
	q.mu.Lock()
	q.queue = append(q.queue, f)
	q.mu.Unlock()
	select {
	case q.notifyC <- struct{}{}:
	default:
	}
}

// Run delivers events until stopC is closed. Pending events are delivered before returning.
func (q *eventQueue) Run(stopC chan struct{}) {
	for {
		select {
		case <-q.notifyC:
			q.drain()
		case <-stopC:
			q.drain()
			return
		}
	}
}

func (q *eventQueue) drain() {
	for {
		q.mu.Lock()
		l := q.queue
		q.queue = nil
		q.mu.Unlock()
		if len(l) == 0 {
			return
		}
		for _, f := range l {
			f()
		}
	}
}

// sync blocks until every event pushed before the call is delivered.
func (q *eventQueue) sync() {
	done := make(chan struct{})
	q.push(func() { close(done) })
	<-done
}
