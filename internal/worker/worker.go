// Package worker runs tracked background goroutines.
package worker

import (
	"sync"
	"sync/atomic"
)

// Worker is a long running job.
type Worker interface {
	// Run is a blocking method that usually contains a for/select loop.
	Run(stopC chan struct{})
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(stopC chan struct{})

// Run calls f(stopC).
func (f WorkerFunc) Run(stopC chan struct{}) { f(stopC) }

// Workers tracks goroutines so that their owner can wait for them on shutdown.
// The zero value is ready to use.
type Workers struct {
	m      sync.Mutex
	stopC  chan struct{}
	wg     sync.WaitGroup
	active int32
}

func (w *Workers) stopChan() chan struct{} {
	w.m.Lock()
	defer w.m.Unlock()
	if w.stopC == nil {
		w.stopC = make(chan struct{})
	}
	return w.stopC
}

// StartWithOnFinishHandler runs r in a new goroutine and calls onFinish after it returns.
func (w *Workers) StartWithOnFinishHandler(r Worker, onFinish func()) {
	stopC := w.stopChan()
	w.wg.Add(1)
	atomic.AddInt32(&w.active, 1)
	go func() {
		defer w.wg.Done()
		defer atomic.AddInt32(&w.active, -1)
		r.Run(stopC)
		if onFinish != nil {
			onFinish()
		}
	}()
}

// Start runs r in a new goroutine.
func (w *Workers) Start(r Worker) {
	w.StartWithOnFinishHandler(r, nil)
}

// Go runs a one-shot task. The task is not interrupted by Stop but Stop waits for it.
func (w *Workers) Go(f func()) {
	w.StartWithOnFinishHandler(WorkerFunc(func(chan struct{}) { f() }), nil)
}

// Active returns the number of goroutines that have not returned yet.
func (w *Workers) Active() int {
	return int(atomic.LoadInt32(&w.active))
}

// Wait blocks until all started goroutines return without signalling them.
func (w *Workers) Wait() {
	w.wg.Wait()
}

// Stop signals all workers to stop and waits for them.
func (w *Workers) Stop() {
	w.m.Lock()
	if w.stopC != nil {
		select {
		case <-w.stopC:
		default:
			close(w.stopC)
		}
	}
	w.m.Unlock()
	w.wg.Wait()
}
