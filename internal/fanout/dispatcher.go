package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("fanout stopped")

type worker struct {
	jobs    chan func()
	pending int
}

// dispatcher runs jobs one at a time per key, in submission order. A key's
// goroutine is started on demand and retired once it has been idle for the
// configured period with nothing pending.
type dispatcher struct {
	log  *zap.Logger
	idle time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	stopped bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

func newDispatcher(log *zap.Logger, idle time.Duration) *dispatcher {
	return &dispatcher{
		log:     log,
		idle:    idle,
		workers: make(map[string]*worker),
		quit:    make(chan struct{}),
	}
}

func (d *dispatcher) submit(key string, job func()) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	w, ok := d.workers[key]
	if !ok {
		w = &worker{jobs: make(chan func(), 16)}
		d.workers[key] = w
		d.wg.Add(1)
		go d.run(key, w)
	}
	// pending > 0 keeps the worker alive until this job is consumed.
	w.pending++
	d.mu.Unlock()

	w.jobs <- job
	return nil
}

func (d *dispatcher) run(key string, w *worker) {
	defer d.wg.Done()
	timer := time.NewTimer(d.idle)
	defer timer.Stop()

	for {
		select {
		case job := <-w.jobs:
			job()
			d.mu.Lock()
			w.pending--
			done := d.stopped && w.pending == 0
			if done {
				delete(d.workers, key)
			}
			d.mu.Unlock()
			if done {
				return
			}
			timer.Reset(d.idle)
		case <-timer.C:
			if d.retire(key, w) {
				d.log.Debug("chat worker retired", zap.String("chat_id", key))
				return
			}
			timer.Reset(d.idle)
		case <-d.quit:
			if d.retire(key, w) {
				return
			}
			// Drain what is left; the job branch exits once pending hits zero.
			for job := range w.jobs {
				job()
				d.mu.Lock()
				w.pending--
				done := w.pending == 0
				if done {
					delete(d.workers, key)
				}
				d.mu.Unlock()
				if done {
					return
				}
			}
		}
	}
}

func (d *dispatcher) retire(key string, w *worker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	delete(d.workers, key)
	return true
}

func (d *dispatcher) active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// stop refuses new work and waits for queued jobs to finish.
func (d *dispatcher) stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.quit)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
