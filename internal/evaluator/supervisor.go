package evaluator

import (
	"errors"
	"sync"
)

// WorkerOptions configures a single worker. Base seeds the worker's
// environment; the worker takes its own deep copy.
type WorkerOptions struct {
	Container   Ref
	Interpreter Interpreter
	Base        Bindings
	Results     chan<- Result
}

// Supervisor is a flat, one-for-one supervision domain for container
// workers. A worker's crash is confined to that worker: the supervisor keeps
// running, siblings keep running, and the crash surfaces as exactly one Down
// on the Downs channel. Failed starts are not retried.
type Supervisor struct {
	mu      sync.Mutex
	workers map[*Worker]struct{}
	closed  bool

	downs chan Down
	quit  chan struct{}
}

// NewSupervisor creates an empty supervision domain.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		workers: make(map[*Worker]struct{}),
		downs:   make(chan Down, 64),
		quit:    make(chan struct{}),
	}
}

// StartWorker creates exactly one new worker. A failure here is scoped to
// this call and leaves every other worker untouched.
func (s *Supervisor) StartWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Container == "" {
		return nil, errors.New("evaluator: worker needs a container reference")
	}
	if opts.Interpreter == nil {
		return nil, errors.New("evaluator: worker needs an interpreter")
	}
	if opts.Results == nil {
		return nil, errors.New("evaluator: worker needs a results channel")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("evaluator: supervisor is closed")
	}
	w := newWorker(opts, s)
	s.workers[w] = struct{}{}
	s.mu.Unlock()

	go w.run()
	return w, nil
}

// TerminateWorker unconditionally and immediately removes one worker. Any
// in-flight evaluation is abandoned, not completed. Idempotent.
func (s *Supervisor) TerminateWorker(w *Worker) {
	if w == nil {
		return
	}
	s.forget(w)
	w.kill("worker terminated")
}

// Downs delivers one Down per abnormally terminated worker.
func (s *Supervisor) Downs() <-chan Down {
	return s.downs
}

// Close terminates every remaining worker and stops Down delivery.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	workers := make([]*Worker, 0, len(s.workers))
	for w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[*Worker]struct{})
	s.mu.Unlock()

	close(s.quit)
	for _, w := range workers {
		w.kill("supervisor closed")
	}
}

func (s *Supervisor) forget(w *Worker) {
	s.mu.Lock()
	delete(s.workers, w)
	s.mu.Unlock()
}

func (s *Supervisor) deliverDown(d Down) {
	select {
	case s.downs <- d:
	case <-s.quit:
	}
}
