package evaluator

import (
	"fmt"
	"sync"
)

// Scheduler maps container references to workers and enforces the
// evaluation contract: strict submission order inside a container, full
// concurrency across containers, deep-copied parent folding, and lazy worker
// creation (including transparent recreation after a crash).
//
// Results and Downs are delivered asynchronously on the channels returned by
// Results and Downs; the owner must drain both.
type Scheduler struct {
	sup    *Supervisor
	interp Interpreter
	base   Bindings

	mu        sync.Mutex
	workers   map[Ref]*Worker
	snapshots map[Locator]Bindings

	workerResults chan Result
	results       chan Result
	downs         chan Down
	quit          chan struct{}
	closeOnce     sync.Once
}

// NewScheduler creates a scheduler whose workers evaluate code with interp.
// Each new worker starts from its own deep copy of base, if given.
func NewScheduler(interp Interpreter, base Bindings) *Scheduler {
	s := &Scheduler{
		sup:           NewSupervisor(),
		interp:        interp,
		base:          base,
		workers:       make(map[Ref]*Worker),
		snapshots:     make(map[Locator]Bindings),
		workerResults: make(chan Result, 64),
		results:       make(chan Result, 64),
		downs:         make(chan Down, 64),
		quit:          make(chan struct{}),
	}
	go s.loop()
	return s
}

// Evaluate submits one evaluation. It returns once the evaluation is queued
// on its container's worker; the outcome arrives later on Results (or, if
// the worker dies first, as a Down). Parent locators must name evaluations
// that have already completed; their bindings are folded into the
// evaluation's starting state as deep copies.
func (s *Scheduler) Evaluate(req Request) error {
	if req.Container == "" || req.Evaluation == "" {
		return fmt.Errorf("evaluator: evaluation needs container and evaluation refs")
	}

	var folded Bindings
	if len(req.Parents) > 0 {
		folded = Bindings{}
		s.mu.Lock()
		for _, loc := range req.Parents {
			snap, ok := s.snapshots[loc]
			if !ok {
				s.mu.Unlock()
				return fmt.Errorf("evaluator: parent %s/%s has not completed", loc.Container, loc.Evaluation)
			}
			folded.merge(snap)
		}
		s.mu.Unlock()
		folded = folded.DeepCopy()
	}

	j := job{req: req, folded: folded}
	for {
		w, err := s.worker(req.Container)
		if err != nil {
			return fmt.Errorf("evaluator: starting worker for %s: %w", req.Container, err)
		}
		if w.enqueue(j) {
			return nil
		}
		// Worker died between lookup and enqueue; next round creates a
		// fresh one.
	}
}

// Inspect returns a deep copy of a completed evaluation's bindings. It never
// waits behind any container's pending evaluations.
func (s *Scheduler) Inspect(loc Locator) (Bindings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[loc]
	if !ok {
		return nil, false
	}
	return snap.DeepCopy(), true
}

// Kill abruptly terminates a container's worker, if it has one. The caller
// hears about it through Downs like any other worker death. Reports whether
// a worker was there to kill.
func (s *Scheduler) Kill(container Ref) bool {
	s.mu.Lock()
	w := s.workers[container]
	delete(s.workers, container)
	s.mu.Unlock()
	if w == nil {
		return false
	}
	s.sup.TerminateWorker(w)
	return true
}

// Results delivers evaluation outcomes.
func (s *Scheduler) Results() <-chan Result { return s.results }

// Downs delivers container-down events: one per worker death, naming the
// container and a human-readable cause.
func (s *Scheduler) Downs() <-chan Down { return s.downs }

// Close tears down every worker and stops delivery. Queued evaluations are
// abandoned.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.sup.Close()
	})
}

func (s *Scheduler) loop() {
	for {
		select {
		case res := <-s.workerResults:
			if res.Err == nil {
				s.mu.Lock()
				s.snapshots[Locator{Container: res.Container, Evaluation: res.Evaluation}] = res.Bindings
				s.mu.Unlock()
			}
			select {
			case s.results <- res:
			case <-s.quit:
				return
			}

		case d := <-s.sup.Downs():
			s.mu.Lock()
			if s.workers[d.Container] == d.worker {
				delete(s.workers, d.Container)
			}
			s.mu.Unlock()
			select {
			case s.downs <- d:
			case <-s.quit:
				return
			}

		case <-s.quit:
			return
		}
	}
}

// worker returns the container's live worker, starting one lazily if the
// container has none (first evaluation, or recreation after a crash).
func (s *Scheduler) worker(container Ref) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[container]; ok && !w.isKilled() {
		return w, nil
	}
	w, err := s.sup.StartWorker(WorkerOptions{
		Container:   container,
		Interpreter: s.interp,
		Base:        s.base,
		Results:     s.workerResults,
	})
	if err != nil {
		return nil, err
	}
	s.workers[container] = w
	return w, nil
}
