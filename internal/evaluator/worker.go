package evaluator

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Request is one evaluation addressed to a container.
type Request struct {
	Container  Ref       `json:"container"`
	Evaluation Ref       `json:"evaluation"`
	Code       string    `json:"code"`
	Parents    []Locator `json:"parents,omitempty"`
}

// Result is the outcome of a completed evaluation. Err is an evaluation
// error (bad code); the worker survives those. Bindings is a snapshot of the
// worker's environment after a successful evaluation.
type Result struct {
	Container  Ref
	Evaluation Ref
	Value      any
	Bindings   Bindings
	Elapsed    time.Duration
	Err        error
}

// Down reports a worker that terminated abnormally. Exactly one Down is
// emitted per worker death, naming the container it served.
type Down struct {
	Container Ref
	Cause     string

	worker *Worker
}

type job struct {
	req    Request
	folded Bindings // deep-copied parent bindings, applied before eval
}

// Worker executes evaluations for exactly one container, strictly in
// submission order, and accumulates the bindings they produce.
type Worker struct {
	container Ref
	interp    Interpreter
	results   chan<- Result
	sup       *Supervisor

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	killed bool

	downOnce sync.Once

	env Bindings // owned by the run goroutine
}

func newWorker(opts WorkerOptions, sup *Supervisor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		container: opts.Container,
		interp:    opts.Interpreter,
		results:   opts.Results,
		sup:       sup,
		ctx:       ctx,
		cancel:    cancel,
		env:       opts.Base.DeepCopy(),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Container returns the container this worker is bound to.
func (w *Worker) Container() Ref { return w.container }

// enqueue appends a job to the worker's queue. It reports false if the
// worker is already dead, in which case the caller must start a fresh one.
func (w *Worker) enqueue(j job) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.killed {
		return false
	}
	w.queue = append(w.queue, j)
	w.cond.Signal()
	return true
}

func (w *Worker) next() (job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) == 0 && !w.killed {
		w.cond.Wait()
	}
	if w.killed {
		return job{}, false
	}
	j := w.queue[0]
	w.queue = w.queue[1:]
	return j, true
}

func (w *Worker) isKilled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

// kill marks the worker dead, cancels any in-flight evaluation's context and
// emits the worker's single Down. Idempotent.
func (w *Worker) kill(cause string) {
	w.mu.Lock()
	already := w.killed
	w.killed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	w.cancel()
	if !already {
		w.down(cause)
	}
}

func (w *Worker) down(cause string) {
	w.downOnce.Do(func() {
		w.sup.deliverDown(Down{Container: w.container, Cause: cause, worker: w})
	})
}

func (w *Worker) run() {
	defer func() {
		if r := recover(); r != nil {
			w.mu.Lock()
			w.killed = true
			w.cond.Broadcast()
			w.mu.Unlock()
			w.cancel()
			w.sup.forget(w)
			w.down(fmt.Sprintf("evaluation panicked: %v", r))
		}
	}()

	for {
		j, ok := w.next()
		if !ok {
			return
		}
		w.runJob(j)
	}
}

func (w *Worker) runJob(j job) {
	if len(j.folded) > 0 {
		w.env.merge(j.folded)
	}

	start := time.Now()
	value, err := w.interp.Eval(w.ctx, j.req.Code, w.env)
	elapsed := time.Since(start)

	// A kill that landed mid-evaluation already produced a Down; the stale
	// outcome must not surface as a result.
	if w.isKilled() {
		return
	}

	res := Result{
		Container:  w.container,
		Evaluation: j.req.Evaluation,
		Value:      value,
		Elapsed:    elapsed,
		Err:        err,
	}
	if err == nil {
		res.Bindings = w.env.DeepCopy()
	}

	select {
	case w.results <- res:
	case <-w.ctx.Done():
	}
}
