package evaluator

import (
	"testing"
	"time"
)

func TestStartWorkerValidation(t *testing.T) {
	sup := NewSupervisor()
	defer sup.Close()

	results := make(chan Result, 1)

	if _, err := sup.StartWorker(WorkerOptions{Interpreter: Builtin{}, Results: results}); err == nil {
		t.Error("expected error for missing container")
	}
	if _, err := sup.StartWorker(WorkerOptions{Container: "c1", Results: results}); err == nil {
		t.Error("expected error for missing interpreter")
	}
	if _, err := sup.StartWorker(WorkerOptions{Container: "c1", Interpreter: Builtin{}}); err == nil {
		t.Error("expected error for missing results channel")
	}
}

func TestStartFailureLeavesSiblingsAlone(t *testing.T) {
	sup := NewSupervisor()
	defer sup.Close()

	results := make(chan Result, 8)
	w, err := sup.StartWorker(WorkerOptions{Container: "c1", Interpreter: Builtin{}, Results: results})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := sup.StartWorker(WorkerOptions{Container: "c2"}); err == nil {
		t.Fatal("expected start failure")
	}

	// The failed start must not have disturbed c1's worker.
	if !w.enqueue(job{req: Request{Container: "c1", Evaluation: "e1", Code: "x = 1"}}) {
		t.Fatal("sibling worker rejected work after unrelated start failure")
	}
	select {
	case res := <-results:
		if res.Err != nil {
			t.Fatal(res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sibling result")
	}
}

func TestTerminateWorkerIdempotent(t *testing.T) {
	sup := NewSupervisor()
	defer sup.Close()

	results := make(chan Result, 1)
	w, err := sup.StartWorker(WorkerOptions{Container: "c1", Interpreter: Builtin{}, Results: results})
	if err != nil {
		t.Fatal(err)
	}

	sup.TerminateWorker(w)
	sup.TerminateWorker(w) // already exited: still fine
	sup.TerminateWorker(nil)

	select {
	case d := <-sup.Downs():
		if d.Container != "c1" {
			t.Errorf("down names %s, want c1", d.Container)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for down")
	}

	select {
	case d := <-sup.Downs():
		t.Fatalf("duplicate down for %s", d.Container)
	case <-time.After(100 * time.Millisecond):
	}
}
