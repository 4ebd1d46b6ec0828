package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/runtimenode"
	"github.com/michaelbrown/crucible/internal/storage"
	"github.com/michaelbrown/crucible/internal/storage/sqlite"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Runtime: config.RuntimeConfig{
			Executable: "/bin/false",
			Args:       []string{"runtime"},
			BaseLabel:  "runtime",
		},
		Handshake: config.HandshakeConfig{Timeout: 2 * time.Second},
		Pool:      config.PoolConfig{BufferDelay: time.Millisecond},
	}

	s, err := New(cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.router)
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown(context.Background())
	})
	return s, ts
}

func TestListRuntimesEmpty(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/runtimes")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var infos []runtimeInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("expected no runtimes, got %d", len(infos))
	}
}

func TestGetRuntimeNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/runtimes/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateEvaluationUnknownRuntime(t *testing.T) {
	_, ts := newTestServer(t)

	body := bytes.NewBufferString(`{"container":"c1","code":"x = 1"}`)
	resp, err := http.Post(ts.URL+"/api/runtimes/ghost/evaluations", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateRuntimeSpawnFailure(t *testing.T) {
	_, ts := newTestServer(t)

	// /bin/false exits immediately, so the handshake must fail and no
	// runtime may be registered.
	resp, err := http.Post(ts.URL+"/api/runtimes", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway && resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 502 or 504", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/runtimes")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var infos []runtimeInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("expected no runtimes after failed spawn, got %d", len(infos))
	}
}

func TestListEvaluationsFromHistory(t *testing.T) {
	s, ts := newTestServer(t)

	ctx := context.Background()
	for _, e := range []storage.Evaluation{
		{ID: "e1", RuntimeID: "rt-1", Container: "c1", Code: "x = 1", Status: storage.StatusCompleted},
		{ID: "e2", RuntimeID: "rt-1", Container: "c2", Code: "y = 2", Status: storage.StatusPending},
		{ID: "e3", RuntimeID: "rt-2", Container: "c1", Code: "z = 3", Status: storage.StatusFailed},
	} {
		rec := e
		if err := s.store.CreateEvaluation(ctx, &rec); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(ts.URL + "/api/runtimes/rt-1/evaluations")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var evals []storage.Evaluation
	if err := json.NewDecoder(resp.Body).Decode(&evals); err != nil {
		t.Fatal(err)
	}
	if len(evals) != 2 {
		t.Fatalf("expected 2 evaluations for rt-1, got %d", len(evals))
	}

	resp, err = http.Get(ts.URL + "/api/runtimes/rt-1/evaluations?container=c2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	evals = nil
	if err := json.NewDecoder(resp.Body).Decode(&evals); err != nil {
		t.Fatal(err)
	}
	if len(evals) != 1 || evals[0].ID != "e2" {
		t.Errorf("container filter returned %+v", evals)
	}
}

func TestGetEvaluation(t *testing.T) {
	s, ts := newTestServer(t)

	rec := &storage.Evaluation{
		ID: "e1", RuntimeID: "rt-1", Container: "c1",
		Code: "x = 1", Status: storage.StatusCompleted, Value: "1",
	}
	if err := s.store.CreateEvaluation(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/evaluations/e1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got storage.Evaluation
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "e1" || got.Value != "1" {
		t.Errorf("got %+v", got)
	}

	resp, err = http.Get(ts.URL + "/api/evaluations/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRecordFoldsFramesIntoHistory(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		rec := &storage.Evaluation{
			ID: id, RuntimeID: "rt-1", Container: "c1",
			Code: "x = 1", Status: storage.StatusPending,
		}
		if err := s.store.CreateEvaluation(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	s.record(ctx, "rt-1", runtimenode.Frame{
		Type: runtimenode.FrameResult, Container: "c1", Evaluation: "e1",
		Value: float64(42), ElapsedMS: 7,
	})
	got, err := s.store.GetEvaluation(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusCompleted || got.Value != "42" || got.ElapsedMS != 7 {
		t.Errorf("after result frame: %+v", got)
	}

	s.record(ctx, "rt-1", runtimenode.Frame{
		Type: runtimenode.FrameResult, Container: "c1", Evaluation: "e2",
		Error: "unknown identifier: y",
	})
	got, err = s.store.GetEvaluation(ctx, "e2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusFailed || got.Error == "" {
		t.Errorf("after error result: %+v", got)
	}

	s.record(ctx, "rt-1", runtimenode.Frame{
		Type: runtimenode.FrameContainerDown, Container: "c1", Cause: "evaluation panicked",
	})
	got, err = s.store.GetEvaluation(ctx, "e3")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusCrashed {
		t.Errorf("after container_down: status = %s, want crashed", got.Status)
	}
}

func TestRuntimeManagerSubscribers(t *testing.T) {
	ar := &ActiveRuntime{subs: make(map[chan runtimenode.Frame]struct{})}

	ch := ar.Subscribe()
	ar.broadcast(runtimenode.Frame{Type: runtimenode.FrameResult, Evaluation: "e1"})

	select {
	case f := <-ch:
		if f.Evaluation != "e1" {
			t.Errorf("got frame %+v", f)
		}
	default:
		t.Fatal("expected broadcast frame to be buffered")
	}

	ar.closeSubs()
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after closeSubs")
	}
	// Unsubscribe after closeSubs must not double-close.
	ar.Unsubscribe(ch)
}

func TestRuntimeManagerRemoveRace(t *testing.T) {
	rm := NewRuntimeManager()
	ar := &ActiveRuntime{subs: make(map[chan runtimenode.Frame]struct{})}
	rm.Add("rt-1", ar)

	if got := rm.Remove("rt-1"); got != ar {
		t.Error("first remove should return the runtime")
	}
	if got := rm.Remove("rt-1"); got != nil {
		t.Error("second remove should return nil")
	}
	if ids := rm.List(); len(ids) != 0 {
		t.Errorf("expected empty list, got %v", ids)
	}
}
