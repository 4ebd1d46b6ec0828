package runtimenode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/michaelbrown/crucible/internal/bootstrap"
	"github.com/michaelbrown/crucible/internal/evaluator"
)

func startNode(t *testing.T) *Node {
	t.Helper()
	n := New("test-node", nil)
	if err := n.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.Shutdown(ctx)
	})
	return n
}

func TestBootstrapIsIdempotent(t *testing.T) {
	n := startNode(t)
	c := bootstrap.NewClient(n.Addr())
	ctx := context.Background()
	mods := bootstrap.Prelude()

	present, err := c.IsCodePresent(ctx, mods.Marker)
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Fatal("marker present before any load")
	}

	handle1, err := c.Bootstrap(ctx, mods, bootstrap.ManagerOptions{}, bootstrap.ServerOptions{Owner: "owner-1"})
	if err != nil {
		t.Fatal(err)
	}

	present, err = c.IsCodePresent(ctx, mods.Marker)
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Fatal("marker absent after bootstrap")
	}

	running, id1, err := c.IsManagerRunning(ctx)
	if err != nil || !running {
		t.Fatalf("manager not running after bootstrap: %v", err)
	}

	// Second start observes the same manager identity.
	id2, err := c.StartManager(ctx, bootstrap.ManagerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("manager restarted: %s then %s", id1, id2)
	}

	// A repeated bootstrap skips loading and manager start, but always gets
	// a fresh connection server.
	handle2, err := c.Bootstrap(ctx, mods, bootstrap.ManagerOptions{}, bootstrap.ServerOptions{Owner: "owner-2"})
	if err != nil {
		t.Fatal(err)
	}
	if handle1 == handle2 {
		t.Error("connection server handle reused across bootstraps")
	}
}

func TestLoadRejectsForgedStamp(t *testing.T) {
	n := startNode(t)
	c := bootstrap.NewClient(n.Addr())

	// The node rejects a module stamped for another platform, but since it
	// runs the same platform as this client, the failure classifies as a
	// bad module, not a version mismatch.
	binary := []byte("CRCBOOT1\ngo1.2 plan9/mips\nx = 1")
	err := c.LoadCode(context.Background(), "alien", binary)
	if err == nil {
		t.Fatal("expected load error for forged platform stamp")
	}
	if errors.Is(err, bootstrap.ErrVersionMismatch) {
		t.Fatalf("forged stamp misreported as version mismatch: %v", err)
	}
}

func TestLoadRejectsBadModule(t *testing.T) {
	n := startNode(t)
	c := bootstrap.NewClient(n.Addr())
	ctx := context.Background()

	if err := c.LoadCode(ctx, "garbage", []byte("not a module")); err == nil {
		t.Fatal("expected load error for garbage payload")
	} else if errors.Is(err, bootstrap.ErrVersionMismatch) {
		t.Fatalf("garbage misreported as version mismatch: %v", err)
	}

	// Same platform, broken source: generic load error too.
	bad := bootstrap.EncodeModule([]byte("x = undefined_name"))
	if err := c.LoadCode(ctx, "broken", bad); err == nil {
		t.Fatal("expected load error for broken module source")
	}
}

func TestConnectionServerRequiresManager(t *testing.T) {
	n := startNode(t)
	c := bootstrap.NewClient(n.Addr())

	_, err := c.StartConnectionServer(context.Background(), bootstrap.ServerOptions{Owner: "owner"})
	if err == nil {
		t.Fatal("expected error starting server without a manager")
	}
}

func TestEvaluateOverConnectionServer(t *testing.T) {
	n := startNode(t)
	c := bootstrap.NewClient(n.Addr())
	ctx := context.Background()

	handle, err := c.Bootstrap(ctx, bootstrap.Prelude(), bootstrap.ManagerOptions{}, bootstrap.ServerOptions{Owner: "owner"})
	if err != nil {
		t.Fatal(err)
	}

	sc, err := DialServer(ctx, n.Addr(), handle)
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Close()

	// The prelude is folded into every worker's starting environment.
	if err := sc.Evaluate(evaluator.Request{Container: "c1", Evaluation: "e1", Code: "crucible_kernel"}); err != nil {
		t.Fatal(err)
	}
	f := nextFrame(t, sc)
	if f.Type != FrameResult || f.Evaluation != "e1" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if f.Value != true {
		t.Errorf("prelude binding missing: value %v", f.Value)
	}

	// Killing the container's worker surfaces as a container-down frame.
	if err := sc.Kill("c1"); err != nil {
		t.Fatal(err)
	}
	f = nextFrame(t, sc)
	if f.Type != FrameContainerDown || f.Container != "c1" {
		t.Fatalf("expected container_down for c1, got %+v", f)
	}

	// And the next evaluation transparently gets a fresh worker.
	if err := sc.Evaluate(evaluator.Request{Container: "c1", Evaluation: "e2", Code: "x = 2\nx"}); err != nil {
		t.Fatal(err)
	}
	f = nextFrame(t, sc)
	if f.Type != FrameResult || f.Value != float64(2) {
		t.Fatalf("evaluation after kill failed: %+v", f)
	}
}

func TestInspectOverConnectionServer(t *testing.T) {
	n := startNode(t)
	c := bootstrap.NewClient(n.Addr())
	ctx := context.Background()

	handle, err := c.Bootstrap(ctx, bootstrap.Prelude(), bootstrap.ManagerOptions{}, bootstrap.ServerOptions{Owner: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	sc, err := DialServer(ctx, n.Addr(), handle)
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Close()

	if err := sc.Evaluate(evaluator.Request{Container: "c1", Evaluation: "e1", Code: "x = 41"}); err != nil {
		t.Fatal(err)
	}
	if f := nextFrame(t, sc); f.Type != FrameResult {
		t.Fatalf("unexpected frame %+v", f)
	}

	if err := sc.Inspect(evaluator.Locator{Container: "c1", Evaluation: "e1"}); err != nil {
		t.Fatal(err)
	}
	f := nextFrame(t, sc)
	if f.Type != FrameBindings || !f.Found {
		t.Fatalf("expected bindings frame, got %+v", f)
	}
	if f.Bindings["x"] != float64(41) {
		t.Errorf("bindings snapshot missing x: %v", f.Bindings)
	}
}

func TestOwnerDisconnectRemovesServer(t *testing.T) {
	n := startNode(t)
	c := bootstrap.NewClient(n.Addr())
	ctx := context.Background()

	handle, err := c.Bootstrap(ctx, bootstrap.Prelude(), bootstrap.ManagerOptions{}, bootstrap.ServerOptions{Owner: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	sc, err := DialServer(ctx, n.Addr(), handle)
	if err != nil {
		t.Fatal(err)
	}
	sc.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		n.mu.Lock()
		remaining := len(n.servers)
		n.mu.Unlock()
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection server survived owner disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := DialServer(ctx, n.Addr(), handle); err == nil {
		t.Fatal("expected dial against torn-down server to fail")
	}
}

func TestStopManagerReleasesWaiters(t *testing.T) {
	n := startNode(t)
	c := bootstrap.NewClient(n.Addr())
	ctx := context.Background()

	if _, err := c.StartManager(ctx, bootstrap.ManagerOptions{}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-n.ManagerDone():
		t.Fatal("manager done before stop")
	default:
	}

	n.StopManager()

	select {
	case <-n.ManagerDone():
	case <-time.After(time.Second):
		t.Fatal("ManagerDone not closed after stop")
	}
}

func nextFrame(t *testing.T, sc *ServerClient) Frame {
	t.Helper()
	select {
	case f, ok := <-sc.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}
