package runtimenode

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/crucible/internal/evaluator"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the node only listens on loopback for its owner
	},
}

// Frame is one message on a connection server's WebSocket, in either
// direction. Type selects which fields are meaningful.
type Frame struct {
	Type       string              `json:"type"`
	Container  evaluator.Ref       `json:"container,omitempty"`
	Evaluation evaluator.Ref       `json:"evaluation,omitempty"`
	Code       string              `json:"code,omitempty"`
	Parents    []evaluator.Locator `json:"parents,omitempty"`
	Value      any                 `json:"value,omitempty"`
	Bindings   evaluator.Bindings  `json:"bindings,omitempty"`
	Found      bool                `json:"found,omitempty"`
	ElapsedMS  int64               `json:"elapsed_ms,omitempty"`
	Cause      string              `json:"cause,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Frame types.
const (
	FrameEvaluate      = "evaluate"
	FrameInspect       = "inspect"
	FrameKill          = "kill"
	FrameResult        = "result"
	FrameContainerDown = "container_down"
	FrameBindings      = "bindings"
	FrameError         = "error"
)

// connServer is one owner's evaluation channel: a scheduler plus the
// WebSocket the owner attached to. Owner disconnect tears down every
// container the scheduler created.
type connServer struct {
	node   *Node
	handle string
	owner  string

	attached atomic.Bool
	once     sync.Once
	closed   chan struct{}
}

func newConnServer(n *Node, handle, owner string) *connServer {
	return &connServer{
		node:   n,
		handle: handle,
		owner:  owner,
		closed: make(chan struct{}),
	}
}

func (cs *connServer) close() {
	cs.once.Do(func() { close(cs.closed) })
}

// attach upgrades the owner's request and pumps frames until the owner goes
// away or the node shuts the server down.
func (cs *connServer) attach(w http.ResponseWriter, r *http.Request) {
	if !cs.attached.CompareAndSwap(false, true) {
		http.Error(w, "connection server already has an owner", http.StatusConflict)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("node %s: server %s: upgrade: %v", cs.node.identity, cs.handle, err)
		return
	}
	defer ws.Close()
	defer cs.node.removeServer(cs.handle)
	defer cs.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sched := evaluator.NewScheduler(cs.node.interp, cs.node.baseBindings())
	defer sched.Close()

	out := make(chan Frame, 64)
	var wg sync.WaitGroup

	// Write pump: the only goroutine that touches ws writes.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case f := <-out:
				if err := ws.WriteJSON(f); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Forward evaluation outcomes and container-down events to the owner.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case res := <-sched.Results():
				f := Frame{
					Type:       FrameResult,
					Container:  res.Container,
					Evaluation: res.Evaluation,
					Value:      res.Value,
					ElapsedMS:  res.Elapsed.Milliseconds(),
				}
				if res.Err != nil {
					f.Error = res.Err.Error()
				}
				send(ctx, out, f)
			case d := <-sched.Downs():
				send(ctx, out, Frame{
					Type:      FrameContainerDown,
					Container: d.Container,
					Cause:     d.Cause,
				})
			case <-ctx.Done():
				return
			}
		}
	}()

	// Node-initiated teardown unblocks the read loop by closing the socket.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-cs.closed:
			ws.Close()
		case <-ctx.Done():
		}
	}()

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			break
		}
		switch f.Type {
		case FrameEvaluate:
			err := sched.Evaluate(evaluator.Request{
				Container:  f.Container,
				Evaluation: f.Evaluation,
				Code:       f.Code,
				Parents:    f.Parents,
			})
			if err != nil {
				send(ctx, out, Frame{
					Type:       FrameError,
					Container:  f.Container,
					Evaluation: f.Evaluation,
					Error:      err.Error(),
				})
			}
		case FrameInspect:
			snap, ok := sched.Inspect(evaluator.Locator{Container: f.Container, Evaluation: f.Evaluation})
			send(ctx, out, Frame{
				Type:       FrameBindings,
				Container:  f.Container,
				Evaluation: f.Evaluation,
				Bindings:   snap,
				Found:      ok,
			})
		case FrameKill:
			sched.Kill(f.Container)
		default:
			send(ctx, out, Frame{Type: FrameError, Error: "unknown frame type " + f.Type})
		}
	}

	cancel()
	wg.Wait()
	log.Printf("node %s: server %s: owner %q detached", cs.node.identity, cs.handle, cs.owner)
}

func send(ctx context.Context, out chan<- Frame, f Frame) {
	select {
	case out <- f:
	case <-ctx.Done():
	}
}
