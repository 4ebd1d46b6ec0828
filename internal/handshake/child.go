package handshake

import (
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ChildOptions configures the child half of the handshake.
type ChildOptions struct {
	// ParentAddr is the parent's handshake listener, received as the last
	// positional argument at spawn.
	ParentAddr string
	// Ref is the correlation reference received on the command line. The
	// ack must carry it back.
	Ref string
	// NodeAddr is the child's runtime API address advertised in the ready
	// message; the parent bootstraps against it.
	NodeAddr string
	// AckTimeout bounds the wait for the parent's ack.
	AckTimeout time.Duration
}

// ChildConn is the child's end of the established liveness channel.
type ChildConn struct {
	ws       *websocket.Conn
	lostOnce sync.Once
}

// Answer performs the child side of the handshake: dial the parent, send
// readiness, block (bounded) for the ack. After this returns the child is
// expected to watch the parent and to exit when its own manager stops.
func Answer(opts ChildOptions) (*ChildConn, error) {
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	u := url.URL{Scheme: "ws", Host: opts.ParentAddr, Path: "/handshake"}
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing parent %s: %w", opts.ParentAddr, err)
	}

	ready := readyMsg{Type: "ready", Ref: opts.Ref, Addr: opts.NodeAddr, PID: os.Getpid()}
	if err := ws.WriteJSON(ready); err != nil {
		ws.Close()
		return nil, fmt.Errorf("sending readiness: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(ackTimeout))
	var ack ackMsg
	if err := ws.ReadJSON(&ack); err != nil {
		ws.Close()
		return nil, fmt.Errorf("waiting for ack: %w", err)
	}
	if ack.Type != "ack" || ack.Ref != opts.Ref {
		ws.Close()
		return nil, fmt.Errorf("bad ack: type %q ref %q", ack.Type, ack.Ref)
	}
	ws.SetReadDeadline(time.Time{})

	return &ChildConn{ws: ws}, nil
}

// WatchParent monitors the liveness channel and invokes onLost exactly once
// when the parent becomes unreachable. The child must treat that as an order
// to die: there is no shared collector that would ever clean it up
// otherwise.
func (c *ChildConn) WatchParent(onLost func()) {
	lost := func() { c.lostOnce.Do(onLost) }

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			deadline := time.Now().Add(pingInterval)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				lost()
				return
			}
		}
	}()

	go func() {
		for {
			if _, _, err := c.ws.ReadMessage(); err != nil {
				lost()
				return
			}
		}
	}()
}

// Close drops the liveness channel, which the parent will observe as this
// runtime's death.
func (c *ChildConn) Close() error {
	return c.ws.Close()
}
