package runtimenode

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/crucible/internal/evaluator"
)

// ServerClient is the owner side of a connection server: it submits
// evaluations and receives the asynchronous result, container-down and
// bindings frames. Closing the client (or losing the socket) tears down the
// server and every container it hosted.
type ServerClient struct {
	ws     *websocket.Conn
	handle string

	writeMu sync.Mutex
	events  chan Frame
	done    chan struct{}
	once    sync.Once
}

// DialServer attaches to a connection server previously created by
// bootstrap on the node at addr.
func DialServer(ctx context.Context, addr, handle string) (*ServerClient, error) {
	url := fmt.Sprintf("ws://%s/v1/servers/%s/ws", addr, handle)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing connection server %s: %w (status %s)", handle, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing connection server %s: %w", handle, err)
	}

	c := &ServerClient{
		ws:     ws,
		handle: handle,
		events: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Handle returns the connection server's handle.
func (c *ServerClient) Handle() string { return c.handle }

// Events delivers frames pushed by the server. The channel closes when the
// connection is gone.
func (c *ServerClient) Events() <-chan Frame { return c.events }

// Done is closed when the connection is gone.
func (c *ServerClient) Done() <-chan struct{} { return c.done }

// Evaluate submits one evaluation; the outcome arrives on Events.
func (c *ServerClient) Evaluate(req evaluator.Request) error {
	return c.write(Frame{
		Type:       FrameEvaluate,
		Container:  req.Container,
		Evaluation: req.Evaluation,
		Code:       req.Code,
		Parents:    req.Parents,
	})
}

// Inspect asks for a completed evaluation's bindings snapshot; the reply
// arrives on Events as a bindings frame.
func (c *ServerClient) Inspect(loc evaluator.Locator) error {
	return c.write(Frame{Type: FrameInspect, Container: loc.Container, Evaluation: loc.Evaluation})
}

// Kill abruptly terminates one container's worker on the server.
func (c *ServerClient) Kill(container evaluator.Ref) error {
	return c.write(Frame{Type: FrameKill, Container: container})
}

// Close detaches from the connection server.
func (c *ServerClient) Close() error {
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *ServerClient) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("connection server %s is gone", c.handle)
	default:
	}
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("writing to connection server %s: %w", c.handle, err)
	}
	return nil
}

func (c *ServerClient) readLoop() {
	defer c.once.Do(func() {
		close(c.done)
		close(c.events)
	})
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		c.events <- f
	}
}
