package handshake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/crucible/internal/bootstrap"
	"github.com/michaelbrown/crucible/internal/idpool"
)

var (
	// ErrSpawn means the runtime process could not be started at all; no
	// handshake state was created.
	ErrSpawn = errors.New("spawn failed")
	// ErrProcessTerminated means the child died before signalling readiness.
	ErrProcessTerminated = errors.New("process terminated unexpectedly")
	// ErrTimeout means no readiness signal arrived inside the window.
	ErrTimeout = errors.New("connection timed out")
)

// Options configures one connection attempt. The protocol is one-shot:
// a failed attempt is not retried internally, callers re-spawn with a new
// identity.
type Options struct {
	// Executable and BaseArgs launch the runtime process; the handshake
	// appends identity flags, the boot expression and the parent address.
	Executable string
	BaseArgs   []string

	// BootExpr is evaluated by the runtime at startup. It is passed on the
	// command line and therefore must not contain literal newlines.
	BootExpr string

	// Identity, when set, is an externally supplied runtime identity; it
	// will be discarded rather than recycled on disconnect. When nil, an
	// identity is acquired from the pool under BaseLabel.
	Identity  *idpool.Identity
	BaseLabel string

	// Owner names the connection's owner; the connection is torn down when
	// either side of it dies.
	Owner string

	Timeout time.Duration
	Env     []string

	Modules bootstrap.ModuleSet
	Manager bootstrap.ManagerOptions
}

// Conn is an established connection to a live runtime.
type Conn struct {
	Identity     idpool.Identity
	Addr         string // runtime node API address
	PID          int
	Owner        string
	ManagerID    string
	ServerHandle string

	client *bootstrap.Client
	ws     *websocket.Conn
	proc   *os.Process
	pool   *idpool.Pool

	done     chan struct{}
	downOnce sync.Once
}

// Connect spawns a runtime process and runs the full handshake against it:
// wait for readiness (bounded), bootstrap the runtime, acknowledge. On
// success the returned Conn carries the per-connection server handle and
// monitors the runtime; when either side dies the other is torn down and
// the identity goes back to the pool.
func Connect(ctx context.Context, pool *idpool.Pool, l *Listener, opts Options) (*Conn, error) {
	if strings.Contains(opts.BootExpr, "\n") {
		return nil, fmt.Errorf("boot expression must not contain newlines")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if opts.Modules.Marker == "" {
		opts.Modules = bootstrap.Prelude()
	}

	var identity idpool.Identity
	if opts.Identity != nil {
		identity = *opts.Identity
	} else {
		label := opts.BaseLabel
		if label == "" {
			label = "runtime"
		}
		identity = pool.Acquire(label)
	}

	ref := uuid.NewString()
	readyCh := l.expect(ref)

	args := append(append([]string(nil), opts.BaseArgs...),
		"--id", identity.Name,
		"--ref", ref,
		"--boot", opts.BootExpr,
		l.Addr(),
	)
	cmd := exec.Command(opts.Executable, args...)
	cmd.Env = append(os.Environ(), opts.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		l.forget(ref)
		pool.NotifyDisconnected(identity)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		l.forget(ref)
		pool.NotifyDisconnected(identity)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		l.forget(ref)
		pool.NotifyDisconnected(identity)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	// Child output is drained so the process can never block on a full
	// pipe; its content is only logged.
	go drain(identity.Name, stdout)
	go drain(identity.Name, stderr)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rc := <-readyCh:
		conn, err := finishHandshake(ctx, pool, identity, ref, rc, cmd, waitCh, opts)
		if err != nil {
			rc.ws.Close()
			cmd.Process.Kill()
			go func() { <-waitCh }()
			pool.NotifyDisconnected(identity)
			return nil, err
		}
		return conn, nil

	case <-waitCh:
		l.forget(ref)
		pool.NotifyDisconnected(identity)
		return nil, fmt.Errorf("connecting to %s: %w", identity.Name, ErrProcessTerminated)

	case <-timer.C:
		l.forget(ref)
		cmd.Process.Kill()
		go func() { <-waitCh }()
		pool.NotifyDisconnected(identity)
		return nil, fmt.Errorf("connecting to %s: %w", identity.Name, ErrTimeout)

	case <-ctx.Done():
		l.forget(ref)
		cmd.Process.Kill()
		go func() { <-waitCh }()
		pool.NotifyDisconnected(identity)
		return nil, ctx.Err()
	}
}

// finishHandshake runs bootstrap against the child's advertised address and
// sends the ack that releases the child into normal operation.
func finishHandshake(ctx context.Context, pool *idpool.Pool, identity idpool.Identity, ref string,
	rc readyConn, cmd *exec.Cmd, waitCh chan error, opts Options) (*Conn, error) {

	client := bootstrap.NewClient(rc.msg.Addr)
	handle, err := client.Bootstrap(ctx, opts.Modules, opts.Manager, bootstrap.ServerOptions{Owner: opts.Owner})
	if err != nil {
		return nil, err
	}
	_, managerID, err := client.IsManagerRunning(ctx)
	if err != nil {
		return nil, err
	}

	if err := rc.ws.WriteJSON(ackMsg{Type: "ack", Ref: ref}); err != nil {
		return nil, fmt.Errorf("sending ack to %s: %w", identity.Name, err)
	}

	conn := &Conn{
		Identity:     identity,
		Addr:         rc.msg.Addr,
		PID:          rc.msg.PID,
		Owner:        opts.Owner,
		ManagerID:    managerID,
		ServerHandle: handle,
		client:       client,
		ws:           rc.ws,
		proc:         cmd.Process,
		pool:         pool,
		done:         make(chan struct{}),
	}
	go conn.monitor(waitCh)
	return conn, nil
}

// Client returns the bootstrap client for this runtime, for re-probing or
// starting further connection servers.
func (c *Conn) Client() *bootstrap.Client { return c.client }

// Done is closed once the connection is torn down, whichever side died
// first.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears the connection down from the owner's side: the runtime
// process is killed and the identity handed back to the pool.
func (c *Conn) Close() {
	c.teardown("closed by owner")
}

func (c *Conn) teardown(cause string) {
	c.downOnce.Do(func() {
		log.Printf("runtime %s: disconnected: %s", c.Identity.Name, cause)
		c.ws.Close()
		c.proc.Kill()
		close(c.done)
		c.pool.NotifyDisconnected(c.Identity)
	})
}

// monitor couples the connection's lifetime to the remote process: pings on
// the liveness socket, treats its loss or process exit as a hard error and
// tears everything down.
func (c *Conn) monitor(waitCh chan error) {
	go func() {
		<-waitCh
		c.teardown("process exited")
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(pingInterval)
				if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					c.teardown("liveness ping failed")
					return
				}
			case <-c.done:
				return
			}
		}
	}()

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.teardown("liveness channel lost")
			return
		}
	}
}

func drain(name string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Printf("runtime %s: %s", name, sc.Text())
	}
}
