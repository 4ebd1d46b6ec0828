// Package handshake establishes connections to freshly spawned runtime
// processes: the parent spawns the child with its identity and the parent's
// address, waits on a bounded set of wakeups (readiness, process death,
// timer), bootstraps the runtime and acknowledges. The WebSocket the child
// dialed in on stays open afterwards as the liveness channel coupling the
// two processes' lifetimes.
package handshake

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	// DefaultTimeout bounds the parent's wait for the child's readiness.
	DefaultTimeout = 30 * time.Second
	// DefaultAckTimeout bounds the child's wait for the parent's ack.
	DefaultAckTimeout = 10 * time.Second

	readyWait    = 10 * time.Second
	pingInterval = 10 * time.Second
	pongWait     = 30 * time.Second
)

type readyMsg struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
	Addr string `json:"addr"`
	PID  int    `json:"pid"`
}

type ackMsg struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

type readyConn struct {
	msg readyMsg
	ws  *websocket.Conn
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // handshake listener binds to loopback
	},
}

// Listener accepts readiness dials from spawned children. Each pending
// connection attempt registers its correlation ref; a ready message with an
// unknown ref is dropped, which is what keeps concurrently established
// connections from cross-talking.
type Listener struct {
	srv *http.Server
	ln  net.Listener

	mu      sync.Mutex
	pending map[string]chan readyConn
}

// NewListener starts a handshake listener on a loopback port.
func NewListener() (*Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("handshake listener: %w", err)
	}
	l := &Listener{
		ln:      ln,
		pending: make(map[string]chan readyConn),
	}
	r := chi.NewRouter()
	r.Get("/handshake", l.handle)
	l.srv = &http.Server{Handler: r}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("handshake listener: %v", err)
		}
	}()
	return l, nil
}

// Addr is the address children dial back to; it is passed to them on their
// command line.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting readiness dials.
func (l *Listener) Close() error {
	return l.srv.Close()
}

func (l *Listener) expect(ref string) chan readyConn {
	ch := make(chan readyConn, 1)
	l.mu.Lock()
	l.pending[ref] = ch
	l.mu.Unlock()
	return ch
}

func (l *Listener) forget(ref string) {
	l.mu.Lock()
	delete(l.pending, ref)
	l.mu.Unlock()
}

func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws.SetReadDeadline(time.Now().Add(readyWait))
	var msg readyMsg
	if err := ws.ReadJSON(&msg); err != nil || msg.Type != "ready" {
		ws.Close()
		return
	}
	ws.SetReadDeadline(time.Time{})

	l.mu.Lock()
	ch, ok := l.pending[msg.Ref]
	if ok {
		delete(l.pending, msg.Ref)
	}
	l.mu.Unlock()

	if !ok {
		// No attempt is waiting on this ref: stale or cross-talking child.
		log.Printf("handshake: dropping ready with unknown ref %s", msg.Ref)
		ws.Close()
		return
	}
	ch <- readyConn{msg: msg, ws: ws}
}
