// Package runtimenode hosts the child side of a runtime: the HTTP bootstrap
// surface the coordinator drives after the handshake, the node manager whose
// lifetime bounds the whole process, and the per-connection WebSocket
// servers evaluations flow through.
package runtimenode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/crucible/internal/bootstrap"
	"github.com/michaelbrown/crucible/internal/evaluator"
)

const maxModuleBytes = 8 << 20

// Manager is the node's management process. Its identity is stable across
// repeated start requests, and stopping it is how the whole runtime dies.
type Manager struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Node is one runtime process's state: loaded modules, the base evaluation
// environment they produced, the manager, and live connection servers.
type Node struct {
	identity string
	interp   evaluator.Interpreter
	store    *bootstrap.ModuleStore

	mu      sync.Mutex
	base    evaluator.Bindings
	manager *Manager
	servers map[string]*connServer

	managerDone chan struct{}
	stopOnce    sync.Once

	httpSrv *http.Server
	ln      net.Listener
}

// New creates a node for the given identity. Evaluations run through interp;
// nil means the builtin interpreter.
func New(identity string, interp evaluator.Interpreter) *Node {
	if interp == nil {
		interp = evaluator.Builtin{}
	}
	return &Node{
		identity:    identity,
		interp:      interp,
		store:       bootstrap.NewModuleStore(),
		base:        evaluator.Bindings{},
		servers:     make(map[string]*connServer),
		managerDone: make(chan struct{}),
	}
}

// Start begins serving the node API on addr ("127.0.0.1:0" picks a port).
func (n *Node) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	n.ln = ln
	n.httpSrv = &http.Server{Handler: n.routes()}
	go func() {
		if err := n.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("node %s: serve: %v", n.identity, err)
		}
	}()
	return nil
}

// Addr returns the node API's listen address.
func (n *Node) Addr() string {
	return n.ln.Addr().String()
}

// Identity returns the runtime identity this node was spawned under.
func (n *Node) Identity() string {
	return n.identity
}

// ManagerDone is closed when the manager stops. The runtime entry point
// blocks on this: manager death is process death.
func (n *Node) ManagerDone() <-chan struct{} {
	return n.managerDone
}

// StopManager stops the manager and with it, by contract, the runtime. It
// also fires when the node must die before a manager ever started, e.g. on
// parent loss during connection establishment.
func (n *Node) StopManager() {
	n.stopOnce.Do(func() { close(n.managerDone) })
}

// Shutdown tears down connection servers and the HTTP listener.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	servers := make([]*connServer, 0, len(n.servers))
	for _, cs := range n.servers {
		servers = append(servers, cs)
	}
	n.mu.Unlock()
	for _, cs := range servers {
		cs.close()
	}
	if n.httpSrv == nil {
		return nil
	}
	return n.httpSrv.Shutdown(ctx)
}

func (n *Node) routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/platform", n.handlePlatform)
		r.Get("/modules/{name}", n.handleProbeModule)
		r.Put("/modules/{name}", n.handleLoadModule)
		r.Get("/manager", n.handleProbeManager)
		r.Post("/manager", n.handleStartManager)
		r.Delete("/manager", n.handleStopManager)
		r.Post("/servers", n.handleStartServer)
		r.Get("/servers/{handle}/ws", n.handleServerWS)
	})
	return r
}

func (n *Node) handlePlatform(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"platform": bootstrap.Platform()})
}

func (n *Node) handleProbeModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !n.store.Has(name) {
		http.Error(w, "module not loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

// handleLoadModule decodes a module payload, checks it was built on the same
// platform, evaluates its source into the node's base environment and
// records it. Failures carry this node's platform string so the coordinator
// can tell a version mismatch from a plain bad module.
func (n *Node) handleLoadModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxModuleBytes))
	if err != nil {
		n.loadFailure(w, fmt.Sprintf("reading module %s: %v", name, err))
		return
	}
	platform, source, err := bootstrap.DecodeModule(body)
	if err != nil {
		n.loadFailure(w, fmt.Sprintf("decoding module %s: %v", name, err))
		return
	}
	if platform != bootstrap.Platform() {
		n.loadFailure(w, fmt.Sprintf("module %s was built on %q", name, platform))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	env := n.base.DeepCopy()
	if _, err := n.interp.Eval(r.Context(), string(source), env); err != nil {
		n.loadFailure(w, fmt.Sprintf("evaluating module %s: %v", name, err))
		return
	}
	n.base = env
	n.store.Put(name, source)
	log.Printf("node %s: loaded module %s", n.identity, name)
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) loadFailure(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
		"error":    reason,
		"platform": bootstrap.Platform(),
	})
}

func (n *Node) handleProbeManager(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	m := n.manager
	n.mu.Unlock()
	if m == nil {
		http.Error(w, "manager not running", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (n *Node) handleStartManager(w http.ResponseWriter, r *http.Request) {
	var opts bootstrap.ManagerOptions
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&opts)
	}

	n.mu.Lock()
	if n.manager == nil {
		n.manager = &Manager{ID: uuid.NewString(), Label: opts.Label}
		log.Printf("node %s: manager %s started", n.identity, n.manager.ID)
	}
	m := n.manager
	n.mu.Unlock()
	writeJSON(w, http.StatusOK, m)
}

func (n *Node) handleStopManager(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	running := n.manager != nil
	n.mu.Unlock()
	if !running {
		http.Error(w, "manager not running", http.StatusNotFound)
		return
	}
	n.StopManager()
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleStartServer(w http.ResponseWriter, r *http.Request) {
	var opts bootstrap.ServerOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, "bad server options", http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.manager == nil {
		http.Error(w, "manager not running", http.StatusConflict)
		return
	}
	cs := newConnServer(n, uuid.NewString(), opts.Owner)
	n.servers[cs.handle] = cs
	log.Printf("node %s: connection server %s started for owner %q", n.identity, cs.handle, opts.Owner)
	writeJSON(w, http.StatusCreated, map[string]string{"handle": cs.handle})
}

func (n *Node) handleServerWS(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	n.mu.Lock()
	cs := n.servers[handle]
	n.mu.Unlock()
	if cs == nil {
		http.Error(w, "no such connection server", http.StatusNotFound)
		return
	}
	cs.attach(w, r)
}

func (n *Node) removeServer(handle string) {
	n.mu.Lock()
	delete(n.servers, handle)
	n.mu.Unlock()
}

func (n *Node) baseBindings() evaluator.Bindings {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.base.DeepCopy()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
