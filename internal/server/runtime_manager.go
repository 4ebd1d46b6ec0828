package server

import (
	"sync"
	"time"

	"github.com/michaelbrown/crucible/internal/handshake"
	"github.com/michaelbrown/crucible/internal/runtimenode"
)

// ActiveRuntime tracks one live runtime: its handshake connection, the
// evaluation channel dialed against its connection server, and the event
// subscribers watching it.
type ActiveRuntime struct {
	Conn      *handshake.Conn
	Client    *runtimenode.ServerClient
	StartedAt time.Time

	mu   sync.Mutex
	subs map[chan runtimenode.Frame]struct{}
}

// Subscribe registers an event channel. Slow subscribers drop frames rather
// than stall the runtime's event pump.
func (ar *ActiveRuntime) Subscribe() chan runtimenode.Frame {
	ch := make(chan runtimenode.Frame, 32)
	ar.mu.Lock()
	ar.subs[ch] = struct{}{}
	ar.mu.Unlock()
	return ch
}

// Unsubscribe removes an event channel registered with Subscribe.
func (ar *ActiveRuntime) Unsubscribe(ch chan runtimenode.Frame) {
	ar.mu.Lock()
	if _, ok := ar.subs[ch]; ok {
		delete(ar.subs, ch)
		close(ch)
	}
	ar.mu.Unlock()
}

func (ar *ActiveRuntime) broadcast(f runtimenode.Frame) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for ch := range ar.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

// closeSubs ends every subscriber stream; used when the runtime goes away.
func (ar *ActiveRuntime) closeSubs() {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for ch := range ar.subs {
		close(ch)
		delete(ar.subs, ch)
	}
}

// Close tears down the runtime from the coordinator's side.
func (ar *ActiveRuntime) Close() {
	ar.Client.Close()
	ar.Conn.Close()
}

// RuntimeManager tracks which runtimes are live, keyed by runtime identity.
type RuntimeManager struct {
	mu       sync.RWMutex
	runtimes map[string]*ActiveRuntime
}

// NewRuntimeManager creates a new RuntimeManager.
func NewRuntimeManager() *RuntimeManager {
	return &RuntimeManager{
		runtimes: make(map[string]*ActiveRuntime),
	}
}

// Get returns a live runtime if it exists.
func (rm *RuntimeManager) Get(id string) (*ActiveRuntime, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	ar, ok := rm.runtimes[id]
	return ar, ok
}

// Add registers a freshly connected runtime. Identities are pool-unique, so
// a collision here means a bookkeeping bug upstream.
func (rm *RuntimeManager) Add(id string, ar *ActiveRuntime) {
	rm.mu.Lock()
	rm.runtimes[id] = ar
	rm.mu.Unlock()
}

// Remove drops a runtime from tracking and returns it, or nil if it was
// already gone. Both the DELETE handler and the event pump race to remove;
// whichever loses gets nil and does nothing.
func (rm *RuntimeManager) Remove(id string) *ActiveRuntime {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	ar := rm.runtimes[id]
	delete(rm.runtimes, id)
	return ar
}

// List returns the identities of all live runtimes.
func (rm *RuntimeManager) List() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	ids := make([]string, 0, len(rm.runtimes))
	for id := range rm.runtimes {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll tears down every live runtime; used at coordinator shutdown.
func (rm *RuntimeManager) CloseAll() {
	rm.mu.Lock()
	runtimes := rm.runtimes
	rm.runtimes = make(map[string]*ActiveRuntime)
	rm.mu.Unlock()

	for _, ar := range runtimes {
		ar.Close()
		ar.closeSubs()
	}
}
