package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/crucible/internal/runtimenode"
	"github.com/michaelbrown/crucible/internal/storage"
)

// FrameRuntimeDown is a coordinator-synthesized frame type announcing that
// the runtime itself disconnected; runtime nodes never send it.
const FrameRuntimeDown = "runtime_down"

// pump is the per-runtime event loop: it folds result and crash frames into
// evaluation history, fans them out to subscribers, and retires the runtime
// when its connection dies.
func (s *Server) pump(id string, ar *ActiveRuntime) {
	ctx := context.Background()
	events := ar.Client.Events()

	for {
		select {
		case f, ok := <-events:
			if !ok {
				// Evaluation channel lost; the liveness monitor decides
				// whether the runtime itself is gone.
				events = nil
				continue
			}
			s.record(ctx, id, f)
			ar.broadcast(f)

		case <-ar.Conn.Done():
			if n, err := s.store.MarkRuntimeGone(ctx, id, "runtime disconnected"); err != nil {
				log.Printf("runtime %s: marking pending evaluations: %v", id, err)
			} else if n > 0 {
				log.Printf("runtime %s: failed %d pending evaluations on disconnect", id, n)
			}
			s.runtimes.Remove(id)
			ar.broadcast(runtimenode.Frame{Type: FrameRuntimeDown})
			ar.closeSubs()
			return
		}
	}
}

// record reflects a runtime event into the evaluation history.
func (s *Server) record(ctx context.Context, runtimeID string, f runtimenode.Frame) {
	switch f.Type {
	case runtimenode.FrameResult:
		rec, err := s.store.GetEvaluation(ctx, string(f.Evaluation))
		if err != nil {
			// Results for evaluations submitted outside the API (e.g. a
			// REPL sharing the runtime) have no history row.
			return
		}
		if f.Error != "" {
			rec.Status = storage.StatusFailed
			rec.Error = f.Error
		} else {
			rec.Status = storage.StatusCompleted
			if raw, err := json.Marshal(f.Value); err == nil {
				rec.Value = string(raw)
			}
		}
		rec.ElapsedMS = f.ElapsedMS
		if err := s.store.UpdateEvaluation(ctx, rec); err != nil {
			log.Printf("runtime %s: recording evaluation %s: %v", runtimeID, f.Evaluation, err)
		}

	case runtimenode.FrameContainerDown:
		n, err := s.store.MarkContainerCrashed(ctx, runtimeID, string(f.Container), f.Cause)
		if err != nil {
			log.Printf("runtime %s: marking container %s crashed: %v", runtimeID, f.Container, err)
			return
		}
		log.Printf("runtime %s: container %s down (%s), %d evaluations crashed",
			runtimeID, f.Container, f.Cause, n)

	case runtimenode.FrameError:
		if f.Evaluation == "" {
			return
		}
		rec, err := s.store.GetEvaluation(ctx, string(f.Evaluation))
		if err != nil {
			return
		}
		rec.Status = storage.StatusFailed
		rec.Error = f.Error
		if err := s.store.UpdateEvaluation(ctx, rec); err != nil {
			log.Printf("runtime %s: recording evaluation %s: %v", runtimeID, f.Evaluation, err)
		}
	}
}

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // auth is out of scope; the API binds to loopback
	},
}

// handleEvents streams a runtime's event frames over a WebSocket. The
// stream ends when the runtime goes away or the client hangs up.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ar, ok := s.runtimes.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "runtime not found")
		return
	}

	ws, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ch := ar.Subscribe()
	defer ar.Unsubscribe(ch)

	// Reader goroutine: the only thing a client sends is a close.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case f, ok := <-ch:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "runtime down"),
					time.Now().Add(time.Second))
				return
			}
			if err := ws.WriteJSON(f); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}
