package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/evaluator"
	"github.com/michaelbrown/crucible/internal/handshake"
	"github.com/michaelbrown/crucible/internal/runtimenode"
	"github.com/michaelbrown/crucible/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Runtime handlers ---

type runtimeInfo struct {
	ID           string    `json:"id"`
	Addr         string    `json:"addr"`
	PID          int       `json:"pid"`
	Owner        string    `json:"owner"`
	ManagerID    string    `json:"manager_id"`
	ServerHandle string    `json:"server_handle"`
	StartedAt    time.Time `json:"started_at"`
}

func describeRuntime(id string, ar *ActiveRuntime) runtimeInfo {
	return runtimeInfo{
		ID:           id,
		Addr:         ar.Conn.Addr,
		PID:          ar.Conn.PID,
		Owner:        ar.Conn.Owner,
		ManagerID:    ar.Conn.ManagerID,
		ServerHandle: ar.Conn.ServerHandle,
		StartedAt:    ar.StartedAt,
	}
}

func (s *Server) handleListRuntimes(w http.ResponseWriter, r *http.Request) {
	infos := []runtimeInfo{}
	for _, id := range s.runtimes.List() {
		if ar, ok := s.runtimes.Get(id); ok {
			infos = append(infos, describeRuntime(id, ar))
		}
	}
	writeJSON(w, http.StatusOK, infos)
}

type createRuntimeRequest struct {
	Profile   string `json:"profile,omitempty"`
	BaseLabel string `json:"base_label,omitempty"`
	Boot      string `json:"boot,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// spawnOptions resolves a creation request against the configured defaults
// and an optional spawn profile.
func (s *Server) spawnOptions(req createRuntimeRequest) (handshake.Options, error) {
	opts := handshake.Options{
		Executable: s.cfg.Runtime.Executable,
		BaseArgs:   s.cfg.Runtime.Args,
		BootExpr:   s.cfg.Runtime.Boot,
		BaseLabel:  s.cfg.Runtime.BaseLabel,
		Owner:      req.Owner,
		Timeout:    s.cfg.Handshake.Timeout,
	}
	if opts.Owner == "" {
		opts.Owner = "coordinator"
	}

	if req.Profile != "" {
		path := filepath.Join(s.cfg.Runtime.ProfilesDir, req.Profile+".yaml")
		p, err := config.LoadProfile(path)
		if err != nil {
			return opts, err
		}
		if p.Executable != "" {
			opts.Executable = p.Executable
		}
		if len(p.Args) > 0 {
			opts.BaseArgs = p.Args
		}
		if p.Boot != "" {
			opts.BootExpr = p.Boot
		}
		if p.BaseLabel != "" {
			opts.BaseLabel = p.BaseLabel
		}
		opts.Env = p.Env
	}

	if req.BaseLabel != "" {
		opts.BaseLabel = req.BaseLabel
	}
	if req.Boot != "" {
		opts.BootExpr = req.Boot
	}
	return opts, nil
}

func (s *Server) handleCreateRuntime(w http.ResponseWriter, r *http.Request) {
	var req createRuntimeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	opts, err := s.spawnOptions(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := handshake.Connect(r.Context(), s.pool, s.hs, opts)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, handshake.ErrTimeout) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, fmt.Sprintf("spawning runtime: %v", err))
		return
	}

	client, err := runtimenode.DialServer(r.Context(), conn.Addr, conn.ServerHandle)
	if err != nil {
		conn.Close()
		writeError(w, http.StatusBadGateway, fmt.Sprintf("attaching to runtime: %v", err))
		return
	}

	ar := &ActiveRuntime{
		Conn:      conn,
		Client:    client,
		StartedAt: time.Now().UTC(),
		subs:      make(map[chan runtimenode.Frame]struct{}),
	}
	id := conn.Identity.Name
	s.runtimes.Add(id, ar)
	go s.pump(id, ar)

	writeJSON(w, http.StatusCreated, describeRuntime(id, ar))
}

func (s *Server) handleGetRuntime(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ar, ok := s.runtimes.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "runtime not found")
		return
	}
	writeJSON(w, http.StatusOK, describeRuntime(id, ar))
}

func (s *Server) handleDeleteRuntime(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ar := s.runtimes.Remove(id)
	if ar == nil {
		writeError(w, http.StatusNotFound, "runtime not found")
		return
	}
	ar.Close()
	w.WriteHeader(http.StatusNoContent)
}

// --- Evaluation handlers ---

type createEvaluationRequest struct {
	Container string              `json:"container"`
	Code      string              `json:"code"`
	Parents   []evaluator.Locator `json:"parents,omitempty"`
}

func (s *Server) handleCreateEvaluation(w http.ResponseWriter, r *http.Request) {
	runtimeID := chi.URLParam(r, "id")
	ar, ok := s.runtimes.Get(runtimeID)
	if !ok {
		writeError(w, http.StatusNotFound, "runtime not found")
		return
	}

	var req createEvaluationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Container == "" {
		writeError(w, http.StatusBadRequest, "container is required")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	rec := &storage.Evaluation{
		ID:        uuid.NewString(),
		RuntimeID: runtimeID,
		Container: req.Container,
		Code:      req.Code,
		Status:    storage.StatusPending,
	}
	if err := s.store.CreateEvaluation(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	err := ar.Client.Evaluate(evaluator.Request{
		Container:  evaluator.Ref(req.Container),
		Evaluation: evaluator.Ref(rec.ID),
		Code:       req.Code,
		Parents:    req.Parents,
	})
	if err != nil {
		rec.Status = storage.StatusFailed
		rec.Error = err.Error()
		s.store.UpdateEvaluation(r.Context(), rec)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("submitting evaluation: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	opts := storage.EvaluationListOptions{
		RuntimeID: chi.URLParam(r, "id"),
		Container: r.URL.Query().Get("container"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.EvaluationStatus(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	evals, err := s.store.ListEvaluations(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evals == nil {
		evals = []storage.Evaluation{}
	}
	writeJSON(w, http.StatusOK, evals)
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetEvaluation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
