package agent

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// Server exposes one Agent's RPC surface as JSON over HTTP.
type Server struct {
	agent      *Agent
	logger     *slog.Logger
	credential string
}

// NewServer returns a Server wrapping agent's status/read/write/
// restart/rollback operations; Router builds its http.Handler. A non-empty
// credential (set with WithCredential) requires every request to carry it
// as a bearer token; unauthorized callers are refused before any handler
// runs, so a bad credential never has side effects.
func NewServer(agent *Agent, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{agent: agent, logger: logger}
}

// WithCredential sets the shared credential the controller must present.
func (s *Server) WithCredential(credential string) *Server {
	s.credential = credential
	return s
}

// Router builds the gorilla/mux router for the agent RPC surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.authorize)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/read", s.handleRead).Methods(http.MethodPost)
	r.HandleFunc("/write", s.handleWrite).Methods(http.MethodPost)
	r.HandleFunc("/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/rollback", s.handleRollback).Methods(http.MethodPost)
	return r
}

// authorize rejects requests lacking the configured credential. The
// /metrics endpoint mounted by cmd/agentd bypasses this (it is added to the
// router after construction and scraped by Prometheus, not the controller).
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.credential == "" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte("Bearer "+s.credential)) != 1 {
			s.logger.Warn("agent: unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.agent.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type readRequest struct {
	Instance string `json:"instance"`
	File     string `json:"file"`
}

type readResponse struct {
	BytesB64 string `json:"bytes_b64"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := s.agent.ReadConfig(r.Context(), req.Instance, req.File)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, readResponse{BytesB64: base64.StdEncoding.EncodeToString(data)})
}

type writeRequest struct {
	Instance     string `json:"instance"`
	File         string `json:"file"`
	BytesB64     string `json:"bytes_b64"`
	DeploymentID string `json:"deployment_id"`
}

type writeResponse struct {
	OK     bool   `json:"ok"`
	Digest string `json:"digest"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.BytesB64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.agent.WriteConfig(r.Context(), req.Instance, req.File, data, req.DeploymentID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, writeResponse{OK: true, Digest: digest(data)})
}

type restartRequest struct {
	Instance string `json:"instance"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Instance == "" {
		results := s.agent.RestartAll(r.Context())
		failed := map[string]string{}
		for instance, err := range results {
			if err != nil {
				failed[instance] = err.Error()
			}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": len(failed) == 0, "failed": failed})
		return
	}

	if err := s.agent.Restart(r.Context(), req.Instance); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type rollbackRequest struct {
	DeploymentID string `json:"deployment_id"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.agent.Rollback(r.Context(), req.DeploymentID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("agent: encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("agent: request failed", "error", err)
	http.Error(w, err.Error(), status)
}
