// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fluxsession/session"
	"github.com/absmach/fluxsession/storage"
)

// Sessions is the read side of the session manager.
type Sessions interface {
	Count() int
	ConnectedCount() int
	Snapshots() []session.Snapshot
}

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	// NodeID is reported by /sessions.
	NodeID string
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config       Config
	sessions     Sessions
	unauthorized storage.UnauthorizedStore
	logger       *slog.Logger
	server       *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. unauthorized may be nil, in
// which case /unauthorized is not served.
func New(cfg Config, sessions Sessions, unauthorized storage.UnauthorizedStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:       cfg,
		sessions:     sessions,
		unauthorized: unauthorized,
		logger:       logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/sessions", s.handleSessions)
	if unauthorized != nil {
		mux.HandleFunc("/unauthorized", s.handleUnauthorized)
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health_server_starting", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health_server_stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "session manager not initialized",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// SessionInfo is the public view of one client actor.
type SessionInfo struct {
	ClientID        string `json:"client_id"`
	State           string `json:"state"`
	SessionID       string `json:"session_id,omitempty"`
	Username        string `json:"username,omitempty"`
	ClientType      string `json:"client_type,omitempty"`
	ProtocolVersion byte   `json:"protocol_version,omitempty"`
	PubRules        int    `json:"pub_rules"`
	SubRules        int    `json:"sub_rules"`
	AuditFailures   uint64 `json:"audit_failures,omitempty"`
}

// SessionsResponse summarizes the sessions of this node.
type SessionsResponse struct {
	NodeID    string        `json:"node_id,omitempty"`
	Actors    int           `json:"actors"`
	Connected int           `json:"connected"`
	Sessions  []SessionInfo `json:"sessions,omitempty"`
}

// handleSessions returns actor counts. With ?detail=true every actor's
// snapshot is included.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sessions == nil {
		http.Error(w, "session manager not initialized", http.StatusServiceUnavailable)
		return
	}

	resp := SessionsResponse{
		NodeID:    s.config.NodeID,
		Actors:    s.sessions.Count(),
		Connected: s.sessions.ConnectedCount(),
	}
	if r.URL.Query().Get("detail") == "true" {
		for _, snap := range s.sessions.Snapshots() {
			info := SessionInfo{
				ClientID:        snap.ClientID,
				State:           snap.State.String(),
				Username:        snap.Username,
				ProtocolVersion: snap.ProtocolVersion,
				PubRules:        snap.PubRules,
				SubRules:        snap.SubRules,
				AuditFailures:   snap.AuditFailures,
			}
			if snap.State != session.Disconnected {
				info.SessionID = snap.SessionID.String()
				info.ClientType = snap.ClientType.String()
			}
			resp.Sessions = append(resp.Sessions, info)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

const maxUnauthorizedPage = 1000

// handleUnauthorized serves the recorded unauthorized attempts. GET lists
// them, paged by ?limit= and ?offset=, or returns one with ?client_id=.
// DELETE removes the record of ?client_id=, or every record without it.
func (s *Server) handleUnauthorized(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if id := r.URL.Query().Get("client_id"); id != "" {
			s.getUnauthorized(w, r, id)
			return
		}
		s.listUnauthorized(w, r)
	case http.MethodDelete:
		if id := r.URL.Query().Get("client_id"); id != "" {
			s.deleteUnauthorized(w, r, id)
			return
		}
		s.deleteAllUnauthorized(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getUnauthorized(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.unauthorized.Get(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case err != nil:
		s.logger.Warn("unauthorized_lookup_failed",
			slog.String("client_id", id),
			slog.String("error", err.Error()))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// listUnauthorized writes one page of records, most recent first. The
// total number of records is reported in X-Total-Count.
func (s *Server) listUnauthorized(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", maxUnauthorizedPage)
	if err != nil || limit < 1 || limit > maxUnauthorizedPage {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	recs, err := s.unauthorized.List(r.Context())
	if err != nil {
		s.logger.Warn("unauthorized_list_failed", slog.String("error", err.Error()))
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}

	total := len(recs)
	page := []storage.UnauthorizedClient{}
	if offset < total {
		page = recs[offset:min(offset+limit, total)]
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) deleteUnauthorized(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.unauthorized.Delete(r.Context(), id); err != nil {
		s.logger.Warn("unauthorized_delete_failed",
			slog.String("client_id", id),
			slog.String("error", err.Error()))
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteResponse reports how many records a bulk delete removed.
type DeleteResponse struct {
	Deleted int `json:"deleted"`
}

func (s *Server) deleteAllUnauthorized(w http.ResponseWriter, r *http.Request) {
	recs, err := s.unauthorized.List(r.Context())
	if err != nil {
		s.logger.Warn("unauthorized_list_failed", slog.String("error", err.Error()))
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}

	deleted := 0
	for _, rec := range recs {
		if err := s.unauthorized.Delete(r.Context(), rec.ClientID); err != nil {
			s.logger.Warn("unauthorized_delete_failed",
				slog.String("client_id", rec.ClientID),
				slog.String("error", err.Error()))
			http.Error(w, "delete failed", http.StatusInternalServerError)
			return
		}
		deleted++
	}
	s.logger.Info("unauthorized_records_cleared", slog.Int("deleted", deleted))
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: deleted})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
