// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/keepsake-foundation/keepsake/queue"
	"github.com/keepsake-foundation/keepsake/registry"
	"github.com/keepsake-foundation/keepsake/retention"
	"github.com/keepsake-foundation/keepsake/scheduler"
	"github.com/keepsake-foundation/keepsake/snapshot"
	"github.com/keepsake-foundation/keepsake/store"
)

// Server holds the components the API fronts.
type Server struct {
	store     *store.Store
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	index     *snapshot.Index
	retention *retention.Engine
	queue     *queue.Engine
	logger    *slog.Logger
}

// New builds the API server. All components are required.
func New(st *store.Store, reg *registry.Registry, sched *scheduler.Scheduler, index *snapshot.Index, ret *retention.Engine, q *queue.Engine, logger *slog.Logger) *Server {
	return &Server{
		store:     st,
		registry:  reg,
		scheduler: sched,
		index:     index,
		retention: ret,
		queue:     q,
		logger:    logger.With("component", "httpapi"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)

	mux.HandleFunc("GET /v1/nodes", s.handleListNodes)
	mux.HandleFunc("POST /v1/nodes", s.handleEnrollNode)
	mux.HandleFunc("POST /v1/nodes/{id}/revoke", s.handleRevokeNode)
	mux.HandleFunc("POST /v1/nodes/{id}/distribute", s.handleDistribute)
	mux.HandleFunc("GET /v1/nodes/{id}/secrets", s.handleListSecrets)
	mux.HandleFunc("PUT /v1/nodes/{id}/secrets/{name}", s.handlePutSecret)
	mux.HandleFunc("DELETE /v1/nodes/{id}/secrets/{name}", s.handleDeleteSecret)

	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /v1/jobs/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /v1/jobs/{id}/enable", s.handleEnableJob)
	mux.HandleFunc("POST /v1/jobs/{id}/disable", s.handleDisableJob)
	mux.HandleFunc("POST /v1/jobs/{id}/trigger", s.handleTriggerJob)
	mux.HandleFunc("GET /v1/jobs/{id}/runs", s.handleListRuns)

	mux.HandleFunc("GET /v1/jobs/{id}/snapshots", s.handleListSnapshots)
	mux.HandleFunc("GET /v1/jobs/{id}/snapshots/{run}", s.handleGetSnapshot)
	mux.HandleFunc("POST /v1/jobs/{id}/snapshots/delete", s.handleBulkDeleteSnapshots)
	mux.HandleFunc("POST /v1/jobs/{id}/snapshots/{run}/delete", s.handleDeleteSnapshot)
	mux.HandleFunc("POST /v1/jobs/{id}/snapshots/{run}/pin", s.handlePinSnapshot)
	mux.HandleFunc("POST /v1/jobs/{id}/snapshots/{run}/unpin", s.handleUnpinSnapshot)

	mux.HandleFunc("GET /v1/jobs/{id}/retention", s.handleGetRetention)
	mux.HandleFunc("PUT /v1/jobs/{id}/retention", s.handlePutRetention)
	mux.HandleFunc("POST /v1/jobs/{id}/retention/preview", s.handlePreviewRetention)
	mux.HandleFunc("POST /v1/jobs/{id}/retention/apply", s.handleApplyRetention)

	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("POST /v1/tasks/{id}/retry", s.handleRetryTask)
	mux.HandleFunc("POST /v1/tasks/{id}/ignore", s.handleIgnoreTask)
	mux.HandleFunc("POST /v1/tasks/{id}/unignore", s.handleUnignoreTask)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes value into w with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, format string, args ...any) {
	s.writeJSON(w, status, errorBody{Error: fmt.Sprintf(format, args...)})
}

// fail maps domain errors onto HTTP statuses: not-found rows become
// 404, pin violations 409, everything else 500 unless the caller
// chose a status already.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, snapshot.ErrPinned):
		s.writeError(w, http.StatusConflict, "%v", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "%v", err)
	}
}

func errNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

// readJSON decodes a request body, rejecting unknown fields. An
// empty body leaves the target at its zero value.
func readJSON(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}
