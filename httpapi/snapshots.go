// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/keepsake-foundation/keepsake/store"
)

// snapshotFilter narrows a job's artifact listing.
type snapshotFilter struct {
	statuses []store.ArtifactStatus
	pinned   *bool
	since    time.Time
	until    time.Time
	limit    int
	offset   int
}

func parseSnapshotFilter(r *http.Request) (snapshotFilter, error) {
	query := r.URL.Query()
	filter := snapshotFilter{limit: 100}
	for _, raw := range query["status"] {
		filter.statuses = append(filter.statuses, store.ArtifactStatus(raw))
	}
	if raw := query.Get("pinned"); raw != "" {
		pinned, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, errors.New("invalid pinned value")
		}
		filter.pinned = &pinned
	}
	var err error
	if filter.since, err = parseTimeParam(query.Get("since")); err != nil {
		return filter, err
	}
	if filter.until, err = parseTimeParam(query.Get("until")); err != nil {
		return filter, err
	}
	if raw := query.Get("limit"); raw != "" {
		if filter.limit, err = strconv.Atoi(raw); err != nil || filter.limit < 1 {
			return filter, errors.New("invalid limit value")
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if filter.offset, err = strconv.Atoi(raw); err != nil || filter.offset < 0 {
			return filter, errors.New("invalid offset value")
		}
	}
	return filter, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("time values must be RFC 3339")
	}
	return at, nil
}

func (f snapshotFilter) matches(artifact *store.Artifact) bool {
	if f.pinned != nil && artifact.Pinned != *f.pinned {
		return false
	}
	if !f.since.IsZero() && artifact.CreatedAt.Before(f.since) {
		return false
	}
	if !f.until.IsZero() && artifact.CreatedAt.After(f.until) {
		return false
	}
	return true
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := s.store.JobByID(r.Context(), jobID); err != nil {
		s.fail(w, err)
		return
	}
	filter, err := parseSnapshotFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	artifacts, err := s.index.List(r.Context(), jobID, filter.statuses...)
	if err != nil {
		s.fail(w, err)
		return
	}
	matched := make([]artifactJSON, 0, len(artifacts))
	for _, artifact := range artifacts {
		if filter.matches(artifact) {
			matched = append(matched, toArtifactJSON(artifact))
		}
	}
	total := len(matched)
	if filter.offset > total {
		filter.offset = total
	}
	matched = matched[filter.offset:]
	if len(matched) > filter.limit {
		matched = matched[:filter.limit]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":     total,
		"snapshots": matched,
	})
}

// snapshotDetail pairs an artifact with its pending delete task, if
// a deletion is in flight.
type snapshotDetail struct {
	Artifact artifactJSON    `json:"artifact"`
	Task     *taskJSON       `json:"task,omitempty"`
	Events   []taskEventJSON `json:"events,omitempty"`
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.artifactForRequest(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	detail := snapshotDetail{Artifact: toArtifactJSON(artifact)}
	task, err := s.store.ActiveTaskForDedupeKey(r.Context(), "delete:"+artifact.ID)
	switch {
	case err == nil:
		encoded := toTaskJSON(task)
		detail.Task = &encoded
		events, err := s.store.TaskEvents(r.Context(), task.ID)
		if err != nil {
			s.fail(w, err)
			return
		}
		for _, event := range events {
			detail.Events = append(detail.Events, toTaskEventJSON(event))
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

// deleteRequest covers both the single and bulk delete endpoints.
// Actor and reason are persisted on the artifact's deletion marker.
type deleteRequest struct {
	RunIDs []string `json:"run_ids,omitempty"`
	Force  bool     `json:"force"`
	Actor  string   `json:"actor"`
	Reason string   `json:"reason"`
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	artifact, err := s.artifactForRequest(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	enqueued, err := s.index.RequestDelete(r.Context(), artifact.ID, req.Force, req.Actor, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("snapshot delete requested",
		"artifact", artifact.Name, "actor", req.Actor, "force", req.Force, "reason", req.Reason)
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"enqueued": enqueued})
}

// bulkDeleteResult reports the outcome per run id; partial failure
// does not abort the batch.
type bulkDeleteResult struct {
	RunID    string `json:"run_id"`
	Enqueued bool   `json:"enqueued"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleBulkDeleteSnapshots(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if len(req.RunIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "run_ids must not be empty")
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	jobID := r.PathValue("id")
	if _, err := s.store.JobByID(r.Context(), jobID); err != nil {
		s.fail(w, err)
		return
	}
	results := make([]bulkDeleteResult, 0, len(req.RunIDs))
	for _, runID := range req.RunIDs {
		outcome := bulkDeleteResult{RunID: runID}
		artifact, err := s.jobArtifactForRun(r, jobID, runID)
		if err == nil {
			outcome.Enqueued, err = s.index.RequestDelete(r.Context(), artifact.ID, req.Force, req.Actor, req.Reason)
		}
		if err != nil {
			outcome.Error = err.Error()
		}
		results = append(results, outcome)
	}
	s.logger.Info("bulk snapshot delete requested",
		"job_id", jobID, "count", len(req.RunIDs), "force", req.Force, "reason", req.Reason)
	s.writeJSON(w, http.StatusAccepted, results)
}

// pinRequest names who is pinning; the actor lands in the artifact
// record for later audit.
type pinRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handlePinSnapshot(w http.ResponseWriter, r *http.Request) {
	s.setSnapshotPinned(w, r, true)
}

func (s *Server) handleUnpinSnapshot(w http.ResponseWriter, r *http.Request) {
	s.setSnapshotPinned(w, r, false)
}

func (s *Server) setSnapshotPinned(w http.ResponseWriter, r *http.Request, pinned bool) {
	var req pinRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	artifact, err := s.artifactForRequest(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if pinned {
		err = s.index.Pin(r.Context(), artifact.ID, req.Actor)
	} else {
		err = s.index.Unpin(r.Context(), artifact.ID, req.Actor)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	refreshed, err := s.index.Get(r.Context(), artifact.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toArtifactJSON(refreshed))
}

// artifactForRequest resolves {id}/{run} path values to the job's
// artifact for that run.
func (s *Server) artifactForRequest(r *http.Request) (*store.Artifact, error) {
	return s.jobArtifactForRun(r, r.PathValue("id"), r.PathValue("run"))
}

func (s *Server) jobArtifactForRun(r *http.Request, jobID, runID string) (*store.Artifact, error) {
	artifact, err := s.store.ArtifactForRun(r.Context(), runID)
	if err != nil {
		return nil, err
	}
	if artifact.JobID != jobID {
		return nil, store.ErrNotFound
	}
	return artifact, nil
}
