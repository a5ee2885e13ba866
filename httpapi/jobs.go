// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/keepsake-foundation/keepsake/scheduler"
	"github.com/keepsake-foundation/keepsake/store"
)

// jobRequest is the body of job create and update calls.
type jobRequest struct {
	Name      string      `json:"name"`
	Node      string      `json:"node"`
	Schedule  string      `json:"schedule"`
	Timezone  string      `json:"timezone"`
	Overlap   string      `json:"overlap"`
	Target    targetJSON  `json:"target"`
	Retention *policyJSON `json:"retention"`
	Source    string      `json:"source"`
	Recipient string      `json:"recipient"`
}

func (req jobRequest) spec() scheduler.JobSpec {
	overlap := store.OverlapPolicy(req.Overlap)
	if overlap == "" {
		overlap = store.OverlapQueue
	}
	spec := scheduler.JobSpec{
		Name:      req.Name,
		Node:      req.Node,
		Schedule:  req.Schedule,
		Timezone:  req.Timezone,
		Overlap:   overlap,
		Target:    req.Target.descriptor(),
		Source:    req.Source,
		Recipient: req.Recipient,
	}
	if req.Retention != nil {
		spec.Retention = req.Retention.policy()
	}
	return spec
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]jobJSON, 0, len(jobs))
	for _, job := range jobs {
		encoded, err := toJobJSON(job)
		if err != nil {
			s.fail(w, err)
			return
		}
		out = append(out, encoded)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	job, err := s.scheduler.CreateJob(r.Context(), req.spec())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	encoded, err := toJobJSON(job)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, encoded)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.JobByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	encoded, err := toJobJSON(job)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encoded)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	job, err := s.scheduler.UpdateJob(r.Context(), r.PathValue("id"), req.spec())
	if err != nil {
		if errNotFound(err) {
			s.fail(w, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	encoded, err := toJobJSON(job)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encoded)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleEnableJob(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, true)
}

func (s *Server) handleDisableJob(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, false)
}

func (s *Server) setJobEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if err := s.scheduler.SetJobEnabled(r.Context(), r.PathValue("id"), enabled); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	run, err := s.scheduler.Trigger(r.Context(), r.PathValue("id"), store.TriggerManual)
	if err != nil {
		if errNotFound(err) {
			s.fail(w, err)
			return
		}
		s.writeError(w, http.StatusConflict, "%v", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, toRunJSON(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := s.store.JobByID(r.Context(), jobID); err != nil {
		s.fail(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit %q", raw)
			return
		}
		limit = parsed
	}
	runs, err := s.store.ListRuns(r.Context(), jobID, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunJSON(run))
	}
	s.writeJSON(w, http.StatusOK, out)
}
