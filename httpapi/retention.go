// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/keepsake-foundation/keepsake/retention"
)

// retentionView reports both the job's own policy and the resolved
// effective one, so callers can tell a job-specific policy from the
// global default.
type retentionView struct {
	Policy    *policyJSON `json:"policy,omitempty"`
	Effective *policyJSON `json:"effective,omitempty"`
	Source    string      `json:"source"`
}

func (s *Server) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.JobByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	view := retentionView{Source: "none"}
	if job.Retention != nil {
		view.Source = "job"
	} else if s.retention.Defaults() != nil {
		view.Source = "default"
	}
	effective, applies, err := retention.Effective(job, s.retention.Defaults())
	if err != nil {
		s.fail(w, err)
		return
	}
	if applies {
		encoded := toPolicyJSON(effective)
		view.Effective = &encoded
	}
	if job.Retention != nil {
		encoded, err := toJobJSON(job)
		if err != nil {
			s.fail(w, err)
			return
		}
		view.Policy = encoded.Retention
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePutRetention(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Policy *policyJSON `json:"policy"`
	}
	if err := readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	var policy *retention.Policy
	if body.Policy != nil {
		policy = body.Policy.policy()
	}
	if err := s.scheduler.SetJobRetention(r.Context(), r.PathValue("id"), policy); err != nil {
		if errNotFound(err) {
			s.fail(w, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.handleGetRetention(w, r)
}

// retentionDecision is the JSON shape of a retention dry run.
type retentionDecision struct {
	Keep       []artifactJSON `json:"keep"`
	Candidates []artifactJSON `json:"candidates"`
}

func (s *Server) handlePreviewRetention(w http.ResponseWriter, r *http.Request) {
	decision, err := s.retention.Preview(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := retentionDecision{
		Keep:       make([]artifactJSON, 0, len(decision.Keep)),
		Candidates: make([]artifactJSON, 0, len(decision.Candidates)),
	}
	for _, artifact := range decision.Keep {
		out.Keep = append(out.Keep, toArtifactJSON(artifact))
	}
	for _, artifact := range decision.Candidates {
		out.Candidates = append(out.Candidates, toArtifactJSON(artifact))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApplyRetention(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.retention.Apply(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": deleted})
}
