// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/keepsake-foundation/keepsake/store"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var statuses []store.TaskStatus
	for _, raw := range query["status"] {
		statuses = append(statuses, store.TaskStatus(raw))
	}
	limit := 100
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit %q", raw)
			return
		}
		limit = parsed
	}
	tasks, err := s.store.ListTasks(r.Context(), limit, statuses...)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]taskJSON, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, toTaskJSON(task))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.store.TaskByID(r.Context(), taskID); err != nil {
		s.fail(w, err)
		return
	}
	events, err := s.store.TaskEvents(r.Context(), taskID)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]taskEventJSON, 0, len(events))
	for _, event := range events {
		out = append(out, toTaskEventJSON(event))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.queue.RetryNow)
}

func (s *Server) handleIgnoreTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.taskTransition(w, r, func(ctx context.Context, taskID string) error {
		return s.queue.Ignore(ctx, taskID, req.Actor, req.Reason)
	})
}

func (s *Server) handleUnignoreTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.queue.Unignore)
}

func (s *Server) taskTransition(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, taskID string) error) {
	taskID := r.PathValue("id")
	if err := transition(r.Context(), taskID); err != nil {
		if errNotFound(err) {
			s.fail(w, err)
			return
		}
		s.writeError(w, http.StatusConflict, "%v", err)
		return
	}
	task, err := s.store.TaskByID(r.Context(), taskID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTaskJSON(task))
}
