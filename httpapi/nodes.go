// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/keepsake-foundation/keepsake/lib/secret"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.registry.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]nodeJSON, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, toNodeJSON(node))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnrollNode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	enrollment, err := s.registry.Enroll(r.Context(), body.Name)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.logger.Info("node enrolled", "name", body.Name, "node_id", enrollment.NodeID)
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"node_id": enrollment.NodeID,
		"secret":  enrollment.Secret,
	})
}

func (s *Server) handleRevokeNode(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Revoke(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleDistribute seals the node's vault namespace to the supplied
// age recipient so the bundle can be carried to the node out of band.
func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipient string `json:"recipient"`
	}
	if err := readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	bundle, err := s.registry.Distribute(r.Context(), r.PathValue("id"), body.Recipient)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"bundle": bundle})
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := s.registry.Vault().List(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, names)
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if body.Value == "" {
		s.writeError(w, http.StatusBadRequest, "secret value must not be empty")
		return
	}
	nodeID := r.PathValue("id")
	if _, err := s.registry.Node(r.Context(), nodeID); err != nil {
		s.fail(w, err)
		return
	}
	buffer, err := secret.NewFromBytes([]byte(body.Value))
	if err != nil {
		s.fail(w, err)
		return
	}
	defer buffer.Close()
	if err := s.registry.Vault().Put(r.Context(), nodeID, r.PathValue("name"), buffer); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Vault().Delete(r.Context(), r.PathValue("id"), r.PathValue("name")); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
