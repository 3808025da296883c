// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
)

type HealthHandler struct {
	version string
	ready   func() bool
}

// NewHealthHandler reports ready once ready returns true. A nil ready is
// always ready.
func NewHealthHandler(version string, ready func() bool) *HealthHandler {
	return &HealthHandler{version: version, ready: ready}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
