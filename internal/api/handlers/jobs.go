// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/scheduler"
)

// JobRunner is the part of the scheduler the API exposes.
type JobRunner interface {
	List() []scheduler.JobInfo
	RunNow(id string, overrides map[string]any) error
}

type JobsHandler struct {
	jobs JobRunner
}

func NewJobsHandler(jobs JobRunner) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/{jobID}/run", h.Run)
}

func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.jobs.List())
}

// Run triggers a job outside its schedule. The optional body is passed to the
// handler as parameter overrides.
func (h *JobsHandler) Run(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	var overrides map[string]any
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &overrides); err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	err := h.jobs.RunNow(id, overrides)
	switch {
	case err == nil:
		log.Info().Str("job", id).Msg("Job triggered via API")
		RespondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	case errors.Is(err, scheduler.ErrJobNotFound):
		RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrJobAlreadyRunning):
		RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondErr(w, err, "run job")
	}
}
