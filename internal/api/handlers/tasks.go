// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/events"
	"github.com/autobrr/flowarr/internal/models"
)

type TasksHandler struct {
	tasks   *models.TaskStore
	history *models.TransferHistoryStore
	bus     Publisher
}

func NewTasksHandler(tasks *models.TaskStore, history *models.TransferHistoryStore, bus Publisher) *TasksHandler {
	return &TasksHandler{tasks: tasks, history: history, bus: bus}
}

func (h *TasksHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/files/deleted", h.FileDeleted)
	r.Route("/{hash}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/files", h.Files)
	})
}

func (h *TasksHandler) HistoryRoutes(r chi.Router) {
	r.Get("/", h.History)
	r.Delete("/{historyID}", h.DeleteHistory)
}

func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.TaskFilter{
		State: models.TaskState(q.Get("state")),
		Label: q.Get("label"),
	}
	filter.SubscriptionID, _ = strconv.Atoi(q.Get("subscriptionId"))
	filter.TMDBID, _ = strconv.Atoi(q.Get("tmdbId"))

	tasks, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		respondErr(w, err, "list tasks")
		return
	}
	RespondJSON(w, http.StatusOK, tasks)
}

func (h *TasksHandler) Get(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		respondErr(w, err, "get task")
		return
	}
	RespondJSON(w, http.StatusOK, task)
}

func (h *TasksHandler) Files(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if _, err := h.tasks.Get(r.Context(), hash); err != nil {
		respondErr(w, err, "get task")
		return
	}
	files, err := h.tasks.ListFiles(r.Context(), hash)
	if err != nil {
		respondErr(w, err, "list files")
		return
	}
	RespondJSON(w, http.StatusOK, files)
}

// FileDeleted is called by media servers or scripts when a library file has
// been removed. The file is marked deleted and the owning torrent is
// announced so subscriptions can re-acquire the episode.
func (h *TasksHandler) FileDeleted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FullPath string `json:"fullpath"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.FullPath) == "" {
		RespondError(w, http.StatusBadRequest, "fullpath is required")
		return
	}
	hash, err := h.tasks.MarkFileDeleted(r.Context(), req.FullPath)
	if err != nil {
		respondErr(w, err, "mark file deleted")
		return
	}
	if h.bus != nil {
		if err := h.bus.Publish(r.Context(), events.Event{
			Kind:    events.DownloadFileDeleted,
			Hash:    hash,
			Payload: events.FileDeletedPayload{FullPath: req.FullPath},
		}); err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("DownloadFileDeleted handlers failed")
		}
	}
	RespondJSON(w, http.StatusOK, map[string]string{"hash": hash})
}

// History accepts hash, tmdbId, title, since (RFC 3339), status and limit.
func (h *TasksHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.HistoryFilter{
		Hash:  q.Get("hash"),
		Title: q.Get("title"),
		Limit: limitParam(r, 100),
	}
	filter.TMDBID, _ = strconv.Atoi(q.Get("tmdbId"))
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = since
	}
	if raw := q.Get("status"); raw != "" {
		ok, err := strconv.ParseBool(raw)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "status must be a boolean")
			return
		}
		filter.Status = &ok
	}

	rows, err := h.history.List(r.Context(), filter)
	if err != nil {
		respondErr(w, err, "list history")
		return
	}
	RespondJSON(w, http.StatusOK, rows)
}

func (h *TasksHandler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "historyID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid history ID")
		return
	}
	if err := h.history.Delete(r.Context(), id); err != nil {
		respondErr(w, err, "delete history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
