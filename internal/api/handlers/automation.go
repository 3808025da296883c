// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/plugin"
	"github.com/autobrr/flowarr/internal/services/autodelete"
	"github.com/autobrr/flowarr/internal/services/brush"
	"github.com/autobrr/flowarr/internal/services/crossseed"
)

// BrushHandler manages brush tasks.
type BrushHandler struct {
	store *brush.TaskStore
}

func NewBrushHandler(store *brush.TaskStore) *BrushHandler {
	return &BrushHandler{store: store}
}

func (h *BrushHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Save)
	r.Get("/{name}", h.Get)
	r.Delete("/{name}", h.Delete)
}

func (h *BrushHandler) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.List(r.Context())
	if err != nil {
		respondErr(w, err, "list brush tasks")
		return
	}
	RespondJSON(w, http.StatusOK, tasks)
}

func (h *BrushHandler) Get(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondErr(w, err, "get brush task")
		return
	}
	RespondJSON(w, http.StatusOK, task)
}

// Save creates or replaces the task with the same name.
func (h *BrushHandler) Save(w http.ResponseWriter, r *http.Request) {
	var task brush.Task
	if err := decodeJSON(r, &task); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.store.Save(r.Context(), &task); err != nil {
		if errors.Is(err, brush.ErrInvalidTask) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondErr(w, err, "save brush task")
		return
	}
	RespondJSON(w, http.StatusOK, task)
}

func (h *BrushHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondErr(w, err, "delete brush task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AutoDeleteHandler manages seeding removal policies.
type AutoDeleteHandler struct {
	store   *autodelete.PolicyStore
	service *autodelete.Service
}

func NewAutoDeleteHandler(store *autodelete.PolicyStore, service *autodelete.Service) *AutoDeleteHandler {
	return &AutoDeleteHandler{store: store, service: service}
}

func (h *AutoDeleteHandler) Routes(r chi.Router) {
	r.Get("/policies", h.List)
	r.Post("/policies", h.Save)
	r.Delete("/policies/{name}", h.Delete)
	r.Get("/activity/{downloaderID}", h.Activity)
}

func (h *AutoDeleteHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.store.List(r.Context())
	if err != nil {
		respondErr(w, err, "list policies")
		return
	}
	RespondJSON(w, http.StatusOK, policies)
}

func (h *AutoDeleteHandler) Save(w http.ResponseWriter, r *http.Request) {
	var p autodelete.Policy
	if err := decodeJSON(r, &p); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.store.Save(r.Context(), &p); err != nil {
		if errors.Is(err, autodelete.ErrInvalidPolicy) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondErr(w, err, "save policy")
		return
	}
	RespondJSON(w, http.StatusOK, p)
}

func (h *AutoDeleteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondErr(w, err, "delete policy")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AutoDeleteHandler) Activity(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "downloaderID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid downloader ID")
		return
	}
	RespondJSON(w, http.StatusOK, h.service.Activity(id, limitParam(r, 0)))
}

// SeedTransferrer moves seeds between downloaders.
type SeedTransferrer interface {
	TransferSeed(ctx context.Context, req crossseed.SeedTransfer) (string, error)
	Pending() []string
}

type CrossSeedHandler struct {
	service SeedTransferrer
}

func NewCrossSeedHandler(service SeedTransferrer) *CrossSeedHandler {
	return &CrossSeedHandler{service: service}
}

func (h *CrossSeedHandler) Routes(r chi.Router) {
	r.Get("/pending", h.Pending)
	r.Post("/transfer", h.Transfer)
}

// Pending lists hashes added paused and waiting for their recheck.
func (h *CrossSeedHandler) Pending(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.service.Pending())
}

type transferRequest struct {
	From         int    `json:"from"`
	To           int    `json:"to"`
	Hash         string `json:"hash"`
	BackupDir    string `json:"backupDir"`
	SavePath     string `json:"savePath"`
	RemoveSource bool   `json:"removeSource"`
}

func (h *CrossSeedHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.From <= 0 || req.To <= 0 || req.From == req.To || req.Hash == "" || req.BackupDir == "" {
		RespondError(w, http.StatusBadRequest, "from, to, hash and backupDir are required and from must differ from to")
		return
	}
	hash, err := h.service.TransferSeed(r.Context(), crossseed.SeedTransfer{
		From:         req.From,
		To:           req.To,
		Hash:         req.Hash,
		BackupDir:    req.BackupDir,
		SavePath:     req.SavePath,
		RemoveSource: req.RemoveSource,
	})
	if err != nil {
		respondErr(w, err, "transfer seed")
		return
	}
	RespondJSON(w, http.StatusAccepted, map[string]string{"hash": hash})
}

// PluginRegistry is satisfied by *plugin.Registry.
type PluginRegistry interface {
	List() []plugin.Info
	SetEnabled(id string, enabled bool) error
}

type PluginsHandler struct {
	registry PluginRegistry
}

func NewPluginsHandler(registry PluginRegistry) *PluginsHandler {
	return &PluginsHandler{registry: registry}
}

func (h *PluginsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Put("/{pluginID}/enabled", h.SetEnabled)
}

func (h *PluginsHandler) List(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.registry.List())
}

// SetEnabled accepts ?value=true|false.
func (h *PluginsHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pluginID")
	enabled, err := strconv.ParseBool(r.URL.Query().Get("value"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "value must be a boolean")
		return
	}
	if err := h.registry.SetEnabled(id, enabled); err != nil {
		if errors.Is(err, plugin.ErrPluginNotFound) {
			RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondErr(w, err, "set plugin state")
		return
	}
	log.Info().Str("plugin", id).Bool("enabled", enabled).Msg("Plugin state changed")
	w.WriteHeader(http.StatusNoContent)
}
