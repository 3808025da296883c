// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/models"
)

const connectionTestTimeout = 30 * time.Second

// ClientPool is the part of *downloader.Manager the handlers use.
type ClientPool interface {
	Get(ctx context.Context, id int) (downloader.Client, error)
	Remove(id int)
	ResetFailureTracking(id int)
}

type DownloadersHandler struct {
	store    *models.DownloaderStore
	errStore *models.DownloaderErrorStore
	pool     ClientPool
}

func NewDownloadersHandler(store *models.DownloaderStore, errorStore *models.DownloaderErrorStore, pool ClientPool) *DownloadersHandler {
	return &DownloadersHandler{store: store, errStore: errorStore, pool: pool}
}

func (h *DownloadersHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Route("/{downloaderID}", func(r chi.Router) {
		r.Put("/", h.Update)
		r.Delete("/", h.Delete)
		r.Put("/status", h.UpdateStatus)
		r.Post("/test", h.TestConnection)
		r.Get("/errors", h.Errors)
	})
}

// DownloaderResponse is the stored row with the password left out.
type DownloaderResponse struct {
	ID               int                   `json:"id"`
	Name             string                `json:"name"`
	Kind             models.DownloaderKind `json:"kind"`
	Host             string                `json:"host"`
	Port             int                   `json:"port"`
	Username         string                `json:"username"`
	TLSSkipVerify    bool                  `json:"tlsSkipVerify"`
	CategoryEnabled  bool                  `json:"categoryEnabled"`
	Labels           []string              `json:"labels"`
	IsDefault        bool                  `json:"isDefault"`
	IsActive         bool                  `json:"isActive"`
	ConnectionStatus string                `json:"connectionStatus,omitempty"`
}

// TestConnectionResponse reports a live stats call against the downloader.
type TestConnectionResponse struct {
	Connected bool          `json:"connected"`
	Message   string        `json:"message,omitempty"`
	Stats     *statsPayload `json:"stats,omitempty"`
}

type statsPayload struct {
	DlSpeed   int64 `json:"dlSpeed"`
	UpSpeed   int64 `json:"upSpeed"`
	FreeSpace int64 `json:"freeSpace"`
}

func (h *DownloadersHandler) buildResponse(d *models.Downloader) DownloaderResponse {
	resp := DownloaderResponse{
		ID:              d.ID,
		Name:            d.Name,
		Kind:            d.Kind,
		Host:            d.Host,
		Port:            d.Port,
		Username:        d.Username,
		TLSSkipVerify:   d.TLSSkipVerify,
		CategoryEnabled: d.CategoryEnabled,
		Labels:          d.Labels,
		IsDefault:       d.IsDefault,
		IsActive:        d.IsActive,
	}
	if !d.IsActive {
		resp.ConnectionStatus = "disabled"
	}
	return resp
}

// List never dials a downloader. Use the test endpoint for a live check.
func (h *DownloadersHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		respondErr(w, err, "list downloaders")
		return
	}
	out := make([]DownloaderResponse, 0, len(list))
	for _, d := range list {
		out = append(out, h.buildResponse(d))
	}
	RespondJSON(w, http.StatusOK, out)
}

func (h *DownloadersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in models.DownloaderInput
	if err := decodeJSON(r, &in); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if in.Name == "" || in.Host == "" {
		RespondError(w, http.StatusBadRequest, "Name and host are required")
		return
	}
	d, err := h.store.Create(r.Context(), &in)
	if err != nil {
		if isValidation(err) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondErr(w, err, "create downloader")
		return
	}

	go h.testConnectionAsync(d.ID)

	RespondJSON(w, http.StatusCreated, h.buildResponse(d))
}

func (h *DownloadersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "downloaderID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid downloader ID")
		return
	}
	var in models.DownloaderInput
	if err := decodeJSON(r, &in); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if in.Name == "" || in.Host == "" {
		RespondError(w, http.StatusBadRequest, "Name and host are required")
		return
	}
	in.ID = id

	d, err := h.store.Update(r.Context(), &in)
	if err != nil {
		if isValidation(err) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondErr(w, err, "update downloader")
		return
	}

	// Force a fresh client with the new settings
	h.pool.Remove(id)
	go h.testConnectionAsync(id)

	RespondJSON(w, http.StatusOK, h.buildResponse(d))
}

func (h *DownloadersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "downloaderID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid downloader ID")
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		respondErr(w, err, "delete downloader")
		return
	}
	h.pool.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// UpdateStatus toggles whether the downloader is used at all.
func (h *DownloadersHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "downloaderID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid downloader ID")
		return
	}
	var req struct {
		IsActive bool `json:"isActive"`
	}
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	d, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err, "get downloader")
		return
	}
	d.IsActive = req.IsActive
	updated, err := h.store.Update(r.Context(), &models.DownloaderInput{Downloader: *d})
	if err != nil {
		respondErr(w, err, "update downloader status")
		return
	}

	if !req.IsActive {
		h.pool.Remove(id)
	} else {
		h.pool.ResetFailureTracking(id)
		go h.testConnectionAsync(id)
	}
	RespondJSON(w, http.StatusOK, h.buildResponse(updated))
}

func (h *DownloadersHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "downloaderID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid downloader ID")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), connectionTestTimeout)
	defer cancel()

	client, err := h.pool.Get(ctx, id)
	if err != nil {
		RespondJSON(w, http.StatusOK, TestConnectionResponse{Message: err.Error()})
		return
	}
	stats, err := client.Stats(ctx)
	if err != nil {
		RespondJSON(w, http.StatusOK, TestConnectionResponse{Message: err.Error()})
		return
	}
	RespondJSON(w, http.StatusOK, TestConnectionResponse{
		Connected: true,
		Message:   "Connection successful",
		Stats:     &statsPayload{DlSpeed: stats.DlSpeed, UpSpeed: stats.UpSpeed, FreeSpace: stats.FreeSpace},
	})
}

func (h *DownloadersHandler) Errors(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "downloaderID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid downloader ID")
		return
	}
	list, err := h.errStore.List(r.Context(), id)
	if err != nil {
		respondErr(w, err, "list downloader errors")
		return
	}
	RespondJSON(w, http.StatusOK, list)
}

func (h *DownloadersHandler) testConnectionAsync(id int) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTestTimeout)
	defer cancel()

	client, err := h.pool.Get(ctx, id)
	if err != nil {
		log.Debug().Err(err).Int("downloaderID", id).Msg("Async connection test failed")
		return
	}
	if _, err := client.Stats(ctx); err != nil {
		log.Debug().Err(err).Int("downloaderID", id).Msg("Async stats check failed")
		return
	}
	log.Debug().Int("downloaderID", id).Msg("Async connection test succeeded")
}

func isValidation(err error) bool {
	return errors.Is(err, models.ErrDownloaderKindInvalid) || errors.Is(err, models.ErrDownloaderHostInvalid)
}
