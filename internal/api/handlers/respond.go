// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

// RespondJSON writes data as JSON with the given status.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, errorResponse{Error: message})
}

// respondErr maps an error onto a status code by its kind.
func respondErr(w http.ResponseWriter, err error, op string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrSiteNotFound),
		errors.Is(err, models.ErrSubscriptionNotFound),
		errors.Is(err, models.ErrTaskNotFound),
		errors.Is(err, models.ErrFileNotFound),
		errors.Is(err, models.ErrDownloaderNotFound),
		errors.Is(err, models.ErrTransferHistoryNotFound),
		errors.Is(err, models.ErrKeyNotFound):
		status = http.StatusNotFound
	default:
		switch domain.KindOf(err) {
		case domain.KindNotFound:
			status = http.StatusNotFound
		case domain.KindAlreadyExists:
			status = http.StatusConflict
		case domain.KindPreconditionFailed:
			status = http.StatusBadRequest
		case domain.KindDownloaderUnavailable, domain.KindRateLimited, domain.KindBlocked:
			status = http.StatusServiceUnavailable
		}
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Msg("Request failed")
	}
	RespondError(w, status, err.Error())
}

func decodeJSON(r *http.Request, dest any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func intParam(r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func limitParam(r *http.Request, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return fallback
}
