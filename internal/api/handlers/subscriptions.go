// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
)

const searchOneTimeout = 30 * time.Minute

type Subscriber interface {
	Add(ctx context.Context, sub *models.Subscription) (*models.Subscription, bool, error)
	SearchOne(ctx context.Context, id int) (*notify.RunSummary, error)
}

type SubscriptionsHandler struct {
	store   *models.SubscriptionStore
	service Subscriber
}

func NewSubscriptionsHandler(store *models.SubscriptionStore, service Subscriber) *SubscriptionsHandler {
	return &SubscriptionsHandler{store: store, service: service}
}

func (h *SubscriptionsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Route("/{subscriptionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Post("/search", h.Search)
	})
}

// List accepts ?state=N|R.
func (h *SubscriptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	state := models.SubscriptionState(r.URL.Query().Get("state"))
	subs, err := h.store.List(r.Context(), state)
	if err != nil {
		respondErr(w, err, "list subscriptions")
		return
	}
	RespondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "subscriptionID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid subscription ID")
		return
	}
	sub, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err, "get subscription")
		return
	}
	RespondJSON(w, http.StatusOK, sub)
}

// Create returns 201 for a new subscription and 200 when an identical one
// already existed.
func (h *SubscriptionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var sub models.Subscription
	if err := decodeJSON(r, &sub); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if sub.Type != models.MediaMovie && sub.Type != models.MediaTV {
		RespondError(w, http.StatusBadRequest, "type must be movie or tv")
		return
	}
	created, isNew, err := h.service.Add(r.Context(), &sub)
	if err != nil {
		respondErr(w, err, "add subscription")
		return
	}
	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	RespondJSON(w, status, created)
}

func (h *SubscriptionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "subscriptionID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid subscription ID")
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		respondErr(w, err, "delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search runs a one-off search for the subscription in the background.
func (h *SubscriptionsHandler) Search(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "subscriptionID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid subscription ID")
		return
	}
	if _, err := h.store.Get(r.Context(), id); err != nil {
		respondErr(w, err, "get subscription")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), searchOneTimeout)
		defer cancel()
		summary, err := h.service.SearchOne(ctx, id)
		if err != nil {
			log.Error().Err(err).Int("subscriptionID", id).Msg("Subscription search failed")
			return
		}
		added, failed, _ := summary.Counts()
		log.Info().Int("subscriptionID", id).Int("added", added).Int("failed", failed).Msg("Subscription search finished")
	}()

	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "searching"})
}
