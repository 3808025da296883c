// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/events"
	"github.com/autobrr/flowarr/internal/models"
)

// Publisher is satisfied by *events.Bus.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

type SitesHandler struct {
	store *models.SiteStore
	bus   Publisher
}

func NewSitesHandler(store *models.SiteStore, bus Publisher) *SitesHandler {
	return &SitesHandler{store: store, bus: bus}
}

func (h *SitesHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Route("/{siteID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Delete("/", h.Delete)
	})
}

// siteView hides the cookie behind the usual redaction.
type siteView struct {
	*models.Site
	Cookie string `json:"cookie,omitempty"`
}

func viewSite(s *models.Site) siteView {
	return siteView{Site: s, Cookie: domain.RedactString(s.Cookie)}
}

func (h *SitesHandler) List(w http.ResponseWriter, r *http.Request) {
	sites, err := h.store.List(r.Context())
	if err != nil {
		respondErr(w, err, "list sites")
		return
	}
	out := make([]siteView, 0, len(sites))
	for _, s := range sites {
		out = append(out, viewSite(s))
	}
	RespondJSON(w, http.StatusOK, out)
}

func (h *SitesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "siteID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid site ID")
		return
	}
	site, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err, "get site")
		return
	}
	RespondJSON(w, http.StatusOK, viewSite(site))
}

func (h *SitesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var site models.Site
	if err := decodeJSON(r, &site); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if site.Name == "" || site.Domain == "" {
		RespondError(w, http.StatusBadRequest, "Name and domain are required")
		return
	}
	created, err := h.store.Create(r.Context(), &site)
	if err != nil {
		if errors.Is(err, models.ErrSiteDomainInvalid) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondErr(w, err, "create site")
		return
	}
	log.Info().Int("siteID", created.ID).Str("domain", created.Domain).Msg("Site created")
	RespondJSON(w, http.StatusCreated, viewSite(created))
}

func (h *SitesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "siteID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid site ID")
		return
	}
	var site models.Site
	if err := decodeJSON(r, &site); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	existing, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err, "get site")
		return
	}
	if domain.IsRedactedString(site.Cookie) {
		site.Cookie = existing.Cookie
	}
	site.ID = id

	updated, err := h.store.Update(r.Context(), &site)
	if err != nil {
		if errors.Is(err, models.ErrSiteDomainInvalid) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondErr(w, err, "update site")
		return
	}
	RespondJSON(w, http.StatusOK, viewSite(updated))
}

// Delete removes the site and announces it so cached gate state is dropped.
func (h *SitesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "siteID")
	if !ok {
		RespondError(w, http.StatusBadRequest, "Invalid site ID")
		return
	}
	site, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err, "get site")
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		respondErr(w, err, "delete site")
		return
	}
	if h.bus != nil {
		if err := h.bus.Publish(r.Context(), events.Event{
			Kind:    events.SiteDeleted,
			Payload: events.SitePayload{SiteID: site.ID, Domain: site.Domain},
		}); err != nil {
			log.Warn().Err(err).Int("siteID", id).Msg("SiteDeleted handlers failed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
