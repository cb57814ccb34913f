package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"neustream/internal/models"
	"neustream/internal/storage"
)

// Sources lists the caller's ingest sources (GET) or creates one (POST).
func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"sources": h.Store.ListSources(user.ID)})
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		source, err := h.Store.CreateSource(user.ID, req.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, source)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// SourceByID dispatches /api/sources/{id} and its rotate-key and
// destinations subresources.
func (h *Handler) SourceByID(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/sources/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("source id is required"))
		return
	}
	source, found := h.Store.GetSource(id)
	if !found || source.UserID != user.ID {
		writeError(w, http.StatusNotFound, fmt.Errorf("source not found"))
		return
	}

	switch sub {
	case "":
		h.sourceResource(w, r, source)
	case "rotate-key":
		h.rotateSourceKey(w, r, source)
	case "destinations":
		h.sourceDestinations(w, r, source)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown resource"))
	}
}

func (h *Handler) sourceResource(w http.ResponseWriter, r *http.Request, source models.StreamSource) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, source)
	case http.MethodPatch:
		var req struct {
			Name   *string `json:"name"`
			Active *bool   `json:"active"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := h.Store.UpdateSource(source.ID, storage.SourceUpdate{Name: req.Name, Active: req.Active})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := h.Store.DeleteSource(source.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	default:
		w.Header().Set("Allow", "GET, PATCH, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) rotateSourceKey(w http.ResponseWriter, r *http.Request, source models.StreamSource) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	rotated, err := h.Store.RotateSourceKey(source.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rotated)
}

func (h *Handler) sourceDestinations(w http.ResponseWriter, r *http.Request, source models.StreamSource) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"destinations": h.Store.ListDestinations(source.ID)})
	case http.MethodPost:
		var req struct {
			Platform  string `json:"platform"`
			RTMPURL   string `json:"rtmpUrl"`
			StreamKey string `json:"streamKey"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		dest, err := h.Store.CreateDestination(storage.CreateDestinationParams{
			SourceID:  source.ID,
			UserID:    source.UserID,
			Platform:  models.Platform(req.Platform),
			RTMPURL:   req.RTMPURL,
			StreamKey: req.StreamKey,
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			if errors.Is(err, storage.ErrDestinationKeyConflict) {
				writeError(w, http.StatusConflict, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, dest)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// DestinationByID updates or removes a single forwarding destination.
func (h *Handler) DestinationByID(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/destinations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("destination id is required"))
		return
	}
	dest, found := h.Store.GetDestination(id)
	if !found || dest.UserID != user.ID {
		writeError(w, http.StatusNotFound, fmt.Errorf("destination not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, dest)
	case http.MethodPatch:
		var req struct {
			Platform  *string `json:"platform"`
			RTMPURL   *string `json:"rtmpUrl"`
			StreamKey *string `json:"streamKey"`
			Active    *bool   `json:"active"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		update := storage.DestinationUpdate{
			RTMPURL:   req.RTMPURL,
			StreamKey: req.StreamKey,
			Active:    req.Active,
		}
		if req.Platform != nil {
			platform := models.Platform(*req.Platform)
			update.Platform = &platform
		}
		updated, err := h.Store.UpdateDestination(dest.ID, update)
		if err != nil {
			if errors.Is(err, storage.ErrDestinationKeyConflict) {
				writeError(w, http.StatusConflict, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := h.Store.DeleteDestination(dest.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	default:
		w.Header().Set("Allow", "GET, PATCH, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
