package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/spaceai-agent-core/internal/console/service"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

type TemplateHandler struct {
	service *service.TemplateService
}

func NewTemplateHandler(s *service.TemplateService) *TemplateHandler {
	return &TemplateHandler{service: s}
}

// Create: POST /v1/templates
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var t domain.AgentTemplate
	if err := decode(r, &t); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.service.Create(r.Context(), actor(r), &t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// PublishVersion: POST /v1/templates/{id}/versions
func (h *TemplateHandler) PublishVersion(w http.ResponseWriter, r *http.Request) {
	var draft domain.AgentTemplate
	if err := decode(r, &draft); err != nil {
		writeError(w, err)
		return
	}
	next, err := h.service.PublishVersion(r.Context(), actor(r), chi.URLParam(r, "id"), &draft)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, next)
}

// Retire: POST /v1/templates/{id}/retire
func (h *TemplateHandler) Retire(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Retire(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get: GET /v1/templates/{id}?version=N
func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
		version = n
	}
	t, err := h.service.Get(r.Context(), actor(r), chi.URLParam(r, "id"), version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
