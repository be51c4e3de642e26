package handler

import (
	"net/http"

	"github.com/xela07ax/spaceai-agent-core/internal/console/service"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// List возвращает политики, доступные актору
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.List(r.Context(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

// Update: PUT /v1/policies. Одна политика на (scope, subject_id).
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if err := decode(r, &p); err != nil {
		writeError(w, err)
		return
	}
	saved, err := h.service.Update(r.Context(), actor(r), &p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
