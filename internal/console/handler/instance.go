package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/spaceai-agent-core/internal/console/service"
	"github.com/xela07ax/spaceai-agent-core/internal/engine"
)

type InstanceHandler struct {
	service *service.InstanceService
}

func NewInstanceHandler(s *service.InstanceService) *InstanceHandler {
	return &InstanceHandler{service: s}
}

// Create: POST /v1/instances. Инстанс стартует асинхронно, ответ 202 со снапшотом.
func (h *InstanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inst, err := h.service.Create(r.Context(), actor(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inst)
}

func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	inst, err := h.service.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// Cancel: POST /v1/instances/{id}/cancel. Кооперативная: 202, финальное
// состояние видно в GET.
func (h *InstanceHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	inst, err := h.service.Cancel(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inst)
}
