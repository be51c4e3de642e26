package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/spaceai-agent-core/internal/console/service"
)

type DashboardHandler struct {
	service *service.AdminService
}

func NewDashboardHandler(s *service.AdminService) *DashboardHandler {
	return &DashboardHandler{service: s}
}

func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Dashboard(r.Context(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type strictRequest struct {
	Enabled bool `json:"enabled"`
}

// SetStrict: PUT /v1/strict/{ownerID}
func (h *DashboardHandler) SetStrict(w http.ResponseWriter, r *http.Request) {
	var req strictRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.SetStrict(r.Context(), actor(r), chi.URLParam(r, "ownerID"), req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
