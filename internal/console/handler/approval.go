package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/spaceai-agent-core/internal/console/service"
)

type ApprovalHandler struct {
	service *service.ApprovalService
}

func NewApprovalHandler(s *service.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

// List: очередь pending_approval, видимая актору.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Pending(r.Context(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type DecideRequest struct {
	Reason string `json:"reason"`
}

func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *ApprovalHandler) decide(w http.ResponseWriter, r *http.Request, approved bool) {
	var req DecideRequest
	// Тело опционально
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	c, err := h.service.Decide(r.Context(), actor(r), chi.URLParam(r, "id"), approved, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
