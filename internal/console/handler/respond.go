package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/infra/auth"
)

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"` // код отказа для DenialError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит таксономию ошибок в HTTP статусы.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Error: err.Error(), Reason: domain.DenialReason(err)})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrTemplateNotFound),
		errors.Is(err, domain.ErrInstanceNotFound),
		errors.Is(err, domain.ErrToolCallNotFound),
		errors.Is(err, domain.ErrPolicyNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTemplateRetired):
		return http.StatusGone
	case errors.Is(err, domain.ErrAlreadyProcessed),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// actor достает актора, положенного auth middleware. Без него роут не зарегистрирован.
func actor(r *http.Request) domain.Actor {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Deny(domain.ErrInvalidArguments, "invalid_body", err.Error())
	}
	return nil
}
