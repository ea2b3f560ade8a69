package rest

import (
	"log/slog"
	"net/http"

	"github.com/frahmantamala/identity-mesh/internal"
	"github.com/frahmantamala/identity-mesh/internal/guard"
	"github.com/frahmantamala/identity-mesh/internal/identity"
	"github.com/frahmantamala/identity-mesh/internal/transport"
)

// UserHandler serves the authenticated self-service endpoints. The guard
// middleware has already verified the token and parked its payload in the
// context.
type UserHandler struct {
	*transport.BaseHandler
	svc identity.ServiceAPI
}

func NewUserHandler(svc identity.ServiceAPI, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		BaseHandler: transport.NewBaseHandler(logger),
		svc:         svc,
	}
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	payload, ok := guard.PayloadFromContext(r.Context())
	if !ok {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.svc.CurrentUser(r.Context(), payload.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, user)
}

func (h *UserHandler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	payload, ok := guard.PayloadFromContext(r.Context())
	if !ok {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.svc.DeleteAccount(r.Context(), payload.UserID); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) writeServiceError(w http.ResponseWriter, err error) {
	if appErr, ok := internal.IsAppError(err); ok {
		h.WriteError(w, appErr.StatusCode, appErr.Message)
		return
	}
	h.WriteError(w, http.StatusInternalServerError, "internal server error")
}
