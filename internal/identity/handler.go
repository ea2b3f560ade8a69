package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/frahmantamala/identity-mesh/internal"
	"github.com/frahmantamala/identity-mesh/internal/transport"
	"github.com/frahmantamala/identity-mesh/pkg/logger"
)

type Handler struct {
	*transport.BaseHandler
	Service     ServiceAPI
	Federation  *Federation
	FrontendURL string
}

func NewHandler(svc ServiceAPI, federation *Federation, frontendURL string) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     svc,
		Federation:  federation,
		FrontendURL: frontendURL,
	}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var dto LoginDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.Service.Login(r.Context(), dto)
	if err != nil {
		h.writeServiceError(w, r, "login failed", err)
		return
	}

	h.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var dto SignupDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.Service.Signup(r.Context(), dto)
	if err != nil {
		h.writeServiceError(w, r, "signup failed", err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, user)
}

// GoogleAuth starts the federated handshake; the requested service context
// rides along as the oauth2 state.
func (h *Handler) GoogleAuth(w http.ResponseWriter, r *http.Request) {
	if h.Federation == nil || !h.Federation.Configured() {
		h.WriteError(w, http.StatusServiceUnavailable, "federated login is not configured")
		return
	}

	serviceName := r.URL.Query().Get("service_name")
	http.Redirect(w, r, h.Federation.AuthURL(serviceName), http.StatusTemporaryRedirect)
}

// GoogleCallback finishes the handshake: exchanges the code, resolves or
// creates the federated user, mints a token and bounces to the front end.
func (h *Handler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.Federation == nil || !h.Federation.Configured() {
		h.WriteError(w, http.StatusServiceUnavailable, "federated login is not configured")
		return
	}

	query := r.URL.Query()
	code := query.Get("code")
	if code == "" {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	serviceName := query.Get("state")

	profile, err := h.Federation.Exchange(r.Context(), code)
	if err != nil {
		h.Logger.Error("federated exchange failed", "error", err)
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	session, err := h.Service.FederatedLogin(r.Context(), profile, serviceName)
	if err != nil {
		h.writeServiceError(w, r, "federated login failed", err)
		return
	}

	redirect := fmt.Sprintf("%s/login/success?token=%s", h.FrontendURL, url.QueryEscape(session.Token))
	http.Redirect(w, r, redirect, http.StatusFound)
}

// ForgetPassword always answers success-shaped so the endpoint cannot be
// used to probe which addresses have accounts.
func (h *Handler) ForgetPassword(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		h.WriteError(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := h.Service.RequestPasswordReset(r.Context(), email); err != nil {
		if appErr, ok := internal.IsAppError(err); ok && appErr.Type == internal.ErrorTypeNotFound {
			h.Logger.Info("password reset requested for unknown email")
		} else {
			h.Logger.Error("password reset request failed", "error", err)
		}
	}

	h.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var dto ResetPasswordDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Service.ResetPassword(r.Context(), dto); err != nil {
		h.writeServiceError(w, r, "password reset failed", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.WriteError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := h.Service.VerifyEmail(r.Context(), token); err != nil {
		h.writeServiceError(w, r, "email verification failed", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps core errors onto the transport taxonomy without
// leaking internal detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.Logger.Error(msg, "error", err, "path", r.URL.Path)

	if _, ok := err.(ValidationError); ok {
		h.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if appErr, ok := internal.IsAppError(err); ok {
		h.WriteError(w, appErr.StatusCode, appErr.Message)
		return
	}

	h.WriteError(w, http.StatusInternalServerError, "internal server error")
}
