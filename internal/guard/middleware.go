package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/frahmantamala/identity-mesh/internal/identity"
)

type contextKey struct{}

var payloadKey contextKey

// ContextWithPayload stores the verified token payload for downstream
// handlers.
func ContextWithPayload(ctx context.Context, payload identity.TokenPayload) context.Context {
	return context.WithValue(ctx, payloadKey, payload)
}

// PayloadFromContext retrieves the payload installed by Authenticate.
func PayloadFromContext(ctx context.Context) (identity.TokenPayload, bool) {
	payload, ok := ctx.Value(payloadKey).(identity.TokenPayload)
	return payload, ok
}

// Middleware authenticates bearer tokens and enforces policies. Every denial
// answers an identical 401 body; the actual cause is logged, never returned.
type Middleware struct {
	verifier TokenVerifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewMiddleware(verifier TokenVerifier, logger *slog.Logger) *Middleware {
	return &Middleware{
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Authenticate verifies the bearer token and installs its payload into the
// request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			m.reject(w, r, "missing or malformed authorization header")
			return
		}

		result, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.logger.Debug("token verification failed", "error", err, "path", r.URL.Path)
			m.reject(w, r, "token verification failed")
			return
		}

		if result.Exp <= m.now().Unix() {
			m.reject(w, r, "token expired")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPayload(r.Context(), result.Payload)))
	})
}

// Require returns a middleware enforcing the policy built from the given
// requirements. It must sit inside Authenticate.
func (m *Middleware) Require(requirements ...Requirement) func(http.Handler) http.Handler {
	policy := NewPolicy(requirements...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payload, ok := PayloadFromContext(r.Context())
			if !ok {
				m.reject(w, r, "no authenticated payload in context")
				return
			}

			if decision := policy.Authorize(payload); !decision.Allowed {
				m.logger.Info("request denied by policy",
					"user_id", payload.UserID,
					"facet", string(decision.Facet),
					"reason", decision.Reason,
					"path", r.URL.Path)
				m.reject(w, r, decision.Reason)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// reject answers the uniform denial. The reason stays in the logs so the
// response cannot be used to map out which check failed.
func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	m.logger.Debug("unauthorized request", "reason", reason, "path", r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
