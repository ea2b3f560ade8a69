package verification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/frahmantamala/identity-mesh/internal"
	"github.com/frahmantamala/identity-mesh/internal/identity"
)

// Responder is the authority-side end of the bridge: it answers verification
// requests arriving on the broker. Requests are independent; the broker
// dispatches each on its own goroutine and the identity service holds no
// mutable state, so replies proceed in parallel.
type Responder struct {
	svc    identity.ServiceAPI
	logger *slog.Logger
}

func NewResponder(svc identity.ServiceAPI, logger *slog.Logger) *Responder {
	return &Responder{svc: svc, logger: logger}
}

// Start subscribes the responder on the subject.
func (r *Responder) Start(broker Broker, subject string) error {
	r.logger.Info("verification responder listening", "subject", subject)
	return broker.Subscribe(subject, r.handle)
}

func (r *Responder) handle(ctx context.Context, data []byte) []byte {
	var req verifyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.logger.Warn("verification request malformed", "error", err)
		return mustMarshal(verifyReply{Error: replyErrInvalidToken})
	}

	result, err := r.svc.VerifyToken(ctx, req.JWT)
	if err != nil {
		r.logger.Debug("verification request denied", "request_id", req.ID)
		return mustMarshal(verifyReply{ID: req.ID, Error: replyCode(err)})
	}

	return mustMarshal(verifyReply{ID: req.ID, Exp: result.Exp, Payload: result.Payload})
}

func replyCode(err error) string {
	if errors.Is(err, internal.ErrTokenExpired) {
		return replyErrTokenExpired
	}
	return replyErrInvalidToken
}

func mustMarshal(reply verifyReply) []byte {
	// The reply types contain only marshalable fields.
	body, _ := json.Marshal(reply)
	return body
}
