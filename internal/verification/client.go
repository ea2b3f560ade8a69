package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/frahmantamala/identity-mesh/internal"
	"github.com/frahmantamala/identity-mesh/internal/identity"
)

// verifyRequest and verifyReply form the wire contract of the bridge. The
// token travels under the "jwt" key so independently written mesh clients
// interoperate; the request id correlates replies in logs on both sides.
type verifyRequest struct {
	ID  string `json:"id,omitempty"`
	JWT string `json:"jwt"`
}

type verifyReply struct {
	ID      string                `json:"id"`
	Error   string                `json:"error,omitempty"`
	Exp     int64                 `json:"exp,omitempty"`
	Payload identity.TokenPayload `json:"payload,omitempty"`
}

const (
	replyErrInvalidToken = "invalid_token"
	replyErrTokenExpired = "token_expired"
)

// RemoteVerifier verifies tokens by asking the authority over the broker.
// Every call is bounded by the configured timeout and fails closed: a timed
// out, failed or malformed exchange denies the token. There are no retries;
// the caller simply re-requests.
type RemoteVerifier struct {
	broker Broker
	cfg    internal.VerificationConfig
	logger *slog.Logger
}

func NewRemoteVerifier(broker Broker, cfg internal.VerificationConfig, logger *slog.Logger) (*RemoteVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RemoteVerifier{broker: broker, cfg: cfg, logger: logger}, nil
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (identity.VerifyResult, error) {
	ctx, cancel := internal.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	req := verifyRequest{ID: uuid.New().String(), JWT: token}
	body, err := json.Marshal(req)
	if err != nil {
		return identity.VerifyResult{}, fmt.Errorf("verification: encode request: %w", err)
	}

	replyBody, err := v.broker.Request(ctx, v.cfg.Subject, body)
	if err != nil {
		v.logger.Warn("remote verification failed", "request_id", req.ID, "error", err)
		return identity.VerifyResult{}, internal.ErrInvalidToken.WithCause(err)
	}

	var reply verifyReply
	if err := json.Unmarshal(replyBody, &reply); err != nil {
		v.logger.Warn("remote verification reply malformed", "request_id", req.ID, "error", err)
		return identity.VerifyResult{}, internal.ErrInvalidToken.WithCause(err)
	}

	switch reply.Error {
	case "":
	case replyErrTokenExpired:
		return identity.VerifyResult{}, internal.ErrTokenExpired
	default:
		return identity.VerifyResult{}, internal.ErrInvalidToken
	}

	return identity.VerifyResult{Exp: reply.Exp, Payload: reply.Payload}, nil
}
