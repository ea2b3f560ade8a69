package guard

import (
	"context"

	"github.com/frahmantamala/identity-mesh/internal/identity"
)

// TokenVerifier answers whether a bearer token is valid and what it carries.
// The authority process verifies locally against its own codec; every other
// service verifies through the remote bridge. The middleware does not care
// which.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (identity.VerifyResult, error)
}

// LocalVerifier verifies against the in-process identity service.
type LocalVerifier struct {
	svc identity.ServiceAPI
}

func NewLocalVerifier(svc identity.ServiceAPI) *LocalVerifier {
	return &LocalVerifier{svc: svc}
}

func (v *LocalVerifier) Verify(ctx context.Context, token string) (identity.VerifyResult, error) {
	return v.svc.VerifyToken(ctx, token)
}
