package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/identity-mesh/internal"
)

// TokenPayload is the compact grant graph embedded in every issued token.
// Downstream guards never see the user aggregate, only this projection.
type TokenPayload struct {
	UserID         int64        `json:"id"`
	Email          string       `json:"email"`
	Username       string       `json:"username,omitempty"`
	Grants         []GrantClaim `json:"role_services"`
	CurrentService string       `json:"current_service_name,omitempty"`
}

type GrantClaim struct {
	Role    RoleClaim    `json:"role"`
	Service ServiceClaim `json:"service"`
}

type RoleClaim struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type ServiceClaim struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ServiceNames returns the distinct service names the payload grants access
// to.
func (p TokenPayload) ServiceNames() []string {
	seen := make(map[string]struct{}, len(p.Grants))
	var names []string
	for _, g := range p.Grants {
		if _, dup := seen[g.Service.Name]; dup || g.Service.Name == "" {
			continue
		}
		seen[g.Service.Name] = struct{}{}
		names = append(names, g.Service.Name)
	}
	return names
}

// RoleNames returns the distinct role names across all grants.
func (p TokenPayload) RoleNames() []string {
	seen := make(map[string]struct{}, len(p.Grants))
	var names []string
	for _, g := range p.Grants {
		if _, dup := seen[g.Role.Name]; dup || g.Role.Name == "" {
			continue
		}
		seen[g.Role.Name] = struct{}{}
		names = append(names, g.Role.Name)
	}
	return names
}

// PermissionNames returns the permission names flattened across all granted
// roles.
func (p TokenPayload) PermissionNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, g := range p.Grants {
		for _, perm := range g.Role.Permissions {
			if _, dup := seen[perm]; dup || perm == "" {
				continue
			}
			seen[perm] = struct{}{}
			names = append(names, perm)
		}
	}
	return names
}

// Claims is the JWT envelope: the payload under "user" plus registered
// claims carrying the authoritative expiry.
type Claims struct {
	User TokenPayload `json:"user"`
	jwt.RegisteredClaims
}

// Codec signs and verifies grant-graph tokens. It is stateless: an immutable
// secret and a TTL, safe for concurrent use from every request goroutine.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCodec(secret string, ttl time.Duration) *Codec {
	return &Codec{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue projects the user's grants into a TokenPayload, stamps serviceName
// as the service context the token was minted for, and signs the result.
// Pure given the aggregate; storage is never consulted.
func (c *Codec) Issue(user *User, serviceName string) (string, TokenPayload, error) {
	payload := ProjectPayload(user, serviceName)

	issuedAt := c.now()
	claims := &Claims{
		User: payload,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(c.ttl)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			Subject:   fmt.Sprintf("%d", user.ID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", TokenPayload{}, err
	}

	return signed, payload, nil
}

// Decode verifies signature and expiry and returns the embedded payload with
// the absolute expiry. All parse failures collapse to the unauthorized
// taxonomy; callers must not learn why a token was rejected.
func (c *Codec) Decode(tokenString string) (TokenPayload, time.Time, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenPayload{}, time.Time{}, internal.ErrTokenExpired
		}
		return TokenPayload{}, time.Time{}, internal.ErrInvalidToken.WithCause(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ExpiresAt == nil {
		return TokenPayload{}, time.Time{}, internal.ErrInvalidToken
	}

	return claims.User, claims.ExpiresAt.Time, nil
}

// ProjectPayload maps the user aggregate onto the token shape. Exported so
// tests and the federated flow can compare against issued tokens.
func ProjectPayload(user *User, serviceName string) TokenPayload {
	grants := make([]GrantClaim, 0, len(user.Grants))
	for _, g := range user.Grants {
		perms := append([]string(nil), g.Role.Permissions...)
		grants = append(grants, GrantClaim{
			Role: RoleClaim{
				ID:          g.Role.ID,
				Name:        g.Role.Name,
				Permissions: perms,
			},
			Service: ServiceClaim{
				ID:   g.Service.ID,
				Name: g.Service.Name,
			},
		})
	}

	username := ""
	if user.Username != nil {
		username = *user.Username
	}

	return TokenPayload{
		UserID:         user.ID,
		Email:          user.Email,
		Username:       username,
		Grants:         grants,
		CurrentService: serviceName,
	}
}
