package identity

import (
	"context"
	"errors"
	"time"
)

// Role and service names the grant engine assigns by default. Every signup
// and every service-scoped login ends up holding the member role of the
// requested service plus the member roles of the always-on infrastructure
// services.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"

	ServiceAuth         = "auth-service"
	ServiceEmail        = "email-service"
	ServiceNotification = "notification-service"
)

// InfraServices are the mesh-wide services every user is granted membership
// of regardless of which service they signed up through.
var InfraServices = []string{ServiceAuth, ServiceEmail, ServiceNotification}

// User is the identity aggregate with grants eagerly resolved. PasswordHash
// never serializes and is stripped before the aggregate leaves the service
// layer.
type User struct {
	ID              int64     `json:"id"`
	Email           string    `json:"email"`
	Username        *string   `json:"username,omitempty"`
	FirstName       string    `json:"first_name,omitempty"`
	LastName        string    `json:"last_name,omitempty"`
	PasswordHash    *string   `json:"-"`
	ProfileType     string    `json:"profile_type"`
	IsActive        bool      `json:"is_active"`
	IsEmailVerified bool      `json:"is_email_verified"`
	Version         int64     `json:"version"`
	Grants          []Grant   `json:"grants,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Grant is one (role, service) authorization fact held by a user.
type Grant struct {
	Role    Role       `json:"role"`
	Service ServiceRef `json:"service"`
}

type Role struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type ServiceRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GrantKey identifies a grant row to upsert; the (user, role, service)
// uniqueness constraint makes the upsert idempotent.
type GrantKey struct {
	RoleID    int64
	ServiceID int64
}

// Session is what a successful login yields: the signed token and the exact
// payload it was signed over.
type Session struct {
	Token   string       `json:"token"`
	Payload TokenPayload `json:"payload"`
}

// NewUserParams carries everything the repository needs to create a user in
// one transaction: the row itself, its initial grants, and the pending
// email-verification token.
type NewUserParams struct {
	Email              string
	Username           *string
	FirstName          string
	LastName           string
	PasswordHash       *string
	ProfileType        string
	EmailVerified      bool
	VerifyToken        *string
	VerifyTokenExpires *time.Time
	Grants             []GrantKey
}

// Repository errors. The postgres package translates driver errors into
// these; the service layer maps them onto the transport taxonomy.
var (
	ErrNotFound       = errors.New("identity: not found")
	ErrDuplicateEmail = errors.New("identity: email already exists")
	ErrDuplicateName  = errors.New("identity: username already exists")
	ErrStaleVersion   = errors.New("identity: stale version")
)

// RepositoryAPI is the credential-store contract. Implementations must load
// grants eagerly (role, role permissions, service) wherever a *User is
// returned, and must enforce the optimistic version counter on updates.
type RepositoryAPI interface {
	// FindVerifiedByEmail returns the non-deleted, email-verified user for
	// the address, or ErrNotFound.
	FindVerifiedByEmail(ctx context.Context, email string) (*User, error)
	// FindByEmail ignores the verified flag; used by the reset flow.
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindFederatedByEmail matches on (email, profile type) for users with no
	// local password.
	FindFederatedByEmail(ctx context.Context, email, profileType string) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)

	EmailExists(ctx context.Context, email string) (bool, error)
	UsernameExists(ctx context.Context, username string) (bool, error)

	CreateUser(ctx context.Context, params NewUserParams) (*User, error)

	// DefaultGrantKeys resolves the named role within serviceName and within
	// each of the infra services to concrete (role, service) id pairs.
	// Services that do not exist are skipped, not errors.
	DefaultGrantKeys(ctx context.Context, roleName, serviceName string, infraServices []string) ([]GrantKey, error)
	// UpsertGrants inserts grant rows, treating duplicate-key conflicts as
	// success.
	UpsertGrants(ctx context.Context, userID int64, keys []GrantKey) error

	// ResetTokenExists reports whether any non-deleted user currently holds
	// the token; the service rejection-samples until this is false.
	ResetTokenExists(ctx context.Context, token string) (bool, error)
	// SaveResetToken stores the token and expiry on the user, bumping the
	// version; a stale expectedVersion yields ErrStaleVersion.
	SaveResetToken(ctx context.Context, userID int64, expectedVersion int64, token string, expiresAt time.Time) error
	// ConsumePasswordReset atomically clears the token pair and installs the
	// new hash for the user whose unexpired token matches. ErrNotFound when
	// no such user exists (unknown, consumed or expired token).
	ConsumePasswordReset(ctx context.Context, token string, passwordHash string, now time.Time) (*User, error)
	// ConsumeEmailVerification atomically clears the token pair and flips the
	// email-verified flag.
	ConsumeEmailVerification(ctx context.Context, token string, now time.Time) (*User, error)

	// SoftDeleteUser flags the row deleted and mangles the unique columns so
	// the email and username become reusable. A stale expectedVersion yields
	// ErrStaleVersion; the row is never physically removed.
	SoftDeleteUser(ctx context.Context, userID int64, expectedVersion int64) error
}
