package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/frahmantamala/identity-mesh/internal"
	"github.com/frahmantamala/identity-mesh/internal/core/events"
)

const (
	ProfileTypeLocal  = "local"
	ProfileTypeGoogle = "google"

	opaqueTokenBytes = 16
)

// VerifyResult is the authority's answer to a token verification request,
// local or remote: the absolute expiry and the decoded grant graph.
type VerifyResult struct {
	Exp     int64        `json:"exp"`
	Payload TokenPayload `json:"payload"`
}

// ServiceAPI is what transports (HTTP handlers, the verification responder)
// consume.
type ServiceAPI interface {
	Login(ctx context.Context, dto LoginDTO) (*Session, error)
	Signup(ctx context.Context, dto SignupDTO) (*User, error)
	FederatedLogin(ctx context.Context, profile FederatedProfile, serviceName string) (*Session, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, dto ResetPasswordDTO) error
	VerifyEmail(ctx context.Context, token string) error
	VerifyToken(ctx context.Context, token string) (VerifyResult, error)
	EnsureDefaultGrants(ctx context.Context, userID int64, serviceName string) error
	CurrentUser(ctx context.Context, userID int64) (*User, error)
	DeleteAccount(ctx context.Context, userID int64) error
}

// Service is the identity authority: credential validation, token issuance,
// grant defaults and the reset/verification token lifecycle. It holds no
// mutable state of its own; requests may be served fully in parallel.
type Service struct {
	repo          RepositoryAPI
	codec         *Codec
	bus           *events.EventBus
	logger        *slog.Logger
	bcryptCost    int
	resetTokenTTL time.Duration
	infraServices []string
	now           func() time.Time
}

func NewService(repo RepositoryAPI, codec *Codec, bus *events.EventBus, logger *slog.Logger, bcryptCost int, resetTokenTTL time.Duration) *Service {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	if resetTokenTTL == 0 {
		resetTokenTTL = internal.DefaultResetTokenTTL
	}
	return &Service{
		repo:          repo,
		codec:         codec,
		bus:           bus,
		logger:        logger,
		bcryptCost:    bcryptCost,
		resetTokenTTL: resetTokenTTL,
		infraServices: InfraServices,
		now:           time.Now,
	}
}

// ValidateCredentials checks email+password against the store. Unknown
// email, unverified email, a missing hash (federated account) and a wrong
// password all return the same opaque unauthorized error; the distinction is
// logged internally and never leaves the service.
func (s *Service) ValidateCredentials(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindVerifiedByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.DebugContext(ctx, "credential check denied: no verified user for email")
			return nil, internal.ErrInvalidCredentials
		}
		return nil, internal.NewInternalError("credential lookup failed", err)
	}

	if user.PasswordHash == nil {
		s.logger.DebugContext(ctx, "credential check denied: account has no local password", "user_id", user.ID)
		return nil, internal.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(password)); err != nil {
		s.logger.DebugContext(ctx, "credential check denied: password mismatch", "user_id", user.ID)
		return nil, internal.ErrInvalidCredentials
	}

	user.PasswordHash = nil
	return user, nil
}

// Login validates credentials, tops up default grants when a service context
// is given (additive, never removes grants), and mints a token over the
// user's full grant graph.
func (s *Service) Login(ctx context.Context, dto LoginDTO) (*Session, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	user, err := s.ValidateCredentials(ctx, dto.Email, dto.Password)
	if err != nil {
		return nil, err
	}

	if dto.ServiceName != "" {
		if err := s.EnsureDefaultGrants(ctx, user.ID, dto.ServiceName); err != nil {
			return nil, internal.NewInternalError("grant refresh failed", err)
		}
		user, err = s.reloadStripped(ctx, user.ID)
		if err != nil {
			return nil, err
		}
	}

	token, payload, err := s.codec.Issue(user, dto.ServiceName)
	if err != nil {
		return nil, internal.NewInternalError("token signing failed", err)
	}

	s.logger.InfoContext(ctx, "user logged in", "user_id", user.ID, "service_name", dto.ServiceName)
	return &Session{Token: token, Payload: payload}, nil
}

// Signup creates a local user with its default grants and a pending
// email-verification token, all in one transaction.
func (s *Service) Signup(ctx context.Context, dto SignupDTO) (*User, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	if taken, err := s.repo.EmailExists(ctx, dto.Email); err != nil {
		return nil, internal.NewInternalError("email lookup failed", err)
	} else if taken {
		return nil, internal.ErrEmailTaken
	}

	if dto.Username != nil {
		if taken, err := s.repo.UsernameExists(ctx, *dto.Username); err != nil {
			return nil, internal.NewInternalError("username lookup failed", err)
		} else if taken {
			return nil, internal.ErrUsernameTaken
		}
	}

	var passwordHash *string
	if dto.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*dto.Password), s.bcryptCost)
		if err != nil {
			return nil, internal.NewInternalError("password hashing failed", err)
		}
		hashed := string(hash)
		passwordHash = &hashed
	}

	grants, err := s.repo.DefaultGrantKeys(ctx, RoleMember, dto.ServiceName, s.infraServices)
	if err != nil {
		return nil, internal.NewInternalError("default role lookup failed", err)
	}

	verifyToken, err := s.newOpaqueToken(ctx)
	if err != nil {
		return nil, internal.NewInternalError("verification token generation failed", err)
	}
	verifyExpiry := s.now().Add(s.resetTokenTTL)

	user, err := s.repo.CreateUser(ctx, NewUserParams{
		Email:              dto.Email,
		Username:           dto.Username,
		FirstName:          dto.FirstName,
		LastName:           dto.LastName,
		PasswordHash:       passwordHash,
		ProfileType:        ProfileTypeLocal,
		EmailVerified:      false,
		VerifyToken:        &verifyToken,
		VerifyTokenExpires: &verifyExpiry,
		Grants:             grants,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateEmail):
			return nil, internal.ErrEmailTaken
		case errors.Is(err, ErrDuplicateName):
			return nil, internal.ErrUsernameTaken
		default:
			return nil, internal.NewInternalError("user creation failed", err)
		}
	}

	s.bus.Publish(ctx, events.NewUserCreatedEvent(s.userEmail(user, verifyToken)))
	s.logger.InfoContext(ctx, "user signed up", "user_id", user.ID, "service_name", dto.ServiceName)

	user.PasswordHash = nil
	return user, nil
}

// FederatedProfile is the subset of an identity provider's profile the
// authority needs.
type FederatedProfile struct {
	Email     string `json:"email"`
	FirstName string `json:"given_name"`
	LastName  string `json:"family_name"`
}

// FederatedLogin resolves or creates the federated user for the profile and
// mints a token exactly as Login does. Federated users carry no password
// hash and are email-verified from the start.
func (s *Service) FederatedLogin(ctx context.Context, profile FederatedProfile, serviceName string) (*Session, error) {
	if profile.Email == "" {
		return nil, internal.ErrInvalidCredentials
	}

	user, err := s.repo.FindFederatedByEmail(ctx, profile.Email, ProfileTypeGoogle)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, internal.NewInternalError("federated lookup failed", err)
		}

		grants, gerr := s.repo.DefaultGrantKeys(ctx, RoleMember, serviceName, s.infraServices)
		if gerr != nil {
			return nil, internal.NewInternalError("default role lookup failed", gerr)
		}

		user, err = s.repo.CreateUser(ctx, NewUserParams{
			Email:         profile.Email,
			FirstName:     profile.FirstName,
			LastName:      profile.LastName,
			ProfileType:   ProfileTypeGoogle,
			EmailVerified: true,
			Grants:        grants,
		})
		if err != nil {
			if errors.Is(err, ErrDuplicateEmail) {
				// A local account already owns the address.
				return nil, internal.ErrEmailTaken
			}
			return nil, internal.NewInternalError("federated user creation failed", err)
		}

		s.bus.Publish(ctx, events.NewUserCreatedEvent(s.userEmail(user, "")))
		s.logger.InfoContext(ctx, "federated user created", "user_id", user.ID)
	}

	if serviceName != "" {
		if err := s.EnsureDefaultGrants(ctx, user.ID, serviceName); err != nil {
			return nil, internal.NewInternalError("grant refresh failed", err)
		}
	}

	user, err = s.reloadStripped(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	token, payload, err := s.codec.Issue(user, serviceName)
	if err != nil {
		return nil, internal.NewInternalError("token signing failed", err)
	}

	return &Session{Token: token, Payload: payload}, nil
}

// RequestPasswordReset issues a fresh opaque token for the address. A new
// request supersedes any pending token. Callers at the HTTP boundary squash
// the NotFound outcome so the endpoint never confirms account existence.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return internal.ErrUserNotFound
		}
		return internal.NewInternalError("user lookup failed", err)
	}

	token, err := s.newOpaqueToken(ctx)
	if err != nil {
		return internal.NewInternalError("reset token generation failed", err)
	}
	expiresAt := s.now().Add(s.resetTokenTTL)

	if err := s.repo.SaveResetToken(ctx, user.ID, user.Version, token, expiresAt); err != nil {
		if errors.Is(err, ErrStaleVersion) {
			return internal.ErrStaleVersion
		}
		return internal.NewInternalError("reset token save failed", err)
	}

	s.bus.Publish(ctx, events.NewPasswordResetRequestedEvent(s.userEmail(user, token)))
	s.logger.InfoContext(ctx, "password reset requested", "user_id", user.ID)
	return nil
}

// ResetPassword consumes a pending reset token: the token pair is cleared
// and the new hash installed in the same update, so a replayed token finds
// nothing to match.
func (s *Service) ResetPassword(ctx context.Context, dto ResetPasswordDTO) error {
	if err := dto.Validate(); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(dto.NewPassword), s.bcryptCost)
	if err != nil {
		return internal.NewInternalError("password hashing failed", err)
	}

	user, err := s.repo.ConsumePasswordReset(ctx, dto.Token, string(hash), s.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return internal.ErrResetTokenNotFound
		}
		return internal.NewInternalError("password reset failed", err)
	}

	s.bus.Publish(ctx, events.NewPasswordResetCompletedEvent(s.userEmail(user, "")))
	s.logger.InfoContext(ctx, "password reset completed", "user_id", user.ID)
	return nil
}

// VerifyEmail consumes a pending verification token and flips the
// email-verified flag atomically with the clear.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return internal.ErrResetTokenNotFound
	}

	user, err := s.repo.ConsumeEmailVerification(ctx, token, s.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return internal.ErrResetTokenNotFound
		}
		return internal.NewInternalError("email verification failed", err)
	}

	s.bus.Publish(ctx, events.NewEmailVerifiedEvent(s.userEmail(user, "")))
	s.logger.InfoContext(ctx, "email verified", "user_id", user.ID)
	return nil
}

// VerifyToken answers verification requests, in-process or over the remote
// bridge. Only the immutable codec is touched, so calls are fully parallel.
func (s *Service) VerifyToken(ctx context.Context, token string) (VerifyResult, error) {
	if token == "" {
		return VerifyResult{}, internal.ErrInvalidToken
	}

	payload, exp, err := s.codec.Decode(token)
	if err != nil {
		s.logger.DebugContext(ctx, "token verification denied", "error", err)
		return VerifyResult{}, err
	}

	return VerifyResult{Exp: exp.Unix(), Payload: payload}, nil
}

// CurrentUser loads the caller's own record with the hash stripped.
func (s *Service) CurrentUser(ctx context.Context, userID int64) (*User, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, internal.ErrUserNotFound
		}
		return nil, internal.NewInternalError("user lookup failed", err)
	}
	user.PasswordHash = nil
	return user, nil
}

// DeleteAccount soft-deletes the caller's own record. Grants stay in place on
// the dead row; the mangled unique columns free the email and username for
// reuse.
func (s *Service) DeleteAccount(ctx context.Context, userID int64) error {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return internal.ErrUserNotFound
		}
		return internal.NewInternalError("user lookup failed", err)
	}

	if err := s.repo.SoftDeleteUser(ctx, userID, user.Version); err != nil {
		switch {
		case errors.Is(err, ErrStaleVersion):
			return internal.ErrStaleVersion
		case errors.Is(err, ErrNotFound):
			return internal.ErrUserNotFound
		default:
			return internal.NewInternalError("account deletion failed", err)
		}
	}

	s.logger.InfoContext(ctx, "account deleted", "user_id", user.ID)
	return nil
}

func (s *Service) reloadStripped(ctx context.Context, userID int64) (*User, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return nil, internal.NewInternalError("user reload failed", err)
	}
	user.PasswordHash = nil
	return user, nil
}

// newOpaqueToken rejection-samples a random token until it collides with no
// other non-deleted user's current token.
func (s *Service) newOpaqueToken(ctx context.Context) (string, error) {
	for {
		token, err := randomToken(opaqueTokenBytes)
		if err != nil {
			return "", err
		}
		exists, err := s.repo.ResetTokenExists(ctx, token)
		if err != nil {
			return "", err
		}
		if !exists {
			return token, nil
		}
	}
}

func (s *Service) userEmail(user *User, resetToken string) events.UserEmail {
	return events.UserEmail{
		UserID:     user.ID,
		Email:      user.Email,
		FirstName:  user.FirstName,
		LastName:   user.LastName,
		ResetToken: resetToken,
	}
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
