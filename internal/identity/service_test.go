package identity

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"golang.org/x/crypto/bcrypt"

	"github.com/frahmantamala/identity-mesh/internal"
	"github.com/frahmantamala/identity-mesh/internal/core/events"
)

func TestIdentity(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Identity Module Suite")
}

// mockRepository keeps everything in maps and honors the same contracts the
// gorm repository does: version checks, atomic token consumes, idempotent
// grant upserts.
type mockRepository struct {
	nextID      int64
	usersByID   map[int64]*User
	deleted     map[int64]bool
	hashes      map[int64]*string
	verified    map[int64]bool
	profiles    map[int64]string
	versions    map[int64]int64
	resetTokens map[int64]string
	resetExpiry map[int64]time.Time

	// catalog: service name -> member-role grant key and its resolved grant
	catalog map[string]GrantKey
	grants  map[string]Grant // keyed by service name

	// tokenCollisions makes the next N existence probes report a collision
	// regardless of the token drawn; probedTokens records every probe.
	tokenCollisions int
	probedTokens    []string

	failWith error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		nextID:      1,
		usersByID:   make(map[int64]*User),
		deleted:     make(map[int64]bool),
		hashes:      make(map[int64]*string),
		verified:    make(map[int64]bool),
		profiles:    make(map[int64]string),
		versions:    make(map[int64]int64),
		resetTokens: make(map[int64]string),
		resetExpiry: make(map[int64]time.Time),
		catalog:     make(map[string]GrantKey),
		grants:      make(map[string]Grant),
	}
}

func (m *mockRepository) addCatalogService(serviceID int64, serviceName string) {
	key := GrantKey{RoleID: serviceID * 10, ServiceID: serviceID}
	m.catalog[serviceName] = key
	m.grants[serviceName] = Grant{
		Role:    Role{ID: key.RoleID, Name: RoleMember, Permissions: []string{"read"}},
		Service: ServiceRef{ID: serviceID, Name: serviceName},
	}
}

func (m *mockRepository) addUser(email, password string, emailVerified bool) *User {
	id := m.nextID
	m.nextID++

	user := &User{ID: id, Email: email, ProfileType: ProfileTypeLocal, IsActive: true, IsEmailVerified: emailVerified}
	m.usersByID[id] = user
	m.verified[id] = emailVerified
	m.profiles[id] = ProfileTypeLocal
	m.versions[id] = 1

	if password != "" {
		hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		hashed := string(hash)
		m.hashes[id] = &hashed
	}
	return user
}

func (m *mockRepository) snapshot(id int64) *User {
	stored, ok := m.usersByID[id]
	if !ok || m.deleted[id] {
		return nil
	}
	copied := *stored
	copied.Grants = append([]Grant(nil), stored.Grants...)
	copied.PasswordHash = m.hashes[id]
	copied.IsEmailVerified = m.verified[id]
	copied.Version = m.versions[id]
	return &copied
}

func (m *mockRepository) FindVerifiedByEmail(_ context.Context, email string) (*User, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	for id, u := range m.usersByID {
		if u.Email == email && !m.deleted[id] && m.verified[id] {
			return m.snapshot(id), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepository) FindByEmail(_ context.Context, email string) (*User, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	for id, u := range m.usersByID {
		if u.Email == email && !m.deleted[id] {
			return m.snapshot(id), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepository) FindFederatedByEmail(_ context.Context, email, profileType string) (*User, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	for id, u := range m.usersByID {
		if u.Email == email && !m.deleted[id] && m.profiles[id] == profileType {
			return m.snapshot(id), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepository) FindByID(_ context.Context, id int64) (*User, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	if u := m.snapshot(id); u != nil {
		return u, nil
	}
	return nil, ErrNotFound
}

func (m *mockRepository) EmailExists(_ context.Context, email string) (bool, error) {
	if m.failWith != nil {
		return false, m.failWith
	}
	for id, u := range m.usersByID {
		if u.Email == email && !m.deleted[id] {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepository) UsernameExists(_ context.Context, username string) (bool, error) {
	if m.failWith != nil {
		return false, m.failWith
	}
	for id, u := range m.usersByID {
		if u.Username != nil && *u.Username == username && !m.deleted[id] {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepository) CreateUser(ctx context.Context, params NewUserParams) (*User, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	if exists, _ := m.EmailExists(ctx, params.Email); exists {
		return nil, ErrDuplicateEmail
	}
	if params.Username != nil {
		if exists, _ := m.UsernameExists(ctx, *params.Username); exists {
			return nil, ErrDuplicateName
		}
	}

	id := m.nextID
	m.nextID++
	user := &User{
		ID:          id,
		Email:       params.Email,
		Username:    params.Username,
		FirstName:   params.FirstName,
		LastName:    params.LastName,
		ProfileType: params.ProfileType,
		IsActive:    true,
	}
	m.usersByID[id] = user
	m.hashes[id] = params.PasswordHash
	m.verified[id] = params.EmailVerified
	m.profiles[id] = params.ProfileType
	m.versions[id] = 1
	if params.VerifyToken != nil {
		m.resetTokens[id] = *params.VerifyToken
		m.resetExpiry[id] = *params.VerifyTokenExpires
	}
	_ = m.UpsertGrants(ctx, id, params.Grants)
	return m.snapshot(id), nil
}

func (m *mockRepository) DefaultGrantKeys(_ context.Context, roleName, serviceName string, infraServices []string) ([]GrantKey, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	if roleName != RoleMember {
		return nil, nil
	}
	var keys []GrantKey
	for _, name := range append([]string{serviceName}, infraServices...) {
		if key, ok := m.catalog[name]; ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *mockRepository) UpsertGrants(_ context.Context, userID int64, keys []GrantKey) error {
	if m.failWith != nil {
		return m.failWith
	}
	user := m.usersByID[userID]
	for _, key := range keys {
		held := false
		for _, g := range user.Grants {
			if g.Role.ID == key.RoleID && g.Service.ID == key.ServiceID {
				held = true
				break
			}
		}
		if held {
			continue
		}
		for _, grant := range m.grants {
			if grant.Role.ID == key.RoleID && grant.Service.ID == key.ServiceID {
				user.Grants = append(user.Grants, grant)
			}
		}
	}
	return nil
}

func (m *mockRepository) ResetTokenExists(_ context.Context, token string) (bool, error) {
	if m.failWith != nil {
		return false, m.failWith
	}
	m.probedTokens = append(m.probedTokens, token)
	if m.tokenCollisions > 0 {
		m.tokenCollisions--
		return true, nil
	}
	for id, t := range m.resetTokens {
		if t == token && !m.deleted[id] {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepository) SaveResetToken(_ context.Context, userID int64, expectedVersion int64, token string, expiresAt time.Time) error {
	if m.failWith != nil {
		return m.failWith
	}
	if m.versions[userID] != expectedVersion {
		return ErrStaleVersion
	}
	m.resetTokens[userID] = token
	m.resetExpiry[userID] = expiresAt
	m.versions[userID]++
	return nil
}

func (m *mockRepository) ConsumePasswordReset(_ context.Context, token string, passwordHash string, now time.Time) (*User, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	for id, t := range m.resetTokens {
		if t != token || m.deleted[id] {
			continue
		}
		if m.resetExpiry[id].Before(now) {
			return nil, ErrNotFound
		}
		delete(m.resetTokens, id)
		delete(m.resetExpiry, id)
		hashed := passwordHash
		m.hashes[id] = &hashed
		m.versions[id]++
		return m.snapshot(id), nil
	}
	return nil, ErrNotFound
}

func (m *mockRepository) ConsumeEmailVerification(_ context.Context, token string, now time.Time) (*User, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	for id, t := range m.resetTokens {
		if t != token || m.deleted[id] {
			continue
		}
		if m.resetExpiry[id].Before(now) {
			return nil, ErrNotFound
		}
		delete(m.resetTokens, id)
		delete(m.resetExpiry, id)
		m.verified[id] = true
		m.versions[id]++
		return m.snapshot(id), nil
	}
	return nil, ErrNotFound
}

func (m *mockRepository) SoftDeleteUser(_ context.Context, userID int64, expectedVersion int64) error {
	if m.failWith != nil {
		return m.failWith
	}
	if _, ok := m.usersByID[userID]; !ok || m.deleted[userID] {
		return ErrNotFound
	}
	if m.versions[userID] != expectedVersion {
		return ErrStaleVersion
	}
	m.deleted[userID] = true
	m.versions[userID]++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var _ = ginkgo.Describe("IdentityService", func() {
	var (
		repo  *mockRepository
		codec *Codec
		svc   *Service
		ctx   context.Context
	)

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		repo = newMockRepository()
		repo.addCatalogService(1, ServiceAuth)
		repo.addCatalogService(2, ServiceEmail)
		repo.addCatalogService(3, ServiceNotification)
		repo.addCatalogService(4, "convoc")
		repo.addCatalogService(5, "files")

		codec = NewCodec("test-secret-test-secret-test-secret!", time.Hour)
		bus := events.NewEventBus(testLogger())
		svc = NewService(repo, codec, bus, testLogger(), bcrypt.MinCost, time.Hour)
	})

	ginkgo.Describe("ValidateCredentials", func() {
		ginkgo.It("returns the user with the hash stripped for valid credentials", func() {
			repo.addUser("user@example.com", "correct_password", true)

			user, err := svc.ValidateCredentials(ctx, "user@example.com", "correct_password")

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(user.Email).To(gomega.Equal("user@example.com"))
			gomega.Expect(user.PasswordHash).To(gomega.BeNil())
		})

		ginkgo.It("denies an unknown email with the opaque credentials error", func() {
			_, err := svc.ValidateCredentials(ctx, "nobody@example.com", "whatever")
			gomega.Expect(err).To(gomega.MatchError(internal.ErrInvalidCredentials))
		})

		ginkgo.It("denies a wrong password with the same error as an unknown email", func() {
			repo.addUser("user@example.com", "correct_password", true)

			_, err := svc.ValidateCredentials(ctx, "user@example.com", "wrong_password")
			gomega.Expect(err).To(gomega.MatchError(internal.ErrInvalidCredentials))
		})

		ginkgo.It("denies an unverified email with the same error", func() {
			repo.addUser("pending@example.com", "correct_password", false)

			_, err := svc.ValidateCredentials(ctx, "pending@example.com", "correct_password")
			gomega.Expect(err).To(gomega.MatchError(internal.ErrInvalidCredentials))
		})

		ginkgo.It("denies an account without a local password with the same error", func() {
			repo.addUser("federated@example.com", "", true)

			_, err := svc.ValidateCredentials(ctx, "federated@example.com", "anything")
			gomega.Expect(err).To(gomega.MatchError(internal.ErrInvalidCredentials))
		})
	})

	ginkgo.Describe("Login", func() {
		ginkgo.It("mints a token whose payload round-trips through the codec", func() {
			repo.addUser("user@example.com", "correct_password", true)

			session, err := svc.Login(ctx, LoginDTO{Email: "user@example.com", Password: "correct_password"})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(session.Token).ToNot(gomega.BeEmpty())

			decoded, _, err := codec.Decode(session.Token)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(decoded).To(gomega.Equal(session.Payload))
		})

		ginkgo.It("tops up default grants when a service context is given", func() {
			repo.addUser("user@example.com", "correct_password", true)

			session, err := svc.Login(ctx, LoginDTO{
				Email:       "user@example.com",
				Password:    "correct_password",
				ServiceName: "convoc",
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(session.Payload.CurrentService).To(gomega.Equal("convoc"))
			gomega.Expect(session.Payload.ServiceNames()).To(gomega.ContainElements(
				"convoc", ServiceAuth, ServiceEmail, ServiceNotification))
		})

		ginkgo.It("lets a user signed up through one service log in to another", func() {
			password := "correct_password"
			_, err := svc.Signup(ctx, SignupDTO{
				Email:       "user@example.com",
				Password:    &password,
				ServiceName: "convoc",
			})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// Email must be verified before a credential login succeeds.
			for id := range repo.verified {
				repo.verified[id] = true
			}

			session, err := svc.Login(ctx, LoginDTO{
				Email:       "user@example.com",
				Password:    password,
				ServiceName: "files",
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(session.Payload.ServiceNames()).To(gomega.ContainElements("convoc", "files"))
		})

		ginkgo.It("rejects a request without a password as a validation error", func() {
			_, err := svc.Login(ctx, LoginDTO{Email: "user@example.com"})
			gomega.Expect(err).To(gomega.BeAssignableToTypeOf(ValidationError{}))
		})
	})

	ginkgo.Describe("Signup", func() {
		password := "long-enough-password"

		ginkgo.It("creates an unverified user with default grants and a pending token", func() {
			user, err := svc.Signup(ctx, SignupDTO{
				Email:       "new@example.com",
				Password:    &password,
				ServiceName: "convoc",
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(user.PasswordHash).To(gomega.BeNil())
			gomega.Expect(user.IsEmailVerified).To(gomega.BeFalse())
			gomega.Expect(user.Grants).To(gomega.HaveLen(4))
			gomega.Expect(repo.resetTokens[user.ID]).ToNot(gomega.BeEmpty())
		})

		ginkgo.It("reports a conflict for a taken email", func() {
			repo.addUser("taken@example.com", "whatever1", true)

			_, err := svc.Signup(ctx, SignupDTO{
				Email:       "taken@example.com",
				Password:    &password,
				ServiceName: "convoc",
			})
			gomega.Expect(err).To(gomega.MatchError(internal.ErrEmailTaken))
		})

		ginkgo.It("reports a conflict for a taken username", func() {
			username := "dupe"
			existing := repo.addUser("first@example.com", "whatever1", true)
			existing.Username = &username

			_, err := svc.Signup(ctx, SignupDTO{
				Email:       "second@example.com",
				Password:    &password,
				Username:    &username,
				ServiceName: "convoc",
			})
			gomega.Expect(err).To(gomega.MatchError(internal.ErrUsernameTaken))
		})

		ginkgo.It("rejects a short password as a validation error", func() {
			short := "short"
			_, err := svc.Signup(ctx, SignupDTO{
				Email:       "new@example.com",
				Password:    &short,
				ServiceName: "convoc",
			})
			gomega.Expect(err).To(gomega.BeAssignableToTypeOf(ValidationError{}))
		})
	})

	ginkgo.Describe("EnsureDefaultGrants", func() {
		ginkgo.It("is idempotent across repeated calls", func() {
			user := repo.addUser("user@example.com", "correct_password", true)

			gomega.Expect(svc.EnsureDefaultGrants(ctx, user.ID, "convoc")).To(gomega.Succeed())
			gomega.Expect(svc.EnsureDefaultGrants(ctx, user.ID, "convoc")).To(gomega.Succeed())

			reloaded, err := repo.FindByID(ctx, user.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(reloaded.Grants).To(gomega.HaveLen(4))
		})

		ginkgo.It("succeeds without grants for an unknown service", func() {
			user := repo.addUser("user@example.com", "correct_password", true)

			gomega.Expect(svc.EnsureDefaultGrants(ctx, user.ID, "")).To(gomega.Succeed())
		})
	})

	ginkgo.Describe("password reset lifecycle", func() {
		ginkgo.It("issues a token and consumes it exactly once", func() {
			user := repo.addUser("user@example.com", "old_password1", true)

			gomega.Expect(svc.RequestPasswordReset(ctx, "user@example.com")).To(gomega.Succeed())
			token := repo.resetTokens[user.ID]
			gomega.Expect(token).ToNot(gomega.BeEmpty())

			err := svc.ResetPassword(ctx, ResetPasswordDTO{Token: token, NewPassword: "brand_new_password"})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			_, err = svc.ValidateCredentials(ctx, "user@example.com", "brand_new_password")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// Second consume finds nothing.
			err = svc.ResetPassword(ctx, ResetPasswordDTO{Token: token, NewPassword: "another_password1"})
			gomega.Expect(err).To(gomega.MatchError(internal.ErrResetTokenNotFound))
		})

		ginkgo.It("supersedes a pending token with a fresh request", func() {
			user := repo.addUser("user@example.com", "old_password1", true)

			gomega.Expect(svc.RequestPasswordReset(ctx, "user@example.com")).To(gomega.Succeed())
			first := repo.resetTokens[user.ID]
			gomega.Expect(svc.RequestPasswordReset(ctx, "user@example.com")).To(gomega.Succeed())
			second := repo.resetTokens[user.ID]

			gomega.Expect(second).ToNot(gomega.Equal(first))

			err := svc.ResetPassword(ctx, ResetPasswordDTO{Token: first, NewPassword: "brand_new_password"})
			gomega.Expect(err).To(gomega.MatchError(internal.ErrResetTokenNotFound))
		})

		ginkgo.It("redraws when the first token collides with a pending one", func() {
			user := repo.addUser("user@example.com", "old_password1", true)
			repo.tokenCollisions = 1

			gomega.Expect(svc.RequestPasswordReset(ctx, "user@example.com")).To(gomega.Succeed())

			gomega.Expect(repo.probedTokens).To(gomega.HaveLen(2))
			gomega.Expect(repo.resetTokens[user.ID]).To(gomega.Equal(repo.probedTokens[1]))
			gomega.Expect(repo.resetTokens[user.ID]).ToNot(gomega.Equal(repo.probedTokens[0]))
		})

		ginkgo.It("rejects an expired token", func() {
			user := repo.addUser("user@example.com", "old_password1", true)

			gomega.Expect(svc.RequestPasswordReset(ctx, "user@example.com")).To(gomega.Succeed())
			token := repo.resetTokens[user.ID]

			svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

			err := svc.ResetPassword(ctx, ResetPasswordDTO{Token: token, NewPassword: "brand_new_password"})
			gomega.Expect(err).To(gomega.MatchError(internal.ErrResetTokenNotFound))
		})

		ginkgo.It("reports not-found for an unknown email without touching anything", func() {
			err := svc.RequestPasswordReset(ctx, "nobody@example.com")
			gomega.Expect(err).To(gomega.MatchError(internal.ErrUserNotFound))
		})
	})

	ginkgo.Describe("VerifyEmail", func() {
		ginkgo.It("flips the verified flag and burns the token", func() {
			password := "long-enough-password"
			user, err := svc.Signup(ctx, SignupDTO{
				Email:       "new@example.com",
				Password:    &password,
				ServiceName: "convoc",
			})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			token := repo.resetTokens[user.ID]

			gomega.Expect(svc.VerifyEmail(ctx, token)).To(gomega.Succeed())
			gomega.Expect(repo.verified[user.ID]).To(gomega.BeTrue())

			err = svc.VerifyEmail(ctx, token)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrResetTokenNotFound))
		})
	})

	ginkgo.Describe("FederatedLogin", func() {
		ginkgo.It("creates a verified passwordless user on first login", func() {
			profile := FederatedProfile{Email: "fed@example.com", FirstName: "Fed", LastName: "User"}

			session, err := svc.FederatedLogin(ctx, profile, "convoc")

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(session.Token).ToNot(gomega.BeEmpty())
			gomega.Expect(session.Payload.ServiceNames()).To(gomega.ContainElement("convoc"))

			// Passwordless: a credential login stays denied.
			_, err = svc.ValidateCredentials(ctx, "fed@example.com", "anything")
			gomega.Expect(err).To(gomega.MatchError(internal.ErrInvalidCredentials))
		})

		ginkgo.It("reuses the existing federated user on later logins", func() {
			profile := FederatedProfile{Email: "fed@example.com"}

			first, err := svc.FederatedLogin(ctx, profile, "convoc")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			second, err := svc.FederatedLogin(ctx, profile, "files")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			gomega.Expect(second.Payload.UserID).To(gomega.Equal(first.Payload.UserID))
			gomega.Expect(second.Payload.ServiceNames()).To(gomega.ContainElements("convoc", "files"))
		})

		ginkgo.It("refuses a profile whose email collides with a local account", func() {
			repo.addUser("local@example.com", "correct_password", true)

			_, err := svc.FederatedLogin(ctx, FederatedProfile{Email: "local@example.com"}, "convoc")
			gomega.Expect(err).To(gomega.MatchError(internal.ErrEmailTaken))
		})
	})

	ginkgo.Describe("VerifyToken", func() {
		ginkgo.It("returns the payload and absolute expiry for a live token", func() {
			repo.addUser("user@example.com", "correct_password", true)
			session, err := svc.Login(ctx, LoginDTO{Email: "user@example.com", Password: "correct_password"})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			result, err := svc.VerifyToken(ctx, session.Token)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result.Payload).To(gomega.Equal(session.Payload))
			gomega.Expect(result.Exp).To(gomega.BeNumerically(">", time.Now().Unix()))
		})

		ginkgo.It("rejects garbage", func() {
			_, err := svc.VerifyToken(ctx, "not-a-token")
			gomega.Expect(err).To(gomega.MatchError(internal.ErrInvalidToken))
		})
	})

	ginkgo.Describe("DeleteAccount", func() {
		ginkgo.It("soft-deletes the account so later logins fail", func() {
			user := repo.addUser("user@example.com", "correct_password", true)

			gomega.Expect(svc.DeleteAccount(ctx, user.ID)).To(gomega.Succeed())

			_, err := svc.ValidateCredentials(ctx, "user@example.com", "correct_password")
			gomega.Expect(err).To(gomega.MatchError(internal.ErrInvalidCredentials))
		})

		ginkgo.It("reports not-found for a missing user", func() {
			err := svc.DeleteAccount(ctx, 999)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrUserNotFound))
		})
	})
})
