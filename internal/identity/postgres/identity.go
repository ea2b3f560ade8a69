package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	datamodel "github.com/frahmantamala/identity-mesh/internal/core/datamodel/identity"
	"github.com/frahmantamala/identity-mesh/internal/identity"
)

// Repository implements identity.RepositoryAPI using GORM.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// withGrants preloads the full grant graph: grant -> role -> permissions and
// grant -> service. Every *identity.User leaving this package carries it.
func (r *Repository) withGrants(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Grants.Role.Permissions").
		Preload("Grants.Role").
		Preload("Grants.Service")
}

func (r *Repository) FindVerifiedByEmail(ctx context.Context, email string) (*identity.User, error) {
	var row datamodel.User
	err := r.withGrants(ctx).
		Where("email = ? AND deleted = ? AND is_email_verified = ?", email, false, true).
		First(&row).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return toDomain(&row), nil
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	var row datamodel.User
	err := r.withGrants(ctx).
		Where("email = ? AND deleted = ?", email, false).
		First(&row).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return toDomain(&row), nil
}

func (r *Repository) FindFederatedByEmail(ctx context.Context, email, profileType string) (*identity.User, error) {
	var row datamodel.User
	err := r.withGrants(ctx).
		Where("email = ? AND profile_type = ? AND deleted = ?", email, profileType, false).
		First(&row).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return toDomain(&row), nil
}

func (r *Repository) FindByID(ctx context.Context, id int64) (*identity.User, error) {
	var row datamodel.User
	err := r.withGrants(ctx).
		Where("id = ? AND deleted = ?", id, false).
		First(&row).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return toDomain(&row), nil
}

func (r *Repository) EmailExists(ctx context.Context, email string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&datamodel.User{}).
		Where("email = ? AND deleted = ?", email, false).
		Count(&count).Error
	return count > 0, err
}

func (r *Repository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&datamodel.User{}).
		Where("username = ? AND deleted = ?", username, false).
		Count(&count).Error
	return count > 0, err
}

// CreateUser inserts the user row, its initial grants and the pending
// verification token in one transaction.
func (r *Repository) CreateUser(ctx context.Context, params identity.NewUserParams) (*identity.User, error) {
	row := datamodel.User{
		Email:               params.Email,
		Username:            params.Username,
		FirstName:           params.FirstName,
		LastName:            params.LastName,
		PasswordHash:        params.PasswordHash,
		ProfileType:         params.ProfileType,
		IsActive:            true,
		IsEmailVerified:     params.EmailVerified,
		ResetToken:          params.VerifyToken,
		ResetTokenExpiresAt: params.VerifyTokenExpires,
		Version:             1,
	}
	if params.EmailVerified {
		now := time.Now()
		row.EmailVerifiedAt = &now
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return translateDuplicate(err)
		}
		if len(params.Grants) == 0 {
			return nil
		}
		grants := make([]datamodel.Grant, 0, len(params.Grants))
		for _, key := range params.Grants {
			grants = append(grants, datamodel.Grant{
				UserID:    row.ID,
				RoleID:    key.RoleID,
				ServiceID: key.ServiceID,
			})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grants).Error
	})
	if err != nil {
		return nil, err
	}

	return r.FindByID(ctx, row.ID)
}

type grantKeyRow struct {
	RoleID    int64
	ServiceID int64
}

// DefaultGrantKeys resolves roleName within serviceName and each infra
// service to concrete (role, service) pairs. Unknown services simply
// contribute nothing.
func (r *Repository) DefaultGrantKeys(ctx context.Context, roleName, serviceName string, infraServices []string) ([]identity.GrantKey, error) {
	names := make([]string, 0, len(infraServices)+1)
	seen := make(map[string]struct{}, len(infraServices)+1)
	for _, name := range append([]string{serviceName}, infraServices...) {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	var rows []grantKeyRow
	err := r.db.WithContext(ctx).
		Table("roles").
		Select("roles.id AS role_id, roles.service_id AS service_id").
		Joins("JOIN services ON services.id = roles.service_id").
		Where("roles.name = ? AND roles.deleted = ? AND services.deleted = ? AND services.name IN ?",
			roleName, false, false, names).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	keys := make([]identity.GrantKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, identity.GrantKey{RoleID: row.RoleID, ServiceID: row.ServiceID})
	}
	return keys, nil
}

// UpsertGrants inserts the grant rows, leaning on the unique triple index:
// a duplicate-key conflict means the grant is already held and counts as
// success.
func (r *Repository) UpsertGrants(ctx context.Context, userID int64, keys []identity.GrantKey) error {
	if len(keys) == 0 {
		return nil
	}
	grants := make([]datamodel.Grant, 0, len(keys))
	for _, key := range keys {
		grants = append(grants, datamodel.Grant{
			UserID:    userID,
			RoleID:    key.RoleID,
			ServiceID: key.ServiceID,
		})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&grants).Error
}

func (r *Repository) ResetTokenExists(ctx context.Context, token string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&datamodel.User{}).
		Where("reset_token = ? AND deleted = ?", token, false).
		Count(&count).Error
	return count > 0, err
}

// SaveResetToken installs the token pair guarded by the optimistic version
// counter; a concurrent writer that got there first leaves zero rows
// affected.
func (r *Repository) SaveResetToken(ctx context.Context, userID int64, expectedVersion int64, token string, expiresAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&datamodel.User{}).
		Where("id = ? AND version = ? AND deleted = ?", userID, expectedVersion, false).
		Updates(map[string]interface{}{
			"reset_token":            token,
			"reset_token_expires_at": expiresAt,
			"version":                gorm.Expr("version + 1"),
			"updated_at":             time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return identity.ErrStaleVersion
	}
	return nil
}

// ConsumePasswordReset clears the token pair and installs the new hash in
// the same update. The token match rides in the WHERE clause, so a replayed
// or raced token affects zero rows and reports not-found.
func (r *Repository) ConsumePasswordReset(ctx context.Context, token string, passwordHash string, now time.Time) (*identity.User, error) {
	return r.consumeToken(ctx, token, now, map[string]interface{}{
		"password_hash":          passwordHash,
		"reset_token":            nil,
		"reset_token_expires_at": nil,
		"version":                gorm.Expr("version + 1"),
		"updated_at":             now,
	})
}

// ConsumeEmailVerification clears the token pair and flips the verified flag
// atomically.
func (r *Repository) ConsumeEmailVerification(ctx context.Context, token string, now time.Time) (*identity.User, error) {
	return r.consumeToken(ctx, token, now, map[string]interface{}{
		"is_email_verified":      true,
		"email_verified_at":      now,
		"reset_token":            nil,
		"reset_token_expires_at": nil,
		"version":                gorm.Expr("version + 1"),
		"updated_at":             now,
	})
}

func (r *Repository) consumeToken(ctx context.Context, token string, now time.Time, updates map[string]interface{}) (*identity.User, error) {
	var row datamodel.User
	err := r.db.WithContext(ctx).
		Where("reset_token = ? AND deleted = ? AND reset_token_expires_at >= ?", token, false, now).
		First(&row).Error
	if err != nil {
		return nil, translateNotFound(err)
	}

	res := r.db.WithContext(ctx).Model(&datamodel.User{}).
		Where("id = ? AND reset_token = ?", row.ID, token).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Raced with another consumer; the token is gone either way.
		return nil, identity.ErrNotFound
	}

	return r.FindByID(ctx, row.ID)
}

// SoftDeleteUser marks the row deleted and mangles the unique columns with a
// timestamp suffix so the email and username become reusable.
func (r *Repository) SoftDeleteUser(ctx context.Context, userID int64, expectedVersion int64) error {
	var row datamodel.User
	err := r.db.WithContext(ctx).
		Where("id = ? AND deleted = ?", userID, false).
		First(&row).Error
	if err != nil {
		return translateNotFound(err)
	}

	suffix := fmt.Sprintf("#deleted-%d", time.Now().Unix())
	updates := map[string]interface{}{
		"deleted":    true,
		"email":      row.Email + suffix,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}
	if row.Username != nil {
		updates["username"] = *row.Username + suffix
	}

	res := r.db.WithContext(ctx).Model(&datamodel.User{}).
		Where("id = ? AND version = ?", userID, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return identity.ErrStaleVersion
	}
	return nil
}

// --- mapping helpers ---

func toDomain(row *datamodel.User) *identity.User {
	user := &identity.User{
		ID:              row.ID,
		Email:           row.Email,
		Username:        row.Username,
		FirstName:       row.FirstName,
		LastName:        row.LastName,
		PasswordHash:    row.PasswordHash,
		ProfileType:     row.ProfileType,
		IsActive:        row.IsActive,
		IsEmailVerified: row.IsEmailVerified,
		Version:         row.Version,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}

	for _, g := range row.Grants {
		if g.Role == nil || g.Service == nil {
			continue
		}
		if g.Role.Deleted || g.Service.Deleted {
			continue
		}
		perms := make([]string, 0, len(g.Role.Permissions))
		for _, p := range g.Role.Permissions {
			if p.Deleted {
				continue
			}
			perms = append(perms, p.Name)
		}
		user.Grants = append(user.Grants, identity.Grant{
			Role: identity.Role{
				ID:          g.Role.ID,
				Name:        g.Role.Name,
				Permissions: perms,
			},
			Service: identity.ServiceRef{
				ID:   g.Service.ID,
				Name: g.Service.Name,
			},
		})
	}

	return user
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.ErrNotFound
	}
	return err
}

func translateDuplicate(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	isDup := errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint")
	if !isDup {
		return err
	}
	if strings.Contains(msg, "username") {
		return identity.ErrDuplicateName
	}
	return identity.ErrDuplicateEmail
}
