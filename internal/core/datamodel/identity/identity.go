package identity

import "time"

// Persistence models for the identity authority. Soft deletes keep the row
// and mangle the unique column so the original value becomes reusable; the
// Version column backs optimistic concurrency on every mutating update.

type User struct {
	ID                  int64      `gorm:"primaryKey"`
	Email               string     `gorm:"column:email;not null;uniqueIndex:idx_users_email,where:deleted = false"`
	Username            *string    `gorm:"column:username;uniqueIndex:idx_users_username,where:deleted = false"`
	FirstName           string     `gorm:"column:first_name"`
	LastName            string     `gorm:"column:last_name"`
	PasswordHash        *string    `gorm:"column:password_hash"`
	ProfileType         string     `gorm:"column:profile_type;default:local"`
	IsActive            bool       `gorm:"column:is_active;default:true"`
	IsEmailVerified     bool       `gorm:"column:is_email_verified;default:false"`
	EmailVerifiedAt     *time.Time `gorm:"column:email_verified_at"`
	ResetToken          *string    `gorm:"column:reset_token;uniqueIndex:idx_users_reset_token,where:deleted = false"`
	ResetTokenExpiresAt *time.Time `gorm:"column:reset_token_expires_at"`
	Deleted             bool       `gorm:"column:deleted;default:false"`
	Version             int64      `gorm:"column:version;default:1"`
	CreatedAt           time.Time  `gorm:"column:created_at;default:now()"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;default:now()"`

	Grants []Grant `gorm:"foreignKey:UserID"`
}

type Service struct {
	ID          int64     `gorm:"primaryKey"`
	Name        string    `gorm:"column:name;not null;uniqueIndex:idx_services_name,where:deleted = false"`
	Description string    `gorm:"column:description"`
	Deleted     bool      `gorm:"column:deleted;default:false"`
	Version     int64     `gorm:"column:version;default:1"`
	CreatedAt   time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt   time.Time `gorm:"column:updated_at;default:now()"`
}

// Role is scoped to exactly one service.
type Role struct {
	ID          int64     `gorm:"primaryKey"`
	Name        string    `gorm:"column:name;not null"`
	Description string    `gorm:"column:description"`
	ServiceID   int64     `gorm:"column:service_id;not null"`
	Deleted     bool      `gorm:"column:deleted;default:false"`
	Version     int64     `gorm:"column:version;default:1"`
	CreatedAt   time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt   time.Time `gorm:"column:updated_at;default:now()"`

	Service     *Service     `gorm:"foreignKey:ServiceID"`
	Permissions []Permission `gorm:"many2many:role_permissions;"`
}

type Permission struct {
	ID          int64     `gorm:"primaryKey"`
	Name        string    `gorm:"column:name;uniqueIndex;not null"`
	Description string    `gorm:"column:description"`
	Deleted     bool      `gorm:"column:deleted;default:false"`
	Version     int64     `gorm:"column:version;default:1"`
	CreatedAt   time.Time `gorm:"column:created_at;default:now()"`
}

// Grant is the atomic authorization fact: this user may act as this role
// within this service. The triple is unique; concurrent idempotent inserts
// race on the constraint, not on an application lock.
type Grant struct {
	ID        int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"column:user_id;not null;uniqueIndex:idx_grants_triple"`
	RoleID    int64     `gorm:"column:role_id;not null;uniqueIndex:idx_grants_triple"`
	ServiceID int64     `gorm:"column:service_id;not null;uniqueIndex:idx_grants_triple"`
	CreatedAt time.Time `gorm:"column:created_at;default:now()"`

	Role    *Role    `gorm:"foreignKey:RoleID"`
	Service *Service `gorm:"foreignKey:ServiceID"`
}

func (User) TableName() string       { return "users" }
func (Service) TableName() string    { return "services" }
func (Role) TableName() string       { return "roles" }
func (Permission) TableName() string { return "permissions" }
func (Grant) TableName() string      { return "grants" }
