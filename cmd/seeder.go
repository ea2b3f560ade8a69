package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	datamodel "github.com/frahmantamala/identity-mesh/internal/core/datamodel/identity"
	"github.com/frahmantamala/identity-mesh/internal/identity"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with the mesh catalog",
	Long:  `Seed services, roles, permissions and a bootstrap admin user for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(".")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		sqlxDB, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer sqlxDB.Close()

		db, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: sqlxDB.DB}), &gorm.Config{})
		if err != nil {
			log.Fatalf("failed to open gorm: %v", err)
		}

		if clearData {
			clearCatalog(db)
		}

		if err := seedCatalog(db); err != nil {
			log.Fatalf("failed to seed catalog: %v", err)
		}

		if err := seedAdmin(db, cfg.Security.BCryptCost); err != nil {
			log.Fatalf("failed to seed admin user: %v", err)
		}

		fmt.Println("seeding complete")
	},
}

var seedServices = []string{
	identity.ServiceAuth,
	identity.ServiceEmail,
	identity.ServiceNotification,
	"convoc",
	"files",
	"mindmax",
}

var seedPermissions = []struct {
	Name string
	Desc string
}{
	{"read", "Can read resources"},
	{"create", "Can create resources"},
	{"update", "Can update resources"},
	{"delete", "Can delete resources"},
}

func clearCatalog(db *gorm.DB) {
	// Order respects the foreign keys.
	for _, table := range []string{"grants", "role_permissions", "roles", "permissions", "services", "users"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			log.Fatalf("failed to clear %s: %v", table, err)
		}
	}
	fmt.Println("cleared existing data")
}

// seedCatalog creates the mesh services, an admin and a member role inside
// each, and attaches the four CRUD permissions to every role. All inserts are
// idempotent lookups-or-creates.
func seedCatalog(db *gorm.DB) error {
	perms := make([]datamodel.Permission, 0, len(seedPermissions))
	for _, p := range seedPermissions {
		var perm datamodel.Permission
		err := db.Where(datamodel.Permission{Name: p.Name}).
			Attrs(datamodel.Permission{Description: p.Desc, Version: 1}).
			FirstOrCreate(&perm).Error
		if err != nil {
			return fmt.Errorf("permission %s: %w", p.Name, err)
		}
		perms = append(perms, perm)
	}

	for _, name := range seedServices {
		var svc datamodel.Service
		err := db.Where(datamodel.Service{Name: name}).
			Attrs(datamodel.Service{Version: 1}).
			FirstOrCreate(&svc).Error
		if err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}

		for _, roleName := range []string{identity.RoleAdmin, identity.RoleMember} {
			var role datamodel.Role
			err := db.Where(datamodel.Role{Name: roleName, ServiceID: svc.ID}).
				Attrs(datamodel.Role{Version: 1}).
				FirstOrCreate(&role).Error
			if err != nil {
				return fmt.Errorf("role %s in %s: %w", roleName, name, err)
			}

			if err := db.Model(&role).Association("Permissions").Replace(perms); err != nil {
				return fmt.Errorf("permissions for %s in %s: %w", roleName, name, err)
			}
		}

		fmt.Printf("seeded service %s with admin and member roles\n", name)
	}

	return nil
}

// seedAdmin creates a verified bootstrap admin holding the admin role of
// every seeded service.
func seedAdmin(db *gorm.DB, bcryptCost int) error {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("changeme-admin"), bcryptCost)
	if err != nil {
		return err
	}
	hashed := string(hash)
	username := "admin"

	var admin datamodel.User
	err = db.Where(datamodel.User{Email: "admin@identity-mesh.local"}).
		Attrs(datamodel.User{
			Username:        &username,
			FirstName:       "Mesh",
			LastName:        "Admin",
			PasswordHash:    &hashed,
			ProfileType:     "local",
			IsActive:        true,
			IsEmailVerified: true,
			Version:         1,
		}).
		FirstOrCreate(&admin).Error
	if err != nil {
		return err
	}

	var roles []datamodel.Role
	if err := db.Where("name = ? AND deleted = ?", identity.RoleAdmin, false).Find(&roles).Error; err != nil {
		return err
	}

	for _, role := range roles {
		var grant datamodel.Grant
		err := db.Where(datamodel.Grant{UserID: admin.ID, RoleID: role.ID, ServiceID: role.ServiceID}).
			FirstOrCreate(&grant).Error
		if err != nil {
			return fmt.Errorf("grant for role %d: %w", role.ID, err)
		}
	}

	fmt.Println("seeded admin user: admin@identity-mesh.local")
	return nil
}
