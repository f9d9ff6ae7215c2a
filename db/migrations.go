package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Migration represents a single database migration
type Migration struct {
	ID   int
	Name string
	Up   func(*gorm.DB) error
}

// allMigrations is the ordered list of all migrations.
// They run after AutoMigrate and cover what struct tags cannot express.
var allMigrations = []Migration{
	{
		ID:   1,
		Name: "0001_unique_main_compose_config",
		Up:   migration0001UniqueMainComposeConfig,
	},
	{
		ID:   2,
		Name: "0002_unique_in_progress_operation",
		Up:   migration0002UniqueInProgressOperation,
	},
	{
		ID:   3,
		Name: "0003_unique_shared_database_identity",
		Up:   migration0003UniqueSharedDatabaseIdentity,
	},
}

// AllModels returns all the models that need to be migrated
func AllModels() []any {
	return []any{
		&MigrationModel{},
		&SiteModel{},
		&ComposeConfigModel{},
		&OperationModel{},
		&SettingModel{},
		&AuditEntryModel{},
	}
}

// AutoMigrateAll runs auto-migration for all application models
func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to auto-migrate models: %w", err)
	}

	return RunMigrations(db, len(allMigrations))
}

// RunMigrations runs all migrations up to and including the specified ID
// If targetID is 0 or negative, all migrations are run
func RunMigrations(db *gorm.DB, targetID int) error {
	if targetID <= 0 {
		targetID = len(allMigrations)
	}

	for _, migration := range allMigrations {
		if migration.ID > targetID {
			break
		}

		applied, err := migrationApplied(db, migration.Name)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", migration.Name, err)
		}
		if applied {
			continue
		}

		if err := migration.Up(db); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Name, err)
		}

		if err := recordMigration(db, migration.Name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Name, err)
		}
	}

	return nil
}

// migrationApplied checks if a migration has already been applied
func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var count int64
	err := db.Model(&MigrationModel{}).Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// recordMigration records that a migration has been applied
func recordMigration(db *gorm.DB, name string) error {
	migration := MigrationModel{
		Name:      name,
		AppliedAt: time.Now(),
	}
	return db.Create(&migration).Error
}

// migration0001UniqueMainComposeConfig allows a single main stack row.
// The composite index treats NULL site ids as distinct so it cannot do this.
func migration0001UniqueMainComposeConfig(db *gorm.DB) error {
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_compose_configs_main
		ON compose_configs (config_type) WHERE config_type = 'main'
	`).Error
}

// migration0002UniqueInProgressOperation allows at most one in-progress
// operation per lock key.
func migration0002UniqueInProgressOperation(db *gorm.DB) error {
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_lock_in_progress
		ON operations (lock_key) WHERE in_progress = 1
	`).Error
}

// migration0003UniqueSharedDatabaseIdentity keeps two sites from sharing a
// database or user on the shared server. Dedicated servers are per site and
// may reuse names.
func migration0003UniqueSharedDatabaseIdentity(db *gorm.DB) error {
	statements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sites_shared_db_user
		ON sites (db_user) WHERE db_type = 'shared' AND db_user <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sites_shared_db_name
		ON sites (db_name) WHERE db_type = 'shared' AND db_name <> ''`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
