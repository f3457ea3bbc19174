package db

import (
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SchemaVersion is recorded in schema_migrations after a successful Migrate.
const SchemaVersion = 1

type SchemaMigration struct {
	Version   int `gorm:"primaryKey"`
	AppliedAt time.Time
}

// Connect opens a gorm handle for the configured driver. SQLite is the
// default embedded store; mysql is supported for larger deployments.
func Connect(driver, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		gdb, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
		}
		return gdb, nil
	case "mysql":
		gdb, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		return gdb, nil
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", driver)
	}
}

// Migrate creates or upgrades the given models in place and records the
// schema version. Safe to call on every start.
func Migrate(gdb *gorm.DB, models ...any) error {
	all := append([]any{&SchemaMigration{}}, models...)
	if err := gdb.AutoMigrate(all...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	row := SchemaMigration{Version: SchemaVersion, AppliedAt: time.Now().UTC()}
	if err := gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}
