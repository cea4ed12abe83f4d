package db

import (
	"fmt"
	"log/slog"

	"collab-editor/internal/config"
	"collab-editor/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the database selected by cfg.DBDriver and migrates the schema.
func NewGorm(cfg *config.Config, l *slog.Logger) (*GormDB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DBPath + "?_foreign_keys=1&_journal_mode=WAL")
	default:
		dialector = postgres.Open(cfg.DatabaseURL())
	}

	db, err := Open(dialector)
	if err != nil {
		return nil, err
	}

	l.Info("database connected and migrated", "driver", cfg.DBDriver)
	return db, nil
}

// Open connects through the given dialector and runs AutoMigrate.
// SQLite is pinned to a single connection so in-memory databases are shared
// and writes do not fail with "database is locked".
func Open(dialector gorm.Dialector) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	// GORM creates/updates tables based on struct definitions
	if err := db.AutoMigrate(
		&models.User{},
		&models.Document{},
		&models.Collaborator{},
		&models.ChangeRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &GormDB{db}, nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
