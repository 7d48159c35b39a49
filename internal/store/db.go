// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/strandhq/strand/internal/config"
)

// DB wraps the GORM database connection
type DB struct {
	db *gorm.DB
}

// NewDB opens the database and runs migrations.
func NewDB(cfg *config.DatabaseConfig) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{db: gdb}
	if err := db.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// AutoMigrate runs database migrations
func (d *DB) AutoMigrate() error {
	return d.db.AutoMigrate(
		&Project{},
		&Thread{},
		&Message{},
		&ToolCall{},
		&StageHistory{},
		&Automation{},
		&AutomationRun{},
	)
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Gorm exposes the raw handle for managers in this package's consumers.
func (d *DB) Gorm() *gorm.DB {
	return d.db
}
