// Package database opens the engine's SQLite store and keeps its schema current.
package database

import (
	"fmt"

	"github.com/Lewis-walter7/comm-sub001/internal/chat"
	"github.com/Lewis-walter7/comm-sub001/internal/presence"
	"github.com/Lewis-walter7/comm-sub001/internal/updatelog"
	"github.com/Lewis-walter7/comm-sub001/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Models lists every persisted model of the engine.
func Models() []interface{} {
	models := chat.Models()
	return append(models,
		&updatelog.DocumentUpdate{},
		&presence.PresenceRecord{},
		&users.Profile{},
		&migrationRecord{},
	)
}
