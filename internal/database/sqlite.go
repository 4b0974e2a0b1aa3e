package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/counter"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/graph"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/users"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/voting"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The connection pool is capped at one connection so transactions serialize
// instead of tripping over sqlite's single-writer lock.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&users.User{},
		&graph.Edge{},
		&content.Item{},
		&content.Comment{},
		&voting.Vote{},
		&counter.Counter{},
		&migrationRecord{},
	); err != nil {
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
