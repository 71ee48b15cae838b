// Package database opens the relational store and keeps its schema current.
package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/files"
	"github.com/MarcoPoloResearchLab/vault/internal/identity"
	"github.com/MarcoPoloResearchLab/vault/internal/invites"
	"github.com/MarcoPoloResearchLab/vault/internal/items"
	"github.com/MarcoPoloResearchLab/vault/internal/moderation"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and addresses the store.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Models lists every persisted type in migration order.
func Models() []any {
	return []any{
		&users.User{},
		&identity.Session{},
		&identity.OTPCode{},
		&invites.InviteCode{},
		&spaces.Space{},
		&spaces.Category{},
		&items.Item{},
		&items.Revision{},
		&moderation.EditRequest{},
		&files.Attachment{},
		&activity.Log{},
		&migrationRecord{},
	}
}

// Open connects to the configured store and migrates it.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return OpenSQLite(cfg.Path, logger)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Migrate brings the schema up to date and runs pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	}
}
