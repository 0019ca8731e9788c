package database

import (
	"errors"
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

const (
	// DriverSQLite selects the pure-Go SQLite dialector.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the pgx-backed PostgreSQL dialector.
	DriverPostgres = "postgres"
)

var (
	errMissingDSN      = errors.New("database dsn is required")
	errMissingRegistry = errors.New("database registry is required")
)

// Config selects the dialect and connection string.
type Config struct {
	Driver string
	DSN    string
}

// Open connects to the configured database, creates the tables of every schema in
// registry and applies pending migrations.
func Open(cfg Config, registry *records.Registry, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errMissingDSN
	}
	if registry == nil {
		return nil, errMissingRegistry
	}
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return nil, err
	}
	if err := SyncSchema(db, registry, logger); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, registry, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", dialector.Name()))
	}
	return db, nil
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return sqlite.Open(cfg.DSN), nil
	case DriverPostgres:
		if _, err := pgx.ParseConfig(cfg.DSN); err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		return postgres.New(postgres.Config{DSN: cfg.DSN}), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
