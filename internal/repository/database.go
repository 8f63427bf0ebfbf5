package repository

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations
var migrations embed.FS

// Open connects to the database of the given type ("sqlite" or "postgres")
// and runs the migrations.
func Open(dbType, dsn string, logger *zap.Logger) (*sqlx.DB, error) {
	var driver string
	switch dbType {
	case "sqlite", "":
		dbType, driver = "sqlite", "sqlite"
	case "postgres":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbType == "sqlite" {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(db, dbType, logger); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Database ready", zap.String("type", dbType))
	return db, nil
}

// Migrate applies the embedded migrations of dbType
func Migrate(db *sqlx.DB, dbType string, logger *zap.Logger) error {
	var (
		driver database.Driver
		err    error
	)
	switch dbType {
	case "sqlite":
		driver, err = sqlite.WithInstance(db.DB, &sqlite.Config{})
	case "postgres":
		driver, err = postgres.WithInstance(db.DB, &postgres.Config{})
	default:
		return fmt.Errorf("unsupported database type %q", dbType)
	}
	if err != nil {
		return fmt.Errorf("failed to get database instance for migrations: %w", err)
	}

	src, err := iofs.New(migrations, "migrations/"+dbType)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "active_tagger", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Database migration was run successfully", zap.String("type", dbType))
	return nil
}
