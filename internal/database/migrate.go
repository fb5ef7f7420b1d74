package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"symbol-optimizer/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func (db *DB) newMigrator() (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", db.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open migration connection: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create pgx migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, sqlDB, nil
}

// RunMigrations applies all pending schema migrations
func (db *DB) RunMigrations() error {
	log := logging.WithComponent("database")
	log.Info("running database migrations")

	m, sqlDB, err := db.newMigrator()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	log.Info("database migrations completed", "version", version, "dirty", dirty)
	return nil
}

// RollbackMigration reverts the most recent migration
func (db *DB) RollbackMigration() error {
	m, sqlDB, err := db.newMigrator()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := m.Steps(-1); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	logging.WithComponent("database").Info("migration rolled back")
	return nil
}
