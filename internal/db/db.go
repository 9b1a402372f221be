// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// package db persists the audit log. It abstracts the underlying database
// (SQLite, PostgreSQL or MySQL) behind Bun and applies embedded migrations
// on open.
package db // import "github.com/toeirei/poolgate/internal/db"

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// TypeNone disables the audit store.
const TypeNone = "none"

var (
	//go:embed migrations
	embeddedMigrations embed.FS
	// sqlOpenFunc allows tests to override database opening behavior.
	sqlOpenFunc = sql.Open
)

// driverFor maps a database type to its registered driver name. The pgx
// stdlib registers "pgx", so "postgres" maps to that.
func driverFor(dbType string) (string, error) {
	switch dbType {
	case "sqlite", "mysql":
		return dbType, nil
	case "postgres":
		return "pgx", nil
	}
	return "", fmt.Errorf("unsupported database type: '%s'", dbType)
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// New opens the database, runs migrations and returns a Store. For
// TypeNone it returns a nil store and no error; a nil *Store is a valid
// no-op audit writer.
func New(dbType, dsn string) (*Store, error) {
	if dbType == TypeNone || dbType == "" {
		return nil, nil
	}
	driverName, err := driverFor(dbType)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	sqlDB, err := sqlOpenFunc(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := envInt("POOLGATE_DB_MAX_OPEN_CONNS", 10)
	maxIdle := envInt("POOLGATE_DB_MAX_IDLE_CONNS", 10)
	// every connection to ":memory:" gets its own database
	if dbType == "sqlite" && (dsn == ":memory:" || strings.Contains(dsn, "mode=memory")) {
		maxOpen, maxIdle = 1, 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Duration(envInt("POOLGATE_DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second)
	dbLogf("db: opened %s driver in %s (max open=%d)", driverName, time.Since(start), maxOpen)

	if err := RunMigrations(sqlDB, dbType); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{bun: createBunDB(sqlDB, dbType), dbType: dbType, clock: time.Now}, nil
}

// createBunDB constructs a *bun.DB for the provided *sql.DB and dbType.
func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// RunMigrations applies every embedded migrations/<dbType>/*.up.sql file
// that is not yet recorded in schema_migrations, each in its own
// transaction.
func RunMigrations(db *sql.DB, dbType string) error {
	start := time.Now()
	migrationsPath := fmt.Sprintf("migrations/%s", dbType)

	entries, err := fs.ReadDir(embeddedMigrations, migrationsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read embedded migrations (%s): %w", migrationsPath, err)
	}

	var ups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	if err := ensureSchemaMigrationsTable(db, dbType); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	selectQuery := "SELECT 1 FROM schema_migrations WHERE version = ?"
	insertQuery := "INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)"
	if dbType == "postgres" {
		selectQuery = "SELECT 1 FROM schema_migrations WHERE version = $1"
		insertQuery = "INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2)"
	}

	for _, fname := range ups {
		version := strings.TrimSuffix(fname, ".up.sql")

		var exists int
		err := db.QueryRow(selectQuery, version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check migration version %s: %w", version, err)
		}

		p := path.Join(migrationsPath, fname)
		data, err := embeddedMigrations.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", p, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}
		if _, err := tx.Exec(insertQuery, version, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}
	}
	dbLogf("db: applied migrations for %s in %s", dbType, time.Since(start))
	return nil
}

// ensureSchemaMigrationsTable creates schema_migrations if missing. MySQL
// cannot index TEXT without a length, so it gets a VARCHAR key.
func ensureSchemaMigrationsTable(db *sql.DB, dbType string) error {
	stmt := `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP)`
	if dbType == "mysql" {
		stmt = `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(191) PRIMARY KEY, applied_at TIMESTAMP)`
	}
	_, err := db.Exec(stmt)
	return err
}
