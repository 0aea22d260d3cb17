package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const migrationsPath = "migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations. Databases created by
// pre-migrate versions of this program are detected and stamped at the
// matching version so the additive migrations still apply cleanly.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: nil db")
	}

	sourceDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}

	if err := stampLegacyBaseline(db, dbDriver); err != nil {
		return fmt.Errorf("migrate: baseline: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// stampLegacyBaseline aligns migration version metadata for databases created
// before golang-migrate was introduced. A users table without activity
// columns corresponds to version 1; with them, version 2.
func stampLegacyBaseline(db *sql.DB, driver migratedb.Driver) error {
	hasVersion, err := hasMigrationVersion(db)
	if err != nil {
		return err
	}
	if hasVersion {
		return nil
	}

	hasUsers, err := hasTable(db, "users")
	if err != nil {
		return err
	}
	if !hasUsers {
		return nil // fresh database, migrate from scratch
	}

	hasTier, err := hasTableColumn(db, "users", "activity_tier")
	if err != nil {
		return err
	}
	version := 1
	if hasTier {
		version = 2
	}
	if err := driver.SetVersion(version, false); err != nil {
		return fmt.Errorf("set migration version=%d: %w", version, err)
	}
	return nil
}

func hasMigrationVersion(db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	if err != nil {
		// The table is created by the migrate driver itself; absence means
		// this database has never been migrated.
		return false, nil
	}
	return count > 0, nil
}

func hasTable(db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup table %s: %w", table, err)
	}
	return true, nil
}

func hasTableColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			defaultV  sql.NullString
			primaryID int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultV, &primaryID); err != nil {
			return false, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate table_info(%s): %w", table, err)
	}
	return false, nil
}
