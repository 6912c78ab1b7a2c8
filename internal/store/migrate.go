/**
 * @description
 * Embedded schema migrations for the billing-service, applied at startup with
 * goose. The migration runner goes through database/sql on the pgx stdlib
 * adapter; the application itself keeps using the pgx pool directly.
 *
 * @dependencies
 * - embed, database/sql: Standard Go libraries.
 * - github.com/jackc/pgx/v5/stdlib: database/sql driver backed by pgx.
 * - github.com/pressly/goose/v3: Migration runner.
 */

package store

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies all pending schema migrations against the database.
func RunMigrations(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
