// Package migrations embeds the goose SQL migrations for every table the
// Store owns (§3) and exposes a single Run entrypoint used by all three
// binaries at startup.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// Run applies every pending migration using the given *sql.DB (opened
// with the pgx stdlib driver).
func Run(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "sql"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
