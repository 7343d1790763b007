package store

import (
	"embed"

	"github.com/datahaul/datahaul/internal/common/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the schema migrations for every table the ingester writes to
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationsFS, "migrations")
}
