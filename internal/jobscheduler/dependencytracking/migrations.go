package dependencytracking

import (
	"embed"

	"github.com/dbcdk/dataio/internal/common/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the postgres schema migrations of the scheduler, in order.
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations")
}
