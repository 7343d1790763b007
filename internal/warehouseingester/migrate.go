package warehouseingester

import (
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/database"
	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/warehouseingester/store"
)

// MigrateDatabase applies any schema migrations that have not yet been applied
func MigrateDatabase(ctx *haulcontext.Context, config Configuration) error {
	if config.Postgres == nil {
		return errors.New("postgres is not configured")
	}
	migrations, err := store.Migrations()
	if err != nil {
		return err
	}
	db, err := database.OpenPgxPool(*config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "error opening connection to postgres")
	}
	defer db.Close()
	return database.UpdateDatabase(ctx, db, migrations)
}
