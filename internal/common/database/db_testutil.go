package database

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/util"
)

// TestPostgresEnvVar holds the libpq connection string of a server that tests may create databases on.
// Tests needing postgres should skip when it is unset.
const TestPostgresEnvVar = "DATAHAUL_TEST_POSTGRES"

// TestPostgresAvailable reports whether a test postgres server has been configured
func TestPostgresAvailable() bool {
	return os.Getenv(TestPostgresEnvVar) != ""
}

// WithTestDb connects to the server named by DATAHAUL_TEST_POSTGRES, creates a dedicated database, applies
// migrations and then calls action.  The database is dropped afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()
	connectionString := os.Getenv(TestPostgresEnvVar)
	if connectionString == "" {
		return errors.Errorf("%s is not set", TestPostgresEnvVar)
	}

	// Connect and create a dedicated database for the test
	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	// Connect again: this time to the database we just created.  This is the database we use for tests
	testDbPool, err := pgxpool.New(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// disconnect all db user before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	err = UpdateDatabase(ctx, testDbPool, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}
