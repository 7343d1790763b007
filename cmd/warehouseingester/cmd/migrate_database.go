package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/warehouseingester"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the warehouse database to the latest version",
		RunE:  migrateDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the migration will fail if it has not completed")
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	start := time.Now()
	log.Info("Beginning warehouse database migration")
	ctx, cancel := haulcontext.WithTimeout(haulcontext.Background(), timeout)
	defer cancel()
	if err := warehouseingester.MigrateDatabase(ctx, config); err != nil {
		return errors.WithMessage(err, "failed to migrate warehouse database")
	}
	log.Infof("Warehouse database migrated in %s", time.Since(start))
	return nil
}
