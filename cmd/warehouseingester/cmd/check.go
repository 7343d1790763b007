package cmd

import (
	"github.com/spf13/cobra"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/warehouseingester"
)

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "checks that every configured broker, database and bucket is reachable",
		RunE:  check,
	}
	return cmd
}

func check(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	return warehouseingester.Check(haulcontext.Background(), config)
}
