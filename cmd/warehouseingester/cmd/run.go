package cmd

import (
	"github.com/spf13/cobra"

	"github.com/datahaul/datahaul/internal/warehouseingester"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs every configured ingestion pipeline until interrupted",
		RunE:  runIngester,
	}
	return cmd
}

func runIngester(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	return warehouseingester.Run(config)
}
