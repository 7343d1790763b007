package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	commonconfig "github.com/datahaul/datahaul/internal/common/config"
	"github.com/datahaul/datahaul/internal/common/logging"
	"github.com/datahaul/datahaul/internal/warehouseingester"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/warehouseingester"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "warehouseingester",
		SilenceUsage: true,
		Short:        "Streams e-commerce events from the message bus into the warehouse",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		checkCmd(),
	)

	return cmd
}

func loadConfig(flags *pflag.FlagSet) (warehouseingester.Configuration, error) {
	var config warehouseingester.Configuration
	userSpecifiedConfigs, err := flags.GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, errors.WithStack(err)
	}

	if _, err := commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	if err := logging.ConfigureLogging(config.Logging); err != nil {
		return config, err
	}
	return config, nil
}
