package main

import (
	"os"

	"github.com/datahaul/datahaul/cmd/warehouseingester/cmd"
	"github.com/datahaul/datahaul/internal/common/logging"
)

func main() {
	logging.ConfigureCommandLineLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
