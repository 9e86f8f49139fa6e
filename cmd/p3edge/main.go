package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "p3edge",
		Short: "Household consumption forecasting service",
	}
	root.AddCommand(serveCMD(), migrateCMD(), pretrainCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
