package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fxengine",
	Short: "Automated FX trading engine with risk controls",
	Long: `fxengine evaluates technical signals on a set of FX instruments, sizes
trades against a risk budget and manages the resulting positions through a
broker bridge or the built-in simulator.

It provides tools for:
  - Running the trading engine against a live bridge or replayed ticks
  - Generating and validating configuration files
  - Reporting on and exporting the trade journal`,
	SilenceUsage: true,
}

var envPath string

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "dotenv file with secrets")
}
