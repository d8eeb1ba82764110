package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/fxengine/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage engine configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  fxengine config init -o fxengine.yaml
  fxengine config validate -f fxengine.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Check that a configuration file loads and passes validation. Secrets
from the --env file and the environment are applied first.`,
	RunE: runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "fxengine.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

// loadConfig reads the dotenv file, decodes the document, applies secrets
// from the environment and only then validates, so a token kept out of the
// file still satisfies the checks.
func loadConfig(path, env string) (*config.Config, error) {
	if err := config.LoadEnv(env); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("✓ Created default configuration: %s\n", configInitOutput)
	fmt.Println("\nEdit the file and run with:")
	fmt.Printf("  fxengine run -f %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configValidatePath, envPath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Printf("✓ Configuration valid: %s\n", configValidatePath)
	fmt.Printf("  Account: %s (%s)\n", cfg.Account.ID, cfg.Account.Currency)
	fmt.Printf("  Instruments: %s\n", strings.Join(cfg.InstrumentNames(), ", "))
	fmt.Printf("  Mode: %s (min confidence %.2f)\n", cfg.Mode(), cfg.Strategy.MinConfidence)
	fmt.Printf("  Risk: %.2f%% per trade, %.1f%% max drawdown\n", cfg.Risk.RiskPct*100, cfg.Risk.MaxDrawdown*100)
	fmt.Printf("  Broker: %s\n", cfg.Broker.Type)
	fmt.Printf("  Journal: %s\n", cfg.Journal.Type)
	return nil
}
