package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/config"
)

var cfg *config.Config

// exitCode lets commands report a degraded outcome (partial run = 2)
// without routing it through an error.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "stockpulse",
	Short: "Market data extraction and reconciliation pipeline",
	Long:  "Extracts listed-company fields from exchange archives, vendor APIs, scraped ratio pages, registrar drops and filing feeds, reconciles them across sources, and serves validated values with per-symbol confidence scores.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}
