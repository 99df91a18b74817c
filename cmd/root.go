package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicsense/reportgen/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "reportgen",
	Short: "LLM-driven survey report generation pipeline",
	Long:  "Consumes report jobs from a queue, runs survey comments through a multi-step LLM analysis pipeline with checkpoint/resume, and stores the finished report.",
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
}
