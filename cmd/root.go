package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/config"
)

var cfg *config.Config

var (
	pipelineFile string
	runIDFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "research-orchestrator",
	Short: "Resumable phase pipeline runner",
	Long:  "Runs a multi-phase research pipeline in dependency order with bounded batches, checkpointing every batch so an interrupted run resumes where it stopped.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if pipelineFile != "" {
			cfg.Run.PipelineFile = pipelineFile
		}
		if runIDFlag != "" {
			cfg.Run.ID = runIDFlag
		}

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&pipelineFile, "pipeline", "", "pipeline definition file (default from config)")
	rootCmd.PersistentFlags().StringVar(&runIDFlag, "run-id", "", "run identifier (default from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
