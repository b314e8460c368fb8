package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/orchestrator"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Maintain persisted checkpoints",
}

var resetPhase string

var checkpointsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete a phase's checkpoints and those of its dependents",
	Long:  "Deletes the checkpoints of --phase and every phase that depends on it, so the next run re-executes them.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, g, err := openInspect(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reset, err := orchestrator.ResetPhase(ctx, st, g, cfg.Run.ID, resetPhase)
		if err != nil {
			return eris.Wrap(err, "checkpoints reset")
		}
		zap.L().Info("checkpoints reset",
			zap.String("run_id", cfg.Run.ID),
			zap.Strings("phases", reset),
		)
		fmt.Fprintf(os.Stdout, "Reset %d phase(s): %s\n", len(reset), strings.Join(reset, ", "))
		return nil
	},
}

func init() {
	checkpointsResetCmd.Flags().StringVar(&resetPhase, "phase", "", "phase to reset (required)")
	_ = checkpointsResetCmd.MarkFlagRequired("phase")
	checkpointsCmd.AddCommand(checkpointsResetCmd)
	rootCmd.AddCommand(checkpointsCmd)
}
