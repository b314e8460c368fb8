package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/checkpoint"
	"github.com/sells-group/research-orchestrator/internal/config"
	"github.com/sells-group/research-orchestrator/internal/events"
	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/monitoring"
	"github.com/sells-group/research-orchestrator/internal/phasegraph"
)

var runNew bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute or resume a pipeline run",
	Long:  "Executes every phase of the pipeline that is not yet complete for the run id. Re-running the same run id resumes from its checkpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runNew {
			cfg.Run.ID = uuid.NewString()
		}
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		outcome, err := executeRun(ctx, cfg, st, newSink(nil), os.Stdout)
		if outcome != nil {
			monitoring.NewAlerter(cfg.Monitoring).Notify(context.WithoutCancel(ctx), outcome)
		}
		if err != nil {
			return err
		}
		if outcome.Status == model.RunStatusAborted {
			return eris.Errorf("run %s aborted", outcome.RunID)
		}
		return nil
	},
}

// executeRun loads the pipeline, runs it against st, and writes the outcome
// as JSON to out. The outcome is written even when the run was interrupted.
func executeRun(ctx context.Context, c *config.Config, st checkpoint.Store, sink events.Sink, out io.Writer) (*model.RunOutcome, error) {
	g, def, err := phasegraph.LoadFile(c.Run.PipelineFile)
	if err != nil {
		return nil, err
	}
	zap.L().Info("pipeline loaded",
		zap.String("pipeline", def.Name),
		zap.String("run_id", c.Run.ID),
		zap.Strings("order", g.Order()),
	)

	o, err := newOrchestrator(c, st, g, builtinBodies(c), sink)
	if err != nil {
		return nil, err
	}

	outcome, runErr := o.Run(ctx)
	if outcome != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			return outcome, eris.Wrap(err, "encode outcome")
		}
	}
	if runErr != nil {
		return outcome, eris.Wrap(runErr, "pipeline run")
	}
	return outcome, nil
}

// loadGraph reads the configured pipeline definition.
func loadGraph() (*phasegraph.Graph, error) {
	g, _, err := phasegraph.LoadFile(cfg.Run.PipelineFile)
	return g, err
}

// openInspect opens the store and graph for read-mostly commands.
func openInspect(ctx context.Context) (checkpoint.Store, *phasegraph.Graph, error) {
	if err := cfg.Validate("inspect"); err != nil {
		return nil, nil, err
	}
	g, err := loadGraph()
	if err != nil {
		return nil, nil, err
	}
	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return st, g, nil
}

func init() {
	runCmd.Flags().BoolVar(&runNew, "new", false, "start a fresh run with a generated run id")
	rootCmd.AddCommand(runCmd)
}
