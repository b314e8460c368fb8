package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/orchestrator"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the resume point and per-phase progress of a run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, g, err := openInspect(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := orchestrator.Status(ctx, st, g, cfg.Run.ID)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		formatStatus(os.Stdout, report)
		return nil
	},
}

func formatStatus(w io.Writer, r *orchestrator.StatusReport) {
	fmt.Fprintf(w, "Run:     %s\n", r.RunID)
	if r.Resume.Done {
		fmt.Fprintln(w, "Resume:  all phases complete")
	} else {
		fmt.Fprintf(w, "Resume:  phase %s, batch %d\n", r.Resume.PhaseID, r.Resume.BatchIndex)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tGROUP\tCOMPLETE\tBATCHES\tINCOMPLETE\tRESULTS\tFAILURES")
	for _, p := range r.Phases {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%d\t%d\t%d\n",
			p.PhaseID, p.Group, p.Complete, p.BatchesRecorded, p.Incomplete, p.Results, p.Failures)
	}
	tw.Flush() //nolint:errcheck
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List every failed task of a run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, g, err := openInspect(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		failures, err := orchestrator.Failures(ctx, st, g, cfg.Run.ID)
		if err != nil {
			return eris.Wrap(err, "failures")
		}
		if len(failures) == 0 {
			fmt.Fprintln(os.Stderr, "No failures recorded.")
			return nil
		}
		formatFailures(os.Stdout, failures)
		return nil
	},
}

func formatFailures(w io.Writer, failures []model.FailureEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tBATCH\tTASK\tKIND\tATTEMPTS\tDETAIL")
	for _, f := range failures {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n",
			f.PhaseID, f.BatchIndex, f.TaskID, f.Kind, f.Attempt, truncate(f.Detail, 80))
	}
	tw.Flush() //nolint:errcheck
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(failuresCmd)
}
