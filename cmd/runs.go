package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing and viewing runs recorded in the ledger.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		l, err := requireLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := l.ListRuns(ctx, ledger.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its phases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := requireLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		run, err := l.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		phases, err := l.ListPhaseRuns(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*model.Run
			PhaseRuns []model.PhaseRun `json:"phase_runs"`
		}{run, phases})
	},
}

// -- failures --

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List items replaced by flagged placeholders",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		l, err := requireLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		phase, _ := cmd.Flags().GetString("phase")
		limit, _ := cmd.Flags().GetInt("limit")

		failures, err := l.ListFailures(ctx, ledger.FailureFilter{
			RunID: runID,
			Phase: phase,
			Limit: limit,
		})
		if err != nil {
			return eris.Wrap(err, "failures")
		}

		if len(failures) == 0 {
			fmt.Fprintln(os.Stderr, "No failures recorded.")
			return nil
		}

		formatFailures(cmd.OutOrStdout(), failures)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, failed, interrupted)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	failuresCmd.Flags().String("run", "", "filter by run ID")
	failuresCmd.Flags().String("phase", "", "filter by phase")
	failuresCmd.Flags().Int("limit", 100, "max number of failures to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(failuresCmd)
}

// requireLedger opens the ledger or explains that it is disabled.
func requireLedger(cmd *cobra.Command) (ledger.Ledger, error) {
	l, err := openLedger(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, eris.New("ledger is disabled (set ledger.driver)")
	}
	return l, nil
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPHASES\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		phases := strings.Join(r.Phases, ",")
		if len(phases) > 30 {
			phases = phases[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Status,
			phases,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatFailures writes a tabular list of item failures to w.
func formatFailures(out io.Writer, failures []model.ItemFailure) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tPHASE\tBATCH\tITEM\tKIND\tFLAGS\tERROR")
	for _, f := range failures {
		flags := make([]string, len(f.Flags))
		for i, fl := range f.Flags {
			flags[i] = string(fl)
		}
		msg := f.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			truncateID(f.RunID), f.Phase, f.BatchIndex, f.ItemID, f.ErrorKind, strings.Join(flags, ","), msg)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
