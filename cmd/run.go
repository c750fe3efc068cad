package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/monitoring"
	"github.com/sells-group/research-engine/internal/pipeline"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the phases of a manifest, resuming from checkpoints",
	Long: `Runs every phase declared in a YAML manifest in dependency order.
Completed phases are skipped and partially completed phases resume at their
first missing batch. SIGINT/SIGTERM stop the run after the in-flight batch is
checkpointed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path, _ := cmd.Flags().GetString("manifest")
		m, err := loadManifest(path)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		phases, err := buildPhases(m, env)
		if err != nil {
			return err
		}

		var opts []pipeline.Option
		if env.Ledger != nil {
			opts = append(opts, pipeline.WithLedger(env.Ledger))
		}
		runner := pipeline.NewRunner(env.Store, scheduler.Options{
			BatchSize:      cfg.Batch.Size,
			MaxConcurrency: cfg.Batch.MaxConcurrency,
			DrainTimeout:   cfg.Batch.DrainTimeout(),
			Limiter:        env.Limiter,
		}, opts...)

		rep, runErr := runner.Run(ctx, phases)
		logResilienceState(env)
		if rep != nil {
			formatRunReport(cmd.OutOrStdout(), rep)
			if cfg.Monitoring.WebhookURL != "" {
				alerter := monitoring.NewAlerter(cfg.Monitoring)
				alerter.SendAlerts(context.WithoutCancel(ctx), alerter.EvaluateRun(rep))
			}
		}
		if runErr != nil {
			zap.L().Error("run finished with errors", zap.Error(runErr))
			return eris.Wrap(runErr, "run")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("manifest", "pipeline.yaml", "path to the phase manifest")
	rootCmd.AddCommand(runCmd)
}

// formatRunReport writes a per-phase summary of a run to w.
func formatRunReport(out io.Writer, rep *pipeline.RunReport) {
	_, _ = fmt.Fprintf(out, "Run %s: %s (%s)\n", rep.RunID, rep.Status, rep.Duration.Round(time.Millisecond))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\tSTATUS\tBATCHES\tRESUMED_AT\tCALLS\tFLAGGED\tFAILED")
	for _, p := range rep.Phases {
		if p.Report == nil {
			_, _ = fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t-\t-\n", p.Name, p.Status)
			continue
		}
		r := p.Report
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			p.Name, p.Status, r.TotalBatches, r.ResumeFrom, r.WorkerCalls, r.FlaggedItems, len(r.Failures))
	}
	_ = w.Flush()

	for _, p := range rep.Phases {
		if p.Err != nil {
			_, _ = fmt.Fprintf(out, "  %s: %v\n", p.Name, p.Err)
		}
	}
}

// logResilienceState reports circuits left open and the rate each resource
// ended the run at, after 429 penalties.
func logResilienceState(env *engineEnv) {
	if open := openCircuits(env.Breakers); len(open) > 0 {
		zap.L().Warn("run: circuits not closed at end of run", zap.Strings("circuits", open))
	}
	zap.L().Debug("run: final rate limits", zap.Any("limits", env.Limiter.Limits()))
}

// openCircuits lists the breakers that are open or half-open, sorted by name.
func openCircuits(b *resilience.BreakerSet) []string {
	var out []string
	for name, st := range b.States() {
		if st != resilience.CircuitClosed {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
