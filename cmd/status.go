package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-engine/internal/checkpoint"
)

var statusCmd = &cobra.Command{
	Use:   "status [phase...]",
	Short: "Show the checkpointed state of phases",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		statuses, err := phaseStatuses(cmd.Context(), st, args)
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Fprintln(os.Stderr, "No checkpoints found.")
			return nil
		}
		formatPhaseStatuses(cmd.OutOrStdout(), statuses)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <phase>...",
	Short: "Delete every checkpoint of the named phases",
	Long:  "Deletes batches, completion marker and manifest so the phases run from scratch. Dependent phases are not reset.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		for _, phase := range args {
			if err := st.ResetPhase(cmd.Context(), phase); err != nil {
				return eris.Wrapf(err, "reset %s", phase)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", phase)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

// phaseStatuses returns the status of the named phases, or of every phase in
// the store when none are named.
func phaseStatuses(ctx context.Context, st *checkpoint.Store, phases []string) ([]*checkpoint.PhaseStatus, error) {
	if len(phases) == 0 {
		var err error
		phases, err = st.ListPhases(ctx)
		if err != nil {
			return nil, err
		}
	}
	out := make([]*checkpoint.PhaseStatus, 0, len(phases))
	for _, p := range phases {
		s, err := st.Status(ctx, p)
		if err != nil {
			return nil, eris.Wrapf(err, "status %s", p)
		}
		out = append(out, s)
	}
	return out, nil
}

// formatPhaseStatuses writes a tabular phase summary to w.
func formatPhaseStatuses(out io.Writer, statuses []*checkpoint.PhaseStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\tCOMPLETE\tBATCHES\tCORRUPT\tITEMS\tFLAGGED\tCOMPLETED")
	for _, s := range statuses {
		batches := fmt.Sprintf("%d", len(s.ValidBatches))
		if s.Manifest != nil {
			batches = fmt.Sprintf("%d/%d", len(s.ValidBatches), s.Manifest.TotalBatches)
		}
		completed := ""
		if s.CompletedAt != nil {
			completed = s.CompletedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%d\t%d\t%s\n",
			s.Phase, s.Complete, batches, len(s.CorruptBatches), s.ItemCount, s.FlaggedItems, completed)
	}
	_ = w.Flush()
}
