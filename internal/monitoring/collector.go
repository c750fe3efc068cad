package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/model"
)

// scanLimit bounds how many rows one collection reads from the ledger.
const scanLimit = 10000

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal       int     `json:"runs_total"`
	RunsComplete    int     `json:"runs_complete"`
	RunsFailed      int     `json:"runs_failed"`
	RunsInterrupted int     `json:"runs_interrupted"`
	RunsRunning     int     `json:"runs_running"`
	RunFailRate     float64 `json:"run_fail_rate"`

	// Items replaced by flagged placeholders within the window.
	ItemFailures int `json:"item_failures"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the part of the ledger the collector reads.
type Source interface {
	ListRuns(ctx context.Context, filter ledger.RunFilter) ([]model.Run, error)
	ListFailures(ctx context.Context, filter ledger.FailureFilter) ([]model.ItemFailure, error)
}

// Collector gathers metrics from the run ledger.
type Collector struct {
	src Source
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.src.ListRuns(ctx, ledger.RunFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusInterrupted:
			snap.RunsInterrupted++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	failures, err := c.src.ListFailures(ctx, ledger.FailureFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failures")
	}
	for _, f := range failures {
		if !f.CreatedAt.Before(cutoff) {
			snap.ItemFailures++
		}
	}
	return snap, nil
}
