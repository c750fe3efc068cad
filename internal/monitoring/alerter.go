// Package monitoring evaluates run health from the ledger and delivers
// threshold alerts to a webhook.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/config"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/pipeline"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertItemFailures   AlertType = "item_failures"
	AlertRunFailed      AlertType = "run_failed"
)

// minFinishedRuns is the sample size below which no failure rate alert fires.
const minFinishedRuns = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates run health against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks a ledger snapshot against thresholds.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= minFinishedRuns && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxItemFailures > 0 && snap.ItemFailures > a.cfg.MaxItemFailures {
		alerts = append(alerts, Alert{
			Type:     AlertItemFailures,
			Severity: "medium",
			Message: fmt.Sprintf("%d items failed in last %dh (threshold %d)",
				snap.ItemFailures, snap.LookbackHours, a.cfg.MaxItemFailures),
			Details: map[string]any{
				"item_failures": snap.ItemFailures,
				"threshold":     a.cfg.MaxItemFailures,
			},
			Timestamp: now,
		})
	}
	return alerts
}

// EvaluateRun checks a single finished run. Interrupted runs are not
// alerted on; they resume on the next invocation.
func (a *Alerter) EvaluateRun(rep *pipeline.RunReport) []Alert {
	if rep == nil {
		return nil
	}
	var alerts []Alert
	now := time.Now().UTC()

	var failedPhases []string
	itemFailures := 0
	for _, p := range rep.Phases {
		if p.Status == model.PhaseStatusFailed || p.Status == model.PhaseStatusBlocked {
			failedPhases = append(failedPhases, p.Name)
		}
		if p.Report != nil {
			itemFailures += len(p.Report.Failures)
		}
	}

	if rep.Status == model.RunStatusFailed {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			Message:  fmt.Sprintf("Run %s failed (phases: %s)", rep.RunID, strings.Join(failedPhases, ", ")),
			Details: map[string]any{
				"run_id": rep.RunID,
				"phases": failedPhases,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxItemFailures > 0 && itemFailures > a.cfg.MaxItemFailures {
		alerts = append(alerts, Alert{
			Type:     AlertItemFailures,
			Severity: "medium",
			Message:  fmt.Sprintf("Run %s: %d items failed (threshold %d)", rep.RunID, itemFailures, a.cfg.MaxItemFailures),
			Details: map[string]any{
				"run_id":        rep.RunID,
				"item_failures": itemFailures,
				"threshold":     a.cfg.MaxItemFailures,
			},
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
