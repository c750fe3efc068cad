package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/config"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/pipeline"
	"github.com/sells-group/research-engine/internal/scheduler"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, MaxItemFailures: 50})

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsComplete: 19,
		RunsFailed:   1,
		RunFailRate:  0.05,
		ItemFailures: 10,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_RunFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsComplete:  6,
		RunsFailed:    4,
		RunFailRate:   0.4,
		LookbackHours: 24,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_SmallSampleIgnored(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.Evaluate(&MetricsSnapshot{RunsComplete: 1, RunsFailed: 3, RunFailRate: 0.75})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ItemFailures(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 1, MaxItemFailures: 5})

	alerts := a.Evaluate(&MetricsSnapshot{ItemFailures: 6, LookbackHours: 12})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertItemFailures, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "6 items failed in last 12h")

	// Zero disables the check.
	a = NewAlerter(config.MonitoringConfig{FailureRateThreshold: 1})
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{ItemFailures: 1000}))
}

func TestAlerter_EvaluateRun(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{MaxItemFailures: 1})

	rep := &pipeline.RunReport{
		RunID:  "run-9",
		Status: model.RunStatusFailed,
		Phases: []pipeline.PhaseResult{
			{Name: "scrape", Status: model.PhaseStatusComplete, Report: &scheduler.PhaseReport{
				Failures: []scheduler.Failure{{ItemID: "a"}, {ItemID: "b"}},
			}},
			{Name: "people", Status: model.PhaseStatusFailed},
			{Name: "export", Status: model.PhaseStatusBlocked},
		},
	}

	alerts := a.EvaluateRun(rep)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertRunFailed, alerts[0].Type)
	assert.Equal(t, "Run run-9 failed (phases: people, export)", alerts[0].Message)
	assert.Equal(t, AlertItemFailures, alerts[1].Type)
	assert.Equal(t, 2, alerts[1].Details["item_failures"])
}

func TestAlerter_EvaluateRun_InterruptedIsQuiet(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Empty(t, a.EvaluateRun(&pipeline.RunReport{Status: model.RunStatusInterrupted}))
	assert.Empty(t, a.EvaluateRun(nil))
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed, Severity: "high", Message: "boom"}})

	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, AlertRunFailed, got.Type)
	assert.Equal(t, "boom", got.Message)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed}}))
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed}}))
}
