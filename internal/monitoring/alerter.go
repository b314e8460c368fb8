// Package monitoring evaluates finished runs and delivers alerts to a webhook.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/config"
	"github.com/sells-group/research-orchestrator/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunAborted       AlertType = "run_aborted"
	AlertPhaseFailed      AlertType = "phase_failed"
	AlertTaskFailureRate  AlertType = "task_failure_rate"
	defaultMinTasks                 = 5
	defaultWebhookTimeout           = 10 * time.Second
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	RunID     string         `json:"run_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a RunOutcome against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.MinTasks <= 0 {
		cfg.MinTasks = defaultMinTasks
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}
}

// Evaluate checks a finished run and returns any alerts. Skipped phases are
// reported through the phase that failed first, not individually.
func (a *Alerter) Evaluate(out *model.RunOutcome) []Alert {
	if out == nil {
		return nil
	}
	var alerts []Alert
	now := time.Now().UTC()

	if out.Status == model.RunStatusAborted {
		alerts = append(alerts, Alert{
			Type:      AlertRunAborted,
			Severity:  "critical",
			RunID:     out.RunID,
			Message:   fmt.Sprintf("Run %s aborted; resume it after fixing the checkpoint store or restarting", out.RunID),
			Timestamp: now,
		})
	}

	for _, id := range out.Order {
		p := out.Phases[id]
		if p == nil || p.Status != model.PhaseStatusFailed || p.Skipped {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertPhaseFailed,
			Severity: "high",
			RunID:    out.RunID,
			Message:  fmt.Sprintf("Phase %s failed: %s", id, p.Error),
			Details: map[string]any{
				"phase":     id,
				"successes": p.Successes,
				"partials":  p.Partials,
				"failures":  p.Failures,
			},
			Timestamp: now,
		})
	}

	successes, partials, failures := out.Totals()
	finished := successes + partials + failures
	if finished >= a.cfg.MinTasks && a.cfg.FailureRateThreshold > 0 {
		rate := float64(failures) / float64(finished)
		if rate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertTaskFailureRate,
				Severity: "high",
				RunID:    out.RunID,
				Message: fmt.Sprintf(
					"Task failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
					rate*100, a.cfg.FailureRateThreshold*100, failures, finished,
				),
				Details: map[string]any{
					"failure_rate": rate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       failures,
					"finished":     finished,
				},
				Timestamp: now,
			})
		}
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

// Notify evaluates a finished run and sends whatever it finds.
func (a *Alerter) Notify(ctx context.Context, out *model.RunOutcome) int {
	return a.SendAlerts(ctx, a.Evaluate(out))
}

// sendWebhook posts a single alert to the webhook URL.
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
