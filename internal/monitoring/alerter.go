// Package monitoring delivers credit depletion alerts to operators.
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

	"github.com/postkeep/postkeep/internal/credit"
)

// WebhookAlerter posts credit alerts to a webhook URL as JSON. It
// implements credit.AlertSink; delivery happens on a background
// goroutine so the ledger is never blocked on the network.
type WebhookAlerter struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewWebhookAlerter creates a WebhookAlerter for the given URL.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		timeout: 10 * time.Second,
	}
}

// alertPayload is the webhook body for a credit alert.
type alertPayload struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Balance   int       `json:"balance"`
	Limit     int       `json:"credit_limit"`
	Percent   float64   `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *WebhookAlerter) CreditAlert(alert credit.Alert) {
	if a.url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.send(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send credit alert",
				zap.String("level", string(alert.Level)),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("monitoring: credit alert sent",
			zap.String("level", string(alert.Level)),
			zap.Int("balance", alert.Balance),
		)
	}()
}

func (a *WebhookAlerter) send(ctx context.Context, alert credit.Alert) error {
	pct := 0.0
	if alert.CreditLimit > 0 {
		pct = float64(alert.Balance) / float64(alert.CreditLimit) * 100
	}
	payload, err := json.Marshal(alertPayload{
		Type:     "credit_depletion",
		Severity: string(alert.Level),
		Message: fmt.Sprintf("Credit balance %d of %d (%.1f%%) crossed the %s threshold (%.0f%%)",
			alert.Balance, alert.CreditLimit, pct, alert.Level, alert.Percent),
		Balance:   alert.Balance,
		Limit:     alert.CreditLimit,
		Percent:   alert.Percent,
		Timestamp: alert.Timestamp,
	})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
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

// LogAlerter writes credit alerts to the process log. It is the default
// sink when no webhook is configured.
type LogAlerter struct{}

func (LogAlerter) CreditAlert(alert credit.Alert) {
	zap.L().Warn("credit balance low",
		zap.String("level", string(alert.Level)),
		zap.Float64("threshold_percent", alert.Percent),
		zap.Int("balance", alert.Balance),
		zap.Int("credit_limit", alert.CreditLimit),
	)
}
