package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// Webhook posts alerts as JSON to an HTTP endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Rule       string          `json:"rule"`
	Condition  string          `json:"condition"`
	Severity   string          `json:"severity"`
	Value      float64         `json:"value"`
	Score      float64         `json:"score"`
	Limit      float64         `json:"limit"`
	Summary    string          `json:"summary"`
	Timestamp  time.Time       `json:"timestamp"`
	DetectedAt time.Time       `json:"detected_at"`
	Snapshot   models.Snapshot `json:"snapshot"`
}

func (w *Webhook) Send(ctx context.Context, alert *models.Alert) error {
	body, err := json.Marshal(webhookPayload{
		ID:         alert.ID,
		Instrument: alert.InstrumentID,
		Rule:       alert.RuleID,
		Condition:  alert.Condition,
		Severity:   string(alert.Severity),
		Value:      alert.Value,
		Score:      alert.Score,
		Limit:      alert.Limit,
		Summary:    alert.Summary(),
		Timestamp:  alert.Timestamp,
		DetectedAt: alert.DetectedAt,
		Snapshot:   alert.Snapshot,
	})
	if err != nil {
		return Permanent(fmt.Errorf("failed to encode alert: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", alert.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return Permanent(fmt.Errorf("webhook rejected alert with status %d", resp.StatusCode))
	}
}
