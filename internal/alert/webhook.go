package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

// WebhookConfig defines a webhook alert destination.
type WebhookConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Format  string            `yaml:"format,omitempty" json:"format,omitempty"` // "generic" or "slack"
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// MinSeverity drops alerts below it.
	MinSeverity Severity `yaml:"minSeverity" json:"minSeverity"`
}

// WebhookNotifier posts alerts as JSON.
type WebhookNotifier struct {
	cfg        WebhookConfig
	client     *http.Client
	retryDelay time.Duration
}

// NewWebhookNotifier creates a notifier for cfg.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		cfg:        cfg,
		client:     &http.Client{Timeout: requestTimeout},
		retryDelay: time.Second,
	}
}

func (w *WebhookNotifier) Name() string { return "webhook " + w.cfg.URL }

// Notify posts a, retrying 5xx responses and transport errors with
// exponential backoff. 4xx responses are not retried.
func (w *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	if a.Severity < w.cfg.MinSeverity {
		return nil
	}
	body, err := formatPayload(w.cfg.Format, a)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryDelay
	b.MaxElapsedTime = 0

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		return w.post(ctx, body)
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries-1), ctx))
	if err != nil {
		return fmt.Errorf("webhook failed after %d attempts: %w", attempts, err)
	}
	return nil
}

// post sends one request. Client errors are permanent.
func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}
}

func formatPayload(format string, a Alert) ([]byte, error) {
	switch format {
	case "slack":
		return json.Marshal(map[string]any{
			"text": fmt.Sprintf("[%s] clinaudit %s: %s", a.Severity, a.Kind, a.Message),
		})
	default:
		return json.Marshal(a)
	}
}
