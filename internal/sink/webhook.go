package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// WebhookConfig configures a Webhook sink.
type WebhookConfig struct {
	// URL receives a JSON POST per notification, usually the notify
	// service's /notify endpoint.
	URL string
	// Retries after the first failed post. Default: 0.
	Retries int
	// Backoff before retry n is Backoff << (n-1). Default: 1s.
	Backoff time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

func (c *WebhookConfig) defaults() {
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Webhook forwards notifications over HTTP. Delivery is best effort.
type Webhook struct {
	cfg WebhookConfig
}

// NewWebhook creates a Webhook sink.
func NewWebhook(cfg WebhookConfig) *Webhook {
	cfg.defaults()
	return &Webhook{cfg: cfg}
}

func (w *Webhook) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	err = w.post(ctx, body)
	for n := 1; err != nil && n <= w.cfg.Retries; n++ {
		w.cfg.Logger.Warn("webhook: delivery failed", "app", p.App, "attempt", n, "error", err)
		t := time.NewTimer(w.cfg.Backoff << (n - 1))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		err = w.post(ctx, body)
	}
	return err
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) Close() error { return nil }
