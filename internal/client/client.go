// Package client talks to the notify service: it fetches the rule
// configuration and submits picked elements as pending rules.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/notifywatch/rules"
)

const maxConfigSize = 4 << 20

// Client is an HTTP client for one notify service. It implements
// rules.Source.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a Client for the service at base, e.g. http://127.0.0.1:5005.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NotifyURL is the endpoint notifications are posted to.
func (c *Client) NotifyURL() string { return c.base + "/notify" }

// Fetch GETs /config, bypassing caches.
func (c *Client) Fetch(ctx context.Context) (rules.Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/config", nil)
	if err != nil {
		return rules.Config{}, fmt.Errorf("client: config request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return rules.Config{}, fmt.Errorf("client: config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rules.Config{}, fmt.Errorf("client: config: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigSize))
	if err != nil {
		return rules.Config{}, fmt.Errorf("client: config: read body: %w", err)
	}
	cfg, err := rules.ParseConfig(data)
	if err != nil {
		return rules.Config{}, fmt.Errorf("client: config: %w", err)
	}
	c.logger.Debug("client: config fetched", "rules", len(cfg.Rules), "ignored", len(cfg.IgnoredApps))
	return cfg, nil
}

// SubmitPending POSTs raw as the pending rule.
func (c *Client) SubmitPending(ctx context.Context, raw rules.RawRule) error {
	body, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("client: pending rule: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/pending_rule", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: pending rule request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: pending rule: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var reply struct {
			Reason string `json:"reason"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&reply)
		if reply.Reason != "" {
			return fmt.Errorf("client: pending rule: status %d: %s", resp.StatusCode, reply.Reason)
		}
		return fmt.Errorf("client: pending rule: status %d", resp.StatusCode)
	}
	return nil
}
