// Package push delivers notification text and screenshots to a phone:
// ntfy topics or a Telegram chat.
//
//	p := push.New(push.Config{Method: push.MethodNtfy, NtfyTopic: "alerts"}, logger)
//	err := p.Push(ctx, "[Shop] Back in stock")
//
// A backend whose configuration is incomplete is replaced by a Pusher that
// logs and discards; the service keeps running without push delivery.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Methods accepted in Config.Method.
const (
	MethodNtfy     = "ntfy"
	MethodTelegram = "telegram"
)

// Pusher delivers messages to one push backend.
type Pusher interface {
	// Push sends a text message.
	Push(ctx context.Context, message string) error
	// Attach sends an image with an optional title.
	Attach(ctx context.Context, title, mime string, data []byte) error
}

// Config selects and configures the push backend.
type Config struct {
	Method string // "ntfy" (default) or "telegram"

	NtfyServer string // default https://ntfy.sh
	NtfyTopic  string

	TelegramToken string
	TelegramChat  string
	TelegramAPI   string // default https://api.telegram.org

	Client *http.Client
}

func (c *Config) defaults() {
	if c.Method == "" {
		c.Method = MethodNtfy
	}
	if c.NtfyServer == "" {
		c.NtfyServer = "https://ntfy.sh"
	}
	if c.TelegramAPI == "" {
		c.TelegramAPI = "https://api.telegram.org"
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 15 * time.Second}
	}
}

// New builds the Pusher cfg selects. Incomplete configuration yields a
// discarding Pusher and a warning.
func New(cfg Config, logger *slog.Logger) Pusher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Method {
	case MethodNtfy:
		if cfg.NtfyTopic == "" {
			logger.Warn("push: ntfy topic not configured, notifications are discarded")
			return Discard{Logger: logger}
		}
		return &Ntfy{Server: cfg.NtfyServer, Topic: cfg.NtfyTopic, Client: cfg.Client, Now: time.Now}
	case MethodTelegram:
		if cfg.TelegramToken == "" || cfg.TelegramChat == "" {
			logger.Warn("push: telegram token or chat id not configured, notifications are discarded")
			return Discard{Logger: logger}
		}
		return &Telegram{API: cfg.TelegramAPI, Token: cfg.TelegramToken, ChatID: cfg.TelegramChat, Client: cfg.Client}
	default:
		logger.Warn("push: unknown method, notifications are discarded", "method", cfg.Method)
		return Discard{Logger: logger}
	}
}

// Discard logs and drops everything.
type Discard struct {
	Logger *slog.Logger
}

func (d Discard) Push(_ context.Context, message string) error {
	d.Logger.Debug("push: discarded", "message", message)
	return nil
}

func (d Discard) Attach(_ context.Context, title, mime string, data []byte) error {
	d.Logger.Debug("push: discarded attachment", "title", title, "mime", mime, "bytes", len(data))
	return nil
}

// ErrSendFailed is returned when a backend rejected or never received a
// message.
type ErrSendFailed struct {
	Backend string
	Cause   error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("push: send failed on %s: %v", e.Backend, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

func checkStatus(backend string, resp *http.Response) error {
	if resp.StatusCode >= 300 {
		return &ErrSendFailed{Backend: backend, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
