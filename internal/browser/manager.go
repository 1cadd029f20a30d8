// Package browser hosts watched pages in Chrome through Rod: it launches or
// connects to the browser, opens stealth tabs, mirrors each tab's DOM into
// a dom.Document over CDP and captures screenshots for notifications.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Mode controls how Chrome is run.
type Mode int

const (
	Headless Mode = iota // Rod headless + stealth
	Headful              // Rod headful on an Xvfb display
)

// ParseMode maps "headless" or "headful" to a Mode. Anything else is
// headless.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), "headful") {
		return Headful
	}
	return Headless
}

func (m Mode) String() string {
	if m == Headful {
		return "headful"
	}
	return "headless"
}

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	Mode Mode

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string

	// Viewport is the window size of every tab, and so of screenshots.
	// Default: 1280x800.
	Width, Height int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 1280, 800
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process (or remote connection) shared by all
// watched pages.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	display *display
	closed  bool
}

// NewManager creates a browser Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance). Calling it
// again returns the running browser.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return m.browser, nil
	}
	b, err := m.launch(ctx)
	if err != nil {
		m.cleanup()
		return nil, err
	}
	m.browser = b
	return b, nil
}

// Browser returns the current Rod browser handle, nil before Start.
func (m *Manager) Browser() *rod.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser
}

// Close shuts down Chrome and Xvfb.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, error) {
	wsURL, err := m.controlURL(ctx)
	if err != nil {
		return nil, err
	}
	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect %s: %w", wsURL, err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		m.cfg.Logger.Warn("browser: ignore cert errors failed", "error", err)
	}
	return b, nil
}

// controlURL returns the DevTools endpoint: the remote one, or that of a
// Chrome launched here (on Xvfb in headful mode).
func (m *Manager) controlURL(ctx context.Context) (string, error) {
	log := m.cfg.Logger
	if m.cfg.RemoteURL != "" {
		log.Info("browser: connecting to remote", "url", m.cfg.RemoteURL)
		return m.cfg.RemoteURL, nil
	}

	l := launcher.New().Context(ctx).
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", fmt.Sprintf("%d,%d", m.cfg.Width, m.cfg.Height))
	if m.cfg.Mode == Headful {
		d, err := startDisplay(ctx, m.cfg.XvfbDisplay, fmt.Sprintf("%dx%dx24", m.cfg.Width, m.cfg.Height), log)
		if err != nil {
			return "", err
		}
		m.display = d
		l = l.Headless(false).Env("DISPLAY=" + m.cfg.XvfbDisplay)
	} else {
		l = l.Headless(true)
	}

	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("browser: launch chrome: %w", err)
	}
	m.lnch = l
	log.Info("browser: launched local chrome", "url", u, "mode", m.cfg.Mode)
	return u, nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Debug("browser: close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.display.stop()
	m.display = nil
}
