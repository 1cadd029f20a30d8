package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	navigateTimeout   = 30 * time.Second
	screenshotQuality = 70
)

// Tab is one watched page.
type Tab struct {
	Page   *rod.Page
	URL    string
	router *rod.HijackRouter
	log    *slog.Logger
}

// OpenTab creates a stealth tab, installs resource blocking and navigates
// to pageURL. A load that does not settle within the navigation timeout is
// logged, not fatal.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: open %s: browser not started", pageURL)
	}
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: new tab: %w", err)
	}
	t := &Tab{Page: page, URL: pageURL, log: mgr.cfg.Logger}
	if f := newResourceFilter(mgr.cfg.ResourceBlocking); len(f) > 0 {
		t.router = f.intercept(page)
	}

	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()
	nav := page.Context(navCtx)
	if err := nav.Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := nav.WaitLoad(); err != nil {
		t.log.Warn("browser: page load did not settle", "url", pageURL, "error", err)
	}
	return t, nil
}

// Snapshot returns the serialized document and the URL the tab is at.
func (t *Tab) Snapshot(ctx context.Context) (markup, at string, err error) {
	p := t.Page.Context(ctx)
	if markup, err = p.HTML(); err != nil {
		return "", "", fmt.Errorf("browser: page html: %w", err)
	}
	at = t.URL
	if info, err := p.Info(); err == nil && info.URL != "" {
		at = info.URL
	}
	return markup, at, nil
}

// Visible reports whether the page is currently visible to the user.
func (t *Tab) Visible(ctx context.Context) (bool, error) {
	res, err := t.Page.Context(ctx).Eval(`() => document.visibilityState === "visible"`)
	if err != nil {
		return false, fmt.Errorf("browser: visibility: %w", err)
	}
	return res.Value.Bool(), nil
}

// Capture returns a JPEG of the viewport as a data URL, or "" while the
// page is hidden. It satisfies sink.Capturer.
func (t *Tab) Capture(ctx context.Context) (string, error) {
	if ok, err := t.Visible(ctx); err != nil || !ok {
		return "", err
	}
	q := screenshotQuality
	img, err := t.Page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &q,
	})
	if err != nil {
		return "", fmt.Errorf("browser: screenshot: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img), nil
}

// Close stops request interception and closes the tab.
func (t *Tab) Close() error {
	if t.router != nil {
		t.router.Stop()
		t.router = nil
	}
	if t.Page == nil {
		return nil
	}
	return t.Page.Close()
}
