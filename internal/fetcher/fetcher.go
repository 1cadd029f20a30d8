// Package fetcher is the HTTP-only page host: no browser, no scripts. It
// polls a URL and hands the engine a fresh document whenever the content
// changes.
package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/hazyhaar/notifywatch/dom"
)

const (
	maxBody          = 10 << 20
	defaultUserAgent = "Mozilla/5.0 (compatible; notifywatch/1.0)"
)

// Target receives fetched documents. *engine.Engine satisfies it.
type Target interface {
	Submit(ctx context.Context, changes []dom.Change) error
}

// Config for creating a Poller.
type Config struct {
	URL    string
	Target Target
	// Interval between fetches. Default: 60s.
	Interval  time.Duration
	Client    *http.Client
	UserAgent string
	Logger    *slog.Logger
}

// Poller fetches one URL periodically and submits a document reset each
// time the decoded body changes.
type Poller struct {
	cfg Config
	log *slog.Logger

	// validators of the last submitted document
	etag, lastModified string
	digest             [sha256.Size]byte
	seen               bool
	warned             bool
}

// NewPoller creates a Poller.
func NewPoller(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{cfg: cfg, log: cfg.Logger.With("url", cfg.URL)}
}

// Run polls until ctx is done. Failed fetches are logged and retried on
// the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("fetcher: poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches once and reports whether a new document was submitted.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	resp, err := p.get(ctx)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("fetcher: %s: status %d", p.cfg.URL, resp.StatusCode)
	}
	body, err := readUTF8(resp)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(body)
	if p.seen && digest == p.digest {
		return false, nil
	}

	final := resp.Request.URL.String()
	if !p.warned && LooksLikeShell(body) {
		p.warned = true
		p.log.Warn("fetcher: page looks script-rendered, consider the browser host", "final_url", final)
	}
	reset := dom.Change{Op: dom.OpDocReset, HTML: body, URL: final}
	if err := p.cfg.Target.Submit(ctx, []dom.Change{reset}); err != nil {
		return false, fmt.Errorf("fetcher: submit: %w", err)
	}
	p.seen, p.digest = true, digest
	p.etag, p.lastModified = resp.Header.Get("ETag"), resp.Header.Get("Last-Modified")
	p.log.Debug("fetcher: document submitted", "status", resp.StatusCode, "size", len(body))
	return true, nil
}

func (p *Poller) get(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: request: %w", err)
	}
	h := req.Header
	h.Set("User-Agent", p.cfg.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	if p.etag != "" {
		h.Set("If-None-Match", p.etag)
	}
	if p.lastModified != "" {
		h.Set("If-Modified-Since", p.lastModified)
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: get: %w", err)
	}
	return resp, nil
}

// readUTF8 reads at most maxBody bytes of the response, transcoded to
// UTF-8 from the charset named by the Content-Type header or the markup.
func readUTF8(resp *http.Response) ([]byte, error) {
	r, err := charset.NewReader(io.LimitReader(resp.Body, maxBody), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("fetcher: charset: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}
	return body, nil
}
