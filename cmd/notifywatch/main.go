// Command notifywatch watches pages and notifies when a rule fires.
//
// Usage:
//
//	notifywatch -config notifywatch.yaml                   # watch the pages of a YAML config
//	notifywatch -url https://example.com                   # watch a single page
//	notifywatch -url https://example.com -capture '#price' # post the first match as the pending rule
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/notifywatch/dom"
	"github.com/hazyhaar/notifywatch/engine"
	"github.com/hazyhaar/notifywatch/internal/browser"
	"github.com/hazyhaar/notifywatch/internal/client"
	"github.com/hazyhaar/notifywatch/internal/config"
	"github.com/hazyhaar/notifywatch/internal/fetcher"
	"github.com/hazyhaar/notifywatch/internal/sink"
	"github.com/hazyhaar/notifywatch/rules"
)

type options struct {
	configPath string
	url        string
	host       string
	service    string
	rulesFile  string
	capture    string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to notifywatch.yaml config file")
	flag.StringVar(&o.url, "url", "", "watch a single URL")
	flag.StringVar(&o.host, "host", config.HostBrowser, "host for -url: browser or http")
	flag.StringVar(&o.service, "service", "", "notify service base URL (default http://127.0.0.1:5005)")
	flag.StringVar(&o.rulesFile, "rules", "", "read rules from a local JSON file instead of the service")
	flag.StringVar(&o.capture, "capture", "", "with -url: submit the first node matching this selector as the pending rule and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("notifywatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	switch {
	case o.capture != "" && o.url != "":
		return runCapture(ctx, logger, o)
	case o.url != "":
		cfg, err := config.ForURL(o.service, o.rulesFile, o.url, o.host)
		if err != nil {
			return err
		}
		return runConfig(ctx, logger, cfg)
	case o.configPath != "":
		cfg, err := config.LoadFile(o.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return runConfig(ctx, logger, cfg)
	}
	fmt.Fprintln(os.Stderr, "usage: notifywatch -config <file> | -url <url> [-capture <selector>]")
	os.Exit(2)
	return nil
}

// runCapture loads the page, picks the first node matching the selector
// and posts it to the service as the pending rule.
func runCapture(ctx context.Context, logger *slog.Logger, o options) error {
	service := o.service
	if service == "" {
		service = "http://127.0.0.1:5005"
	}
	mgr := browser.NewManager(browser.Config{Logger: logger})
	if _, err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	tab, err := browser.OpenTab(ctx, mgr, o.url)
	if err != nil {
		return err
	}
	defer tab.Close()

	markup, pageURL, err := tab.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	doc, err := dom.ParseString(markup, pageURL)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	hs, err := doc.Query(o.capture)
	if err != nil {
		return fmt.Errorf("capture: selector %q: %w", o.capture, err)
	}
	if len(hs) == 0 {
		return fmt.Errorf("capture: no node matches %q", o.capture)
	}
	raw, err := engine.CaptureRule(doc, hs[0], time.Now())
	if err != nil {
		return err
	}
	if err := client.New(service, client.WithLogger(logger)).SubmitPending(ctx, raw); err != nil {
		return err
	}
	logger.Info("notifywatch: pending rule submitted", "name", raw.Name.String(), "selector", raw.CSSSelector.String())
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(raw)
}

func runConfig(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	var (
		source rules.Source
		file   *rules.FileSource
	)
	if cfg.RulesFile != "" {
		file = &rules.FileSource{Path: cfg.RulesFile, Logger: logger}
		source = file
	} else {
		source = client.New(cfg.Service, client.WithLogger(logger))
	}

	var mgr *browser.Manager
	if cfg.NeedsBrowser() {
		mgr = browser.NewManager(browser.Config{
			RemoteURL:        cfg.Browser.Remote,
			ResourceBlocking: cfg.Browser.ResourceBlocking,
			Mode:             browser.ParseMode(cfg.Browser.Stealth),
			XvfbDisplay:      cfg.Browser.XvfbDisplay,
			Logger:           logger,
		})
		if _, err := mgr.Start(ctx); err != nil {
			return err
		}
		defer mgr.Close()
	}

	out := buildSinks(cfg, logger)
	defer out.Close()

	reg := &registry{}
	g, ctx := errgroup.WithContext(ctx)
	for _, page := range cfg.Pages {
		w := &pageWatch{cfg: cfg, page: page, source: source, sink: out, mgr: mgr, reg: reg,
			logger: logger.With("url", page.URL, "host", page.Host)}
		g.Go(func() error { return w.run(ctx) })
	}
	if file != nil {
		g.Go(func() error { return watchRules(ctx, file, reg, logger) })
	}
	logger.Info("notifywatch: started", "pages", len(cfg.Pages), "service", cfg.Service, "rules_file", cfg.RulesFile)
	return g.Wait()
}

func buildSinks(cfg *config.Config, logger *slog.Logger) *sink.Router {
	var sinks []sink.Sink
	for _, sc := range cfg.Sinks {
		wc := sink.WebhookConfig{URL: sc.URL, Retries: sc.Retries, Logger: logger}
		switch sc.Type {
		case config.SinkNotify:
			wc.URL = client.New(cfg.Service).NotifyURL()
			sinks = append(sinks, sink.NewWebhook(wc))
		case config.SinkWebhook:
			sinks = append(sinks, sink.NewWebhook(wc))
		case config.SinkStdout:
			sinks = append(sinks, sink.NewStdout(os.Stdout))
		}
	}
	return sink.NewRouter(logger, sinks...)
}

// watchRules asks every engine to reload when the rules file changes.
func watchRules(ctx context.Context, file *rules.FileSource, reg *registry, logger *slog.Logger) error {
	changed := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				logger.Info("notifywatch: rules file changed", "path", file.Path)
				reg.reload()
			}
		}
	}()
	if err := file.Watch(ctx, changed); err != nil {
		// Polling still picks up changes.
		logger.Warn("notifywatch: rules file watch disabled", "error", err)
	}
	return nil
}

// registry tracks the running engines.
type registry struct {
	mu      sync.Mutex
	engines []*engine.Engine
}

func (r *registry) add(e *engine.Engine) {
	r.mu.Lock()
	r.engines = append(r.engines, e)
	r.mu.Unlock()
}

func (r *registry) reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.engines {
		e.Reload()
	}
}

// pageWatch runs one page: its engine, its dispatcher and its host.
type pageWatch struct {
	cfg    *config.Config
	page   config.PageConfig
	source rules.Source
	sink   sink.Sink
	mgr    *browser.Manager
	reg    *registry
	logger *slog.Logger
}

// run returns nil when the page stops on its own; other pages keep going.
func (w *pageWatch) run(ctx context.Context) error {
	var (
		tab      *browser.Tab
		capturer sink.Capturer
	)
	if w.page.Host == config.HostBrowser {
		var err error
		if tab, err = browser.OpenTab(ctx, w.mgr, w.page.URL); err != nil {
			w.logger.Error("notifywatch: page not opened", "error", err)
			return nil
		}
		defer tab.Close()
		if w.cfg.Engine.Screenshots {
			capturer = tab
		}
	}

	disp := sink.NewDispatcher(sink.DispatcherConfig{Sink: w.sink, Capturer: capturer, Logger: w.logger})
	eng := engine.New(engine.Config{
		Source:         w.source,
		Dispatcher:     disp,
		Document:       dom.New(w.page.URL),
		RescanInterval: w.cfg.Engine.RescanInterval,
		TitleInterval:  w.cfg.Engine.TitleInterval,
		ConfigInterval: w.cfg.Engine.ConfigInterval,
		RecentLimit:    w.cfg.Engine.RecentLimit,
		Logger:         w.logger,
	})
	w.reg.add(eng)

	// The page ends with its host.
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(pctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	if tab != nil {
		m := browser.NewMirror(browser.MirrorConfig{
			Tab:            tab,
			Target:         eng,
			DebounceWindow: w.cfg.Debounce.Window,
			DebounceMax:    w.cfg.Debounce.MaxBuffer,
			Logger:         w.logger,
		})
		g.Go(func() error {
			defer cancel()
			return m.Run(gctx)
		})
	} else {
		p := fetcher.NewPoller(fetcher.Config{
			URL:      w.page.URL,
			Target:   eng,
			Interval: w.page.PollInterval,
			Logger:   w.logger,
		})
		g.Go(func() error {
			defer cancel()
			return p.Run(gctx)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		w.logger.Error("notifywatch: page stopped", "error", err)
	}
	sent, failed, dropped := disp.Counts()
	st := eng.Stats()
	w.logger.Info("notifywatch: page done", "sent", sent, "failed", failed, "dropped", dropped,
		"evaluations", st.Evaluations, "fired", st.Fired, "suppressed", st.Suppressed)
	return nil
}
