// Package engine evaluates watch rules against a live document. One Engine
// owns one page: its document mirror, the compiled rules, the per-rule node
// state, the recent-notification cache and the page identity.
//
// All of that state is confined to the goroutine running Run. Hosts feed
// the engine through Submit and Navigate; configuration fetches run in the
// background and report back to the same loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/notifywatch/dom"
	"github.com/hazyhaar/notifywatch/rules"
)

// Config for creating an Engine.
type Config struct {
	// Source yields the rule configuration. Required for Run.
	Source rules.Source
	// Dispatcher receives every notification that passes the recent cache.
	Dispatcher Dispatcher
	// Document is the initial page mirror. Defaults to an empty document.
	Document *dom.Document

	RescanInterval time.Duration // default 10s
	TitleInterval  time.Duration // default 2s
	ConfigInterval time.Duration // default 15s
	FetchTimeout   time.Duration // default 10s
	RecentLimit    int           // default 50

	Logger *slog.Logger
	// Now is the clock used to stamp notifications.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.RescanInterval <= 0 {
		c.RescanInterval = 10 * time.Second
	}
	if c.TitleInterval <= 0 {
		c.TitleInterval = 2 * time.Second
	}
	if c.ConfigInterval <= 0 {
		c.ConfigInterval = 15 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = DefaultRecentLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Dispatcher == nil {
		c.Dispatcher = DispatchFunc(func(Notification) {})
	}
}

// Stats counts engine activity.
type Stats struct {
	Evaluations  int // rule/node pairs that passed the fingerprint gate
	Gated        int // rule/node pairs skipped on an unchanged fingerprint
	Fired        int // conditions that held
	Suppressed   int // firings dropped by the recent cache or the ignore list
	Dispatched   int
	Reloads      int // configurations applied (changed signature)
	StateRebuild int // per-rule state maps rebuilt
	Rescans      int
	FullScans    int
}

// Engine is the per-page evaluation context.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	doc    *dom.Document

	set    *rules.Set
	active []*rules.Rule
	// states maps rule id to the last fingerprint seen per node.
	states      map[string]map[dom.Handle]string
	recent      *Recent
	badSelector map[string]bool
	// texts caches collapsed element text for the duration of one pass.
	texts map[dom.Handle]string

	url   string
	title string

	stats Stats

	changes chan []dom.Change
	navs    chan string
	reload  chan struct{}
	fetched chan fetchResult
	wg      sync.WaitGroup
}

type fetchResult struct {
	cfg rules.Config
	err error
}

// New creates an Engine. Nothing runs until Run is called; the synchronous
// methods (ApplyConfig, HandleChanges, Rescan...) may be driven directly by
// a caller that owns the engine exclusively.
func New(cfg Config) *Engine {
	cfg.defaults()
	doc := cfg.Document
	if doc == nil {
		doc = dom.New("about:blank")
	}
	return &Engine{
		cfg:         cfg,
		logger:      cfg.Logger,
		doc:         doc,
		states:      make(map[string]map[dom.Handle]string),
		recent:      NewRecent(cfg.RecentLimit),
		badSelector: make(map[string]bool),
		texts:       make(map[dom.Handle]string),
		url:         doc.URL(),
		title:       doc.Title(),
		changes:     make(chan []dom.Change, 64),
		navs:        make(chan string, 8),
		reload:      make(chan struct{}, 1),
		fetched:     make(chan fetchResult, 1),
	}
}

// Document returns the page mirror. Only the goroutine driving the engine
// may use it.
func (e *Engine) Document() *dom.Document { return e.doc }

// Stats returns the activity counters.
func (e *Engine) Stats() Stats { return e.stats }

// Active returns the rules applicable to the current URL.
func (e *Engine) Active() []*rules.Rule { return e.active }

// Submit queues host changes for the Run loop.
func (e *Engine) Submit(ctx context.Context, changes []dom.Change) error {
	select {
	case e.changes <- changes:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Navigate queues a navigation of the page to url.
func (e *Engine) Navigate(ctx context.Context, url string) error {
	select {
	case e.navs <- url:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload asks the Run loop to fetch the configuration now. Requests made
// while one is pending are coalesced.
func (e *Engine) Reload() {
	select {
	case e.reload <- struct{}{}:
	default:
	}
}

// Run drives the engine until ctx is done: host changes, navigation,
// the rescan, title and config timers, and completed config fetches.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Source == nil {
		return fmt.Errorf("engine: run: no rule source")
	}
	defer e.wg.Wait()

	rescan := time.NewTicker(e.cfg.RescanInterval)
	defer rescan.Stop()
	title := time.NewTicker(e.cfg.TitleInterval)
	defer title.Stop()
	poll := time.NewTicker(e.cfg.ConfigInterval)
	defer poll.Stop()

	fetching := false
	fetch := func() {
		if fetching {
			return
		}
		fetching = true
		e.startFetch(ctx)
	}
	fetch()

	for {
		select {
		case <-ctx.Done():
			return nil

		case changes := <-e.changes:
			e.HandleChanges(changes)

		case url := <-e.navs:
			e.HandleNavigation(url)

		case <-rescan.C:
			e.Rescan()

		case <-title.C:
			e.CheckTitle()

		case <-poll.C:
			fetch()

		case <-e.reload:
			fetch()

		case res := <-e.fetched:
			fetching = false
			if res.err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("engine: config fetch failed, keeping previous rules", "url", e.url, "error", res.err)
				}
				continue
			}
			e.ApplyConfig(res.cfg)
		}
	}
}

func (e *Engine) startFetch(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
		cfg, err := e.cfg.Source.Fetch(fctx)
		e.fetched <- fetchResult{cfg: cfg, err: err}
	}()
}

// ApplyConfig compiles cfg and, when its signature differs from the
// current one (or no configuration was applied yet), installs the rules,
// rebuilds the per-rule state maps, runs a full scan and an immediate
// rescan. It reports whether anything was applied.
func (e *Engine) ApplyConfig(cfg rules.Config) bool {
	set := rules.Compile(cfg)
	if e.set != nil && set.Signature == e.set.Signature {
		return false
	}
	e.set = set
	e.stats.Reloads++
	e.rebuildStates()
	e.refreshActive()
	e.logger.Info("engine: rules loaded",
		"url", e.url, "rules", len(set.Rules), "active", len(e.active), "ignored", len(set.Ignored))
	e.ScanAll()
	e.Rescan()
	return true
}

// rebuildStates keys the state maps by the new rule ids, keeping the maps
// of ids that survive and dropping the rest.
func (e *Engine) rebuildStates() {
	next := make(map[string]map[dom.Handle]string, len(e.set.Rules))
	for _, r := range e.set.Rules {
		if m, ok := e.states[r.ID]; ok {
			next[r.ID] = m
			continue
		}
		next[r.ID] = make(map[dom.Handle]string)
	}
	e.states = next
	e.stats.StateRebuild++
}

func (e *Engine) refreshActive() {
	var active []*rules.Rule
	if e.set != nil {
		for _, r := range e.set.Rules {
			if r.Applies(e.url) {
				active = append(active, r)
			}
		}
	}
	e.active = active
}

func (e *Engine) ignored(target string) bool {
	return e.set != nil && e.set.IsIgnored(target)
}

// shouldEvaluate is the fingerprint gate: false iff the same node already
// recorded sig for this rule.
func (e *Engine) shouldEvaluate(r *rules.Rule, h dom.Handle, sig string) bool {
	m := e.states[r.ID]
	if m == nil {
		m = make(map[dom.Handle]string)
		e.states[r.ID] = m
	}
	if prev, ok := m[h]; ok && prev == sig {
		return false
	}
	m[h] = sig
	return true
}

func (e *Engine) forget(hs []dom.Handle) {
	if len(hs) == 0 {
		return
	}
	for _, m := range e.states {
		for _, h := range hs {
			delete(m, h)
		}
	}
}

func (e *Engine) resetStates() {
	for id := range e.states {
		e.states[id] = make(map[dom.Handle]string)
	}
}

// tracked returns the number of node states held for rule id.
func (e *Engine) tracked(id string) int { return len(e.states[id]) }

func (e *Engine) logSelectorError(sel string, err error) {
	if e.badSelector[sel] {
		return
	}
	e.badSelector[sel] = true
	e.logger.Warn("engine: invalid selector, treating as no match", "selector", sel, "error", err)
}
