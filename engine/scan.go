package engine

import (
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/notifywatch/dom"
	"github.com/hazyhaar/notifywatch/rules"
)

const fallbackTextFloor = 250

// HandleChanges applies host changes to the document and processes the
// resulting mutation batch. Changes the mirror cannot place (unknown or
// already removed nodes) are skipped.
func (e *Engine) HandleChanges(changes []dom.Change) {
	for _, c := range changes {
		if err := e.doc.Apply(c); err != nil {
			e.logger.Debug("engine: skip host change", "op", c.Op, "error", err)
		}
	}
	e.HandleBatch(e.doc.TakeRecords())
}

// HandleBatch runs the reactive path for one mutation batch: one title
// check, then per record: added subtrees are evaluated node by node,
// character data changes re-evaluate the enclosing element and its
// ancestors, attribute changes re-evaluate that element, removals drop the
// removed nodes' state and re-evaluate the former parent chain. Fallback
// selectors are never used here.
func (e *Engine) HandleBatch(b dom.Batch) {
	clear(e.texts)
	reset := false
	for _, r := range b.Records {
		if r.Op == dom.OpDocReset {
			reset = true
		}
	}
	if reset {
		e.resetStates()
		if u := e.doc.URL(); u != e.url {
			// A new document at a new location is a page load.
			e.title = e.doc.Title()
			e.HandleNavigation(u)
			return
		}
		e.CheckTitle()
		e.ScanAll()
		return
	}

	e.CheckTitle()
	if len(e.active) == 0 {
		for _, r := range b.Records {
			if r.Op == dom.OpRemove {
				e.forget(r.Removed)
			}
		}
		return
	}

	seen := make(map[dom.Handle]bool)
	visit := func(h dom.Handle) {
		if h.IsZero() || seen[h] || !e.doc.IsElement(h) {
			return
		}
		seen[h] = true
		e.evaluateNode(h)
	}
	chain := func(h dom.Handle) {
		el := e.doc.Element(h)
		visit(el)
		for _, a := range e.doc.Ancestors(el) {
			visit(a)
		}
	}

	for _, r := range b.Records {
		switch r.Op {
		case dom.OpInsert:
			if !e.doc.Alive(r.Target) {
				continue
			}
			e.doc.Elements(r.Target, func(h dom.Handle) bool {
				visit(h)
				return true
			})
			chain(r.Parent)
		case dom.OpText:
			chain(r.Target)
		case dom.OpAttr, dom.OpAttrDel:
			visit(r.Target)
		case dom.OpRemove:
			e.forget(r.Removed)
			chain(r.Parent)
		}
	}
}

// HandleNavigation moves the page to url: the active rules are filtered
// again and the whole document is scanned as on first load.
func (e *Engine) HandleNavigation(url string) {
	if url == "" {
		return
	}
	e.doc.SetURL(url)
	e.url = url
	e.refreshActive()
	e.logger.Debug("engine: navigation", "url", url, "active", len(e.active))
	e.ScanAll()
}

// CheckTitle compares the document title with the last one observed and
// notifies on change.
func (e *Engine) CheckTitle() {
	t := e.doc.Title()
	if t == e.title {
		return
	}
	e.title = t
	summary := "Title changed to: " + t
	if e.ignored(BrowserApp) {
		e.stats.Suppressed++
		return
	}
	key := "__title__|" + summary
	if !e.recent.Remember(key) {
		e.stats.Suppressed++
		return
	}
	e.logger.Info("engine: title changed", "url", e.url, "title", t)
	e.dispatch(Notification{App: BrowserApp, Text: summary, Key: key})
}

// ScanAll evaluates every active rule against every element of the body,
// primary selectors only.
func (e *Engine) ScanAll() {
	clear(e.texts)
	e.stats.FullScans++
	if len(e.active) == 0 {
		return
	}
	e.doc.Elements(e.doc.Body(), func(h dom.Handle) bool {
		e.evaluateNode(h)
		return true
	})
}

// Rescan is the periodic full pass. Per active rule it queries the primary
// selector document wide; when that finds nothing it walks the fallback
// selectors in order and stops at the first one that matches anything.
// Each node is evaluated at most once per rule per pass.
func (e *Engine) Rescan() {
	clear(e.texts)
	e.stats.Rescans++
	for _, r := range e.active {
		seen := make(map[dom.Handle]bool)
		hs := e.primary(r)
		if len(hs) > 0 {
			for _, h := range hs {
				if !seen[h] {
					seen[h] = true
					e.evaluate(r, h)
				}
			}
			continue
		}
		for _, fb := range r.Fallbacks {
			hs, err := e.doc.Query(fb)
			if err != nil {
				e.logSelectorError(fb, err)
				continue
			}
			if len(hs) == 0 {
				continue
			}
			for _, h := range hs {
				if seen[h] {
					continue
				}
				seen[h] = true
				text := e.doc.Text(h)
				if r.RequiresText && tooLoose(r, text) {
					continue
				}
				e.evaluateText(r, h, text)
			}
			break
		}
	}
}

// tooLoose rejects fallback candidates whose text is far longer than what
// the rule was captured with.
func tooLoose(r *rules.Rule, text string) bool {
	limit := max(4*r.BaselineLength(), fallbackTextFloor)
	return utf8.RuneCountInString(dom.CollapseSpace(text)) > limit
}

// primary returns the nodes r currently matches without fallbacks.
func (e *Engine) primary(r *rules.Rule) []dom.Handle {
	switch {
	case !r.TextScoped():
		hs, err := e.doc.Query(r.CSSSelector)
		if err != nil {
			e.logSelectorError(r.CSSSelector, err)
			return nil
		}
		return hs
	case r.LocatesByText():
		var out []dom.Handle
		e.doc.Elements(e.doc.Body(), func(h dom.Handle) bool {
			if e.deepestWith(h, r.Needle()) {
				out = append(out, h)
			}
			return true
		})
		return out
	default:
		return []dom.Handle{e.doc.Body()}
	}
}

// evaluateNode runs every active rule that matches element h.
func (e *Engine) evaluateNode(h dom.Handle) {
	for _, r := range e.active {
		if e.matches(r, h) {
			e.evaluate(r, h)
		}
	}
}

// matches reports whether r applies to element h by its primary scope.
func (e *Engine) matches(r *rules.Rule, h dom.Handle) bool {
	switch {
	case !r.TextScoped():
		if e.badSelector[r.CSSSelector] {
			return false
		}
		ok, err := e.doc.Matches(h, r.CSSSelector)
		if err != nil {
			e.logSelectorError(r.CSSSelector, err)
			return false
		}
		return ok
	case r.LocatesByText():
		return e.deepestWith(h, r.Needle())
	default:
		return h == e.doc.Body()
	}
}

// deepestWith reports whether element h contains needle in its text while
// none of its child elements does.
func (e *Engine) deepestWith(h dom.Handle, needle string) bool {
	needle = dom.CollapseSpace(needle)
	if needle == "" || !strings.Contains(e.collapsedText(h), needle) {
		return false
	}
	for _, c := range e.doc.Children(h) {
		if e.doc.IsElement(c) && strings.Contains(e.collapsedText(c), needle) {
			return false
		}
	}
	return true
}

// collapsedText returns the whitespace-collapsed text of h, built once per
// pass. Every pass entry point clears the cache, and the document does not
// change while a pass runs.
func (e *Engine) collapsedText(h dom.Handle) string {
	if s, ok := e.texts[h]; ok {
		return s
	}
	s := dom.CollapseSpace(e.doc.Text(h))
	e.texts[h] = s
	return s
}

func (e *Engine) evaluate(r *rules.Rule, h dom.Handle) {
	e.evaluateText(r, h, e.doc.Text(h))
}

// evaluateText gates on the node fingerprint, evaluates the condition and
// hands a firing to notify.
func (e *Engine) evaluateText(r *rules.Rule, h dom.Handle, text string) {
	sig, ok := Fingerprint(e.doc, h, text)
	if ok {
		if !e.shouldEvaluate(r, h, sig) {
			e.stats.Gated++
			return
		}
	} else if m := e.states[r.ID]; m != nil {
		delete(m, h)
	}
	e.stats.Evaluations++
	out := Evaluate(r, text, sig)
	if !out.Fire {
		return
	}
	e.stats.Fired++
	e.notify(r, out)
}

func (e *Engine) notify(r *rules.Rule, out Outcome) {
	if e.ignored(r.Name) {
		e.stats.Suppressed++
		return
	}
	if !e.recent.Remember(out.Key) {
		e.stats.Suppressed++
		return
	}
	e.logger.Info("engine: rule fired", "rule", r.ID, "url", e.url, "summary", out.Summary)
	e.dispatch(Notification{App: r.Name, Text: out.Summary, Rule: refOf(r), Key: out.Key})
}

func (e *Engine) dispatch(n Notification) {
	n.URL = e.url
	n.At = e.cfg.Now()
	e.stats.Dispatched++
	e.cfg.Dispatcher.Dispatch(n)
}
