package dom

import (
	"fmt"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// SelectorError reports a selector that failed to parse.
type SelectorError struct {
	Selector string
	Err      error
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("dom: invalid selector %q: %v", e.Selector, e.Err)
}

func (e *SelectorError) Unwrap() error { return e.Err }

type compiled struct {
	group cascadia.SelectorGroup
	err   error
}

// selectorCache memoises parsed selector groups, including parse failures,
// so a bad selector is parsed once per document.
type selectorCache struct {
	m map[string]compiled
}

func newSelectorCache() *selectorCache {
	return &selectorCache{m: make(map[string]compiled)}
}

func (c *selectorCache) get(sel string) (cascadia.SelectorGroup, error) {
	if cs, ok := c.m[sel]; ok {
		return cs.group, cs.err
	}
	g, err := cascadia.ParseGroup(sel)
	if err != nil {
		err = &SelectorError{Selector: sel, Err: err}
		g = nil
	}
	c.m[sel] = compiled{group: g, err: err}
	return g, err
}

// ValidSelector reports whether sel parses as a selector group.
func ValidSelector(sel string) error {
	if _, err := cascadia.ParseGroup(sel); err != nil {
		return &SelectorError{Selector: sel, Err: err}
	}
	return nil
}

// Matches reports whether element h matches sel.
func (d *Document) Matches(h Handle, sel string) (bool, error) {
	g, err := d.sel.get(sel)
	if err != nil {
		return false, err
	}
	n := d.arena.get(h)
	if n == nil || n.Type != html.ElementNode {
		return false, nil
	}
	return g.Match(n), nil
}

// Query returns every element of the document matching sel, in document
// order.
func (d *Document) Query(sel string) ([]Handle, error) {
	g, err := d.sel.get(sel)
	if err != nil {
		return nil, err
	}
	nodes := cascadia.QueryAll(d.root, g)
	out := make([]Handle, 0, len(nodes))
	for _, n := range nodes {
		if h := d.arena.handle(n); !h.IsZero() {
			out = append(out, h)
		}
	}
	return out, nil
}
