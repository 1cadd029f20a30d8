package dom

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipText lists elements whose character data is never rendered.
var skipText = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Head:     true,
}

// blockLevel elements break lines in rendered text.
var blockLevel = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Br: true, atom.Dd: true, atom.Div: true, atom.Dl: true, atom.Dt: true,
	atom.Fieldset: true, atom.Figcaption: true, atom.Figure: true, atom.Footer: true,
	atom.Form: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Header: true, atom.Hr: true, atom.Li: true,
	atom.Main: true, atom.Nav: true, atom.Ol: true, atom.Optgroup: true, atom.Option: true,
	atom.P: true, atom.Pre: true,
	atom.Section: true, atom.Table: true, atom.Tr: true, atom.Ul: true,
}

// Text returns the rendered text of h, approximating innerText: script and
// style content is skipped and block-level descendants break lines. The
// element itself adds no break around its own text.
func (d *Document) Text(h Handle) string {
	n := d.arena.get(h)
	if n == nil {
		return ""
	}
	switch {
	case n.Type == html.TextNode:
		return n.Data
	case n.Type == html.ElementNode && skipText[n.DataAtom]:
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, &b)
	}
	return b.String()
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipText[n.DataAtom] {
			return
		}
	case html.CommentNode, html.DoctypeNode:
		return
	}
	block := n.Type == html.ElementNode && blockLevel[n.DataAtom]
	if block {
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
	if block {
		b.WriteByte('\n')
	}
}

// CollapseSpace replaces every whitespace run with one space and trims.
func CollapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// FirstLine returns the first non-blank line of s, trimmed.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

// Control is the live state of a form control.
type Control struct {
	Value      string
	HasValue   bool
	Checked    bool
	HasChecked bool
}

// ControlState returns the value/checked state of input, textarea and
// select elements. ok is false for any other node.
func (d *Document) ControlState(h Handle) (c Control, ok bool) {
	n := d.arena.get(h)
	if n == nil || n.Type != html.ElementNode {
		return c, false
	}
	switch n.DataAtom {
	case atom.Input:
		typ, _ := attr(n, "type")
		switch strings.ToLower(typ) {
		case "checkbox", "radio":
			_, c.Checked = attr(n, "checked")
			c.HasChecked = true
		}
		c.Value, c.HasValue = attr(n, "value")
		if !c.HasValue && !c.HasChecked {
			c.HasValue = true
		}
		return c, true
	case atom.Textarea:
		var b strings.Builder
		collectText(n, &b)
		c.Value, c.HasValue = b.String(), true
		return c, true
	case atom.Select:
		c.HasValue = true
		first := ""
		seenFirst := false
		var walk func(*html.Node) bool
		walk = func(m *html.Node) bool {
			if m.Type == html.ElementNode && m.DataAtom == atom.Option {
				v, has := attr(m, "value")
				if !has {
					var b strings.Builder
					collectText(m, &b)
					v = CollapseSpace(b.String())
				}
				if !seenFirst {
					first, seenFirst = v, true
				}
				if _, sel := attr(m, "selected"); sel {
					c.Value = v
					return false
				}
			}
			for ch := m.FirstChild; ch != nil; ch = ch.NextSibling {
				if !walk(ch) {
					return false
				}
			}
			return true
		}
		if walk(n) {
			c.Value = first
		}
		return c, true
	}
	return c, false
}
