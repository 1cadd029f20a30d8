package engine

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/notifywatch/dom"
	"github.com/hazyhaar/notifywatch/rules"
)

const (
	captureSnapshot = 500
	captureClasses  = 2
	captureAttrs    = 12
	captureAttrLen  = 160
)

// CaptureRule builds a pending rule from a picked element: a CSS path that
// selects it, its normalized text and its structural metadata.
func CaptureRule(doc *dom.Document, h dom.Handle, now time.Time) (rules.RawRule, error) {
	if !doc.IsElement(h) {
		return rules.RawRule{}, fmt.Errorf("engine: capture: %s is not an element", h)
	}
	path := CSSPath(doc, h)
	text := dom.Truncate(dom.CollapseSpace(doc.Text(h)), captureSnapshot)

	meta := &rules.Metadata{Tag: doc.Tag(h), Attributes: make(map[string]string)}
	if id, ok := doc.Attr(h, "id"); ok {
		meta.ID = strings.TrimSpace(id)
	}
	if cls, ok := doc.Attr(h, "class"); ok {
		meta.Classes = strings.Fields(cls)
	}
	for _, a := range doc.Attrs(h) {
		if len(meta.Attributes) == captureAttrs {
			break
		}
		if a.Namespace != "" {
			continue
		}
		meta.Attributes[a.Key] = dom.Truncate(a.Val, captureAttrLen)
	}

	pageURL := doc.URL()
	host := pageURL
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		host = u.Host
	}
	name := dom.Truncate(text, 60)
	if name == "" {
		name = rules.DefaultName
	}
	kind := rules.KindElement
	cond := rules.CondElement
	if text != "" {
		cond = rules.CondTextDiffers
	}
	return rules.RawRule{
		Name:         rules.Loose(name),
		URLContains:  rules.Loose(host),
		PageURL:      rules.Loose(pageURL),
		Type:         rules.Loose(kind),
		Selector:     rules.Loose(path),
		CSSSelector:  rules.Loose(path),
		Condition:    rules.Loose(cond),
		BaselineText: rules.Loose(text),
		TextSnapshot: rules.Loose(text),
		Source:       "picker",
		CapturedAt:   rules.Loose(strconv.FormatInt(now.Unix(), 10)),
		Metadata:     meta,
	}, nil
}

// CSSPath derives a selector for element h: its id when that is unique in
// the document, otherwise a child-combinator chain of tag, classes and
// :nth-of-type steps anchored at the closest uniquely identified ancestor
// or at body.
func CSSPath(doc *dom.Document, h dom.Handle) string {
	var steps []string
	for cur := h; doc.IsElement(cur); cur = doc.Parent(cur) {
		tag := doc.Tag(cur)
		if tag == "html" || tag == "body" {
			steps = append(steps, tag)
			break
		}
		if id, ok := doc.Attr(cur, "id"); ok && strings.TrimSpace(id) != "" {
			sel := "#" + rules.EscapeIdent(strings.TrimSpace(id))
			if hs, err := doc.Query(sel); err == nil && len(hs) == 1 {
				steps = append(steps, sel)
				break
			}
		}
		steps = append(steps, step(doc, cur, tag))
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return strings.Join(steps, " > ")
}

func step(doc *dom.Document, h dom.Handle, tag string) string {
	var b strings.Builder
	b.WriteString(tag)
	if cls, ok := doc.Attr(h, "class"); ok {
		for i, c := range strings.Fields(cls) {
			if i == captureClasses {
				break
			}
			b.WriteString("." + rules.EscapeIdent(c))
		}
	}
	parent := doc.Parent(h)
	if parent.IsZero() {
		return b.String()
	}
	index, same := 0, 0
	for _, c := range doc.Children(parent) {
		if doc.Tag(c) != tag {
			continue
		}
		same++
		if c == h {
			index = same
		}
	}
	if same > 1 {
		fmt.Fprintf(&b, ":nth-of-type(%d)", index)
	}
	return b.String()
}
