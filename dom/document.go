// Package dom holds the in-process mirror of an observed page: an HTML tree
// whose nodes are addressed by generation-checked handles, a cached selector
// matcher, and the mutation log that observers consume.
//
// A Document is not safe for concurrent use. It is owned by the goroutine
// that applies host changes to it and evaluates rules against it.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrStaleHandle is returned when a handle no longer refers to a live node.
var ErrStaleHandle = errors.New("dom: stale handle")

// NodeType follows the DOM nodeType numbering (also used by CDP).
type NodeType int

const (
	ElementNode  NodeType = 1
	TextNode     NodeType = 3
	CommentNode  NodeType = 8
	DocumentNode NodeType = 9
	DoctypeNode  NodeType = 10
)

// Key is a host-assigned node identifier (a CDP nodeId for the browser host).
type Key int64

// Document is a mutable HTML tree.
type Document struct {
	root    *html.Node
	url     string
	arena   arena
	keys    map[Key]Handle
	sel     *selectorCache
	pending []Record
	seq     uint64
}

// New returns an empty document (html, head and body only).
func New(url string) *Document {
	d, err := Parse(strings.NewReader(""), url)
	if err != nil {
		panic("dom: parse empty document: " + err.Error())
	}
	return d
}

// Parse builds a document from HTML markup.
func Parse(r io.Reader, url string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	d := &Document{
		url:   url,
		arena: newArena(),
		keys:  make(map[Key]Handle),
		sel:   newSelectorCache(),
	}
	d.root = root
	d.register(root)
	return d, nil
}

// ParseString is Parse for a string.
func ParseString(markup, url string) (*Document, error) {
	return Parse(strings.NewReader(markup), url)
}

// URL returns the document location.
func (d *Document) URL() string { return d.url }

// SetURL updates the document location (same-document navigation).
func (d *Document) SetURL(u string) { d.url = u }

// Root returns the handle of the document node.
func (d *Document) Root() Handle { return d.arena.handle(d.root) }

// Len returns the number of live nodes.
func (d *Document) Len() int { return d.arena.live() }

// Alive reports whether h still refers to a node in the tree.
func (d *Document) Alive(h Handle) bool { return d.arena.get(h) != nil }

// Lookup resolves a host key to a handle.
func (d *Document) Lookup(k Key) (Handle, bool) {
	h, ok := d.keys[k]
	if ok && !d.Alive(h) {
		delete(d.keys, k)
		return Handle{}, false
	}
	return h, ok
}

// Type returns the node type of h, or 0 for a stale handle.
func (d *Document) Type(h Handle) NodeType {
	n := d.arena.get(h)
	if n == nil {
		return 0
	}
	switch n.Type {
	case html.ElementNode:
		return ElementNode
	case html.TextNode:
		return TextNode
	case html.CommentNode:
		return CommentNode
	case html.DocumentNode:
		return DocumentNode
	case html.DoctypeNode:
		return DoctypeNode
	}
	return 0
}

// IsElement reports whether h is a live element.
func (d *Document) IsElement(h Handle) bool {
	n := d.arena.get(h)
	return n != nil && n.Type == html.ElementNode
}

// Tag returns the lower-cased tag name of an element, or "".
func (d *Document) Tag(h Handle) string {
	n := d.arena.get(h)
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	return strings.ToLower(n.Data)
}

// Data returns the character data of a text or comment node.
func (d *Document) Data(h Handle) string {
	n := d.arena.get(h)
	if n == nil || (n.Type != html.TextNode && n.Type != html.CommentNode) {
		return ""
	}
	return n.Data
}

// Attr returns the value of attribute name on h.
func (d *Document) Attr(h Handle, name string) (string, bool) {
	n := d.arena.get(h)
	if n == nil {
		return "", false
	}
	return attr(n, name)
}

// Attrs returns a copy of the attributes of h in document order.
func (d *Document) Attrs(h Handle) []html.Attribute {
	n := d.arena.get(h)
	if n == nil || len(n.Attr) == 0 {
		return nil
	}
	out := make([]html.Attribute, len(n.Attr))
	copy(out, n.Attr)
	return out
}

// Parent returns the parent of h (zero for the root or a stale handle).
func (d *Document) Parent(h Handle) Handle {
	n := d.arena.get(h)
	if n == nil {
		return Handle{}
	}
	return d.arena.handle(n.Parent)
}

// Element returns h if it is an element, otherwise its closest element
// ancestor.
func (d *Document) Element(h Handle) Handle {
	n := d.arena.get(h)
	for n != nil && n.Type != html.ElementNode {
		n = n.Parent
	}
	return d.arena.handle(n)
}

// Children returns the child handles of h.
func (d *Document) Children(h Handle) []Handle {
	n := d.arena.get(h)
	if n == nil {
		return nil
	}
	var out []Handle
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, d.arena.handle(c))
	}
	return out
}

// Elements calls fn for h and every element below it, in document order.
// Returning false from fn stops the walk.
func (d *Document) Elements(h Handle, fn func(Handle) bool) {
	n := d.arena.get(h)
	if n == nil {
		return
	}
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			if !fn(d.arena.handle(n)) {
				return false
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(n)
}

// Ancestors returns the element ancestors of h, closest first.
func (d *Document) Ancestors(h Handle) []Handle {
	n := d.arena.get(h)
	if n == nil {
		return nil
	}
	var out []Handle
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			out = append(out, d.arena.handle(p))
		}
	}
	return out
}

// Body returns the body element, or the root when the document has none.
func (d *Document) Body() Handle {
	if b := findFirst(d.root, atom.Body); b != nil {
		return d.arena.handle(b)
	}
	return d.Root()
}

// Title returns the document title the way document.title reports it:
// the first title element's text with whitespace collapsed.
func (d *Document) Title() string {
	t := findFirst(d.root, atom.Title)
	if t == nil {
		return ""
	}
	var b strings.Builder
	for c := t.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return CollapseSpace(b.String())
}

// OuterHTML renders the subtree rooted at h.
func (d *Document) OuterHTML(h Handle) string {
	n := d.arena.get(h)
	if n == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

func (d *Document) register(n *html.Node) {
	d.arena.alloc(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.register(c)
	}
}

// release frees the handles of n's subtree and returns them.
func (d *Document) release(n *html.Node, out []Handle) []Handle {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = d.release(c, out)
	}
	h := d.arena.handle(n)
	if h.IsZero() {
		return out
	}
	if k, ok := d.arena.release(h); ok {
		delete(d.keys, k)
	}
	return append(out, h)
}

func (d *Document) bindKey(h Handle, k Key) {
	if s := d.arena.lookup(h); s != nil {
		if old, ok := d.keys[k]; ok && old != h {
			if prev := d.arena.lookup(old); prev != nil {
				prev.hasKey = false
			}
		}
		s.key = k
		s.hasKey = true
		d.keys[k] = h
	}
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findFirst(c, a); f != nil {
			return f
		}
	}
	return nil
}
