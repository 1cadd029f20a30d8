package dom

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Op is the type of mutation applied to a document.
type Op string

const (
	OpInsert   Op = "insert"    // subtree inserted
	OpRemove   Op = "remove"    // subtree removed
	OpText     Op = "text"      // character data modified
	OpAttr     Op = "attr"      // attribute set
	OpAttrDel  Op = "attr_del"  // attribute removed
	OpDocReset Op = "doc_reset" // entire document replaced
)

// Record is one applied mutation as reported to observers.
type Record struct {
	Op Op
	// Target is the inserted subtree root, the removed root (stale once
	// applied), the modified text node or the element whose attribute
	// changed.
	Target Handle
	// Parent is the container for insert and remove.
	Parent Handle
	// Removed lists every handle released by a remove or reset.
	Removed  []Handle
	Name     string
	Value    string
	OldValue string
}

// Batch is the set of records accumulated since the previous TakeRecords.
type Batch struct {
	Seq     uint64
	Records []Record
}

// TakeRecords drains the pending mutation records.
func (d *Document) TakeRecords() Batch {
	d.seq++
	b := Batch{Seq: d.seq, Records: d.pending}
	d.pending = nil
	return b
}

// Spec is a host-neutral description of a node subtree.
type Spec struct {
	Key      Key
	Type     NodeType
	Name     string
	Value    string
	Attrs    []html.Attribute
	Children []*Spec
}

// Change is a mutation expressed in host keys, as produced by a live host.
type Change struct {
	Op       Op
	Parent   Key   // insert
	Previous Key   // insert: sibling to insert after, 0 for first child
	Node     *Spec // insert; reset from a host tree
	Target   Key   // remove, text, attr, attr_del
	Name     string
	Value    string
	HTML     []byte // reset from markup
	URL      string // reset
}

// Apply translates a host change into a tree mutation.
func (d *Document) Apply(c Change) error {
	switch c.Op {
	case OpInsert:
		parent, ok := d.Lookup(c.Parent)
		if !ok {
			return fmt.Errorf("dom: insert: unknown parent %d", c.Parent)
		}
		if c.Node == nil {
			return fmt.Errorf("dom: insert: missing node")
		}
		var prev Handle
		if c.Previous != 0 {
			prev, _ = d.Lookup(c.Previous)
		}
		_, err := d.insertSpec(parent, prev, c.Node)
		return err
	case OpRemove:
		h, ok := d.Lookup(c.Target)
		if !ok {
			return fmt.Errorf("dom: remove: unknown node %d", c.Target)
		}
		return d.Remove(h)
	case OpText:
		h, ok := d.Lookup(c.Target)
		if !ok {
			return fmt.Errorf("dom: text: unknown node %d", c.Target)
		}
		return d.SetText(h, c.Value)
	case OpAttr:
		h, ok := d.Lookup(c.Target)
		if !ok {
			return fmt.Errorf("dom: attr: unknown node %d", c.Target)
		}
		return d.SetAttr(h, c.Name, c.Value)
	case OpAttrDel:
		h, ok := d.Lookup(c.Target)
		if !ok {
			return fmt.Errorf("dom: attr_del: unknown node %d", c.Target)
		}
		return d.RemoveAttr(h, c.Name)
	case OpDocReset:
		if c.Node != nil {
			return d.ResetSpec(c.Node, c.URL)
		}
		return d.Reset(c.HTML, c.URL)
	}
	return fmt.Errorf("dom: unknown op %q", c.Op)
}

// InsertHTML parses markup in the context of parent and appends the
// resulting nodes. It returns the handles of the inserted roots.
func (d *Document) InsertHTML(parent Handle, markup string) ([]Handle, error) {
	p := d.arena.get(parent)
	if p == nil {
		return nil, ErrStaleHandle
	}
	ctx := p
	if p.Type != html.ElementNode {
		ctx = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	out := make([]Handle, 0, len(nodes))
	for _, n := range nodes {
		p.AppendChild(n)
		d.register(n)
		h := d.arena.handle(n)
		out = append(out, h)
		d.pending = append(d.pending, Record{Op: OpInsert, Target: h, Parent: parent})
	}
	return out, nil
}

func (d *Document) insertSpec(parent, prev Handle, s *Spec) (Handle, error) {
	p := d.arena.get(parent)
	if p == nil {
		return Handle{}, ErrStaleHandle
	}
	n := d.build(s)
	if n == nil {
		return Handle{}, fmt.Errorf("dom: insert: unsupported node type %d", s.Type)
	}
	var before *html.Node
	if prevNode := d.arena.get(prev); prevNode != nil && prevNode.Parent == p {
		before = prevNode.NextSibling
	} else if prev.IsZero() {
		before = p.FirstChild
	}
	p.InsertBefore(n, before)
	h := d.registerSpec(n, s)
	d.pending = append(d.pending, Record{Op: OpInsert, Target: h, Parent: parent})
	return h, nil
}

// build converts a spec into detached html nodes.
func (d *Document) build(s *Spec) *html.Node {
	var n *html.Node
	switch s.Type {
	case ElementNode:
		name := strings.ToLower(s.Name)
		n = &html.Node{Type: html.ElementNode, Data: name, DataAtom: atom.Lookup([]byte(name))}
		n.Attr = append([]html.Attribute(nil), s.Attrs...)
	case TextNode:
		n = &html.Node{Type: html.TextNode, Data: s.Value}
	case CommentNode:
		n = &html.Node{Type: html.CommentNode, Data: s.Value}
	case DocumentNode:
		n = &html.Node{Type: html.DocumentNode}
	case DoctypeNode:
		n = &html.Node{Type: html.DoctypeNode, Data: s.Name}
	default:
		return nil
	}
	for _, cs := range s.Children {
		if c := d.build(cs); c != nil {
			n.AppendChild(c)
		}
	}
	return n
}

// registerSpec registers n (built from s) and binds host keys, walking
// both trees in step.
func (d *Document) registerSpec(n *html.Node, s *Spec) Handle {
	h := d.arena.alloc(n)
	if s.Key != 0 {
		d.bindKey(h, s.Key)
	}
	c := n.FirstChild
	for _, cs := range s.Children {
		if c == nil {
			break
		}
		switch cs.Type {
		case ElementNode, TextNode, CommentNode, DocumentNode, DoctypeNode:
			d.registerSpec(c, cs)
			c = c.NextSibling
		}
	}
	return h
}

// Remove detaches h and its subtree, releasing every handle in it.
func (d *Document) Remove(h Handle) error {
	n := d.arena.get(h)
	if n == nil {
		return ErrStaleHandle
	}
	if n.Parent == nil {
		return fmt.Errorf("dom: remove: cannot remove the document root")
	}
	parent := d.arena.handle(n.Parent)
	n.Parent.RemoveChild(n)
	removed := d.release(n, nil)
	d.pending = append(d.pending, Record{Op: OpRemove, Target: h, Parent: parent, Removed: removed})
	return nil
}

// SetText replaces the character data of a text or comment node.
func (d *Document) SetText(h Handle, text string) error {
	n := d.arena.get(h)
	if n == nil {
		return ErrStaleHandle
	}
	if n.Type != html.TextNode && n.Type != html.CommentNode {
		return fmt.Errorf("dom: set text: %s is not character data", h)
	}
	old := n.Data
	n.Data = text
	d.pending = append(d.pending, Record{Op: OpText, Target: h, Value: text, OldValue: old})
	return nil
}

// SetAttr sets attribute name on element h.
func (d *Document) SetAttr(h Handle, name, value string) error {
	n := d.arena.get(h)
	if n == nil {
		return ErrStaleHandle
	}
	if n.Type != html.ElementNode {
		return fmt.Errorf("dom: set attr: %s is not an element", h)
	}
	name = strings.ToLower(name)
	old := ""
	found := false
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == name {
			old = n.Attr[i].Val
			n.Attr[i].Val = value
			found = true
			break
		}
	}
	if !found {
		n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
	}
	d.pending = append(d.pending, Record{Op: OpAttr, Target: h, Name: name, Value: value, OldValue: old})
	return nil
}

// RemoveAttr removes attribute name from element h.
func (d *Document) RemoveAttr(h Handle, name string) error {
	n := d.arena.get(h)
	if n == nil {
		return ErrStaleHandle
	}
	name = strings.ToLower(name)
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == name {
			old := n.Attr[i].Val
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			d.pending = append(d.pending, Record{Op: OpAttrDel, Target: h, Name: name, OldValue: old})
			return nil
		}
	}
	return nil
}

// Reset replaces the whole tree with freshly parsed markup. Every existing
// handle goes stale.
func (d *Document) Reset(markup []byte, url string) error {
	root, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return fmt.Errorf("dom: reset: %w", err)
	}
	d.replaceRoot(root, url)
	d.register(root)
	return nil
}

// ResetSpec replaces the whole tree with a host-provided tree.
func (d *Document) ResetSpec(s *Spec, url string) error {
	if s.Type != DocumentNode {
		return fmt.Errorf("dom: reset: root must be a document node, got %d", s.Type)
	}
	root := d.build(s)
	d.replaceRoot(root, url)
	d.registerSpec(root, s)
	return nil
}

func (d *Document) replaceRoot(root *html.Node, url string) {
	removed := d.release(d.root, nil)
	d.arena.reset()
	d.keys = make(map[Key]Handle)
	d.root = root
	if url != "" {
		d.url = url
	}
	d.pending = append(d.pending, Record{Op: OpDocReset, Removed: removed})
}
