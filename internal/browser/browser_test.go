package browser

import (
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/notifywatch/dom"
)

func TestCompressConsecutiveAttr(t *testing.T) {
	changes := []dom.Change{
		{Op: dom.OpAttr, Target: 7, Name: "class", Value: "a"},
		{Op: dom.OpAttr, Target: 7, Name: "class", Value: "b"},
		{Op: dom.OpAttr, Target: 7, Name: "class", Value: "c"},
	}
	got := compress(changes)
	if len(got) != 1 || got[0].Value != "c" {
		t.Fatalf("compress: got %+v, want one change with value c", got)
	}
}

func TestCompressMixedOps(t *testing.T) {
	changes := []dom.Change{
		{Op: dom.OpAttr, Target: 1, Name: "class", Value: "a"},
		{Op: dom.OpAttr, Target: 1, Name: "title", Value: "t"},
		{Op: dom.OpInsert, Parent: 1},
		{Op: dom.OpText, Target: 2, Value: "x"},
		{Op: dom.OpText, Target: 2, Value: "y"},
		{Op: dom.OpText, Target: 3, Value: "z"},
		{Op: dom.OpRemove, Target: 4},
		{Op: dom.OpRemove, Target: 4},
	}
	got := compress(changes)
	// two attrs (different names), insert, text y, text z, both removes
	if len(got) != 7 {
		t.Fatalf("compress: got %d changes, want 7", len(got))
	}
	if got[3].Op != dom.OpText || got[3].Value != "y" {
		t.Errorf("change[3]: got %+v", got[3])
	}
}

func TestCompressEmpty(t *testing.T) {
	if got := compress(nil); got != nil {
		t.Errorf("compress(nil): got %v, want nil", got)
	}
}

func TestBatcherFlushesOnMaxBuffer(t *testing.T) {
	var flushed [][]dom.Change
	b := newBatcher(batchConfig{Window: time.Hour, MaxBuffer: 2}, func(cs []dom.Change) {
		flushed = append(flushed, cs)
	})
	if b.add(dom.Change{Op: dom.OpText, Target: 1}) {
		t.Fatal("first add flushed")
	}
	if b.timerC() == nil {
		t.Fatal("window timer not armed")
	}
	if !b.add(dom.Change{Op: dom.OpText, Target: 2}) {
		t.Fatal("full buffer did not flush")
	}
	if len(flushed) != 1 || len(flushed[0]) != 2 {
		t.Fatalf("flushed: %+v", flushed)
	}
	if b.timerC() != nil {
		t.Error("timer still armed after flush")
	}
}

func TestBatcherDiscard(t *testing.T) {
	called := false
	b := newBatcher(batchConfig{}, func([]dom.Change) { called = true })
	b.add(dom.Change{Op: dom.OpText, Target: 1})
	b.discard()
	b.flush()
	if called {
		t.Error("discarded changes were emitted")
	}
}

func TestBatcherWindow(t *testing.T) {
	done := make(chan []dom.Change, 1)
	b := newBatcher(batchConfig{Window: 10 * time.Millisecond}, func(cs []dom.Change) { done <- cs })
	b.add(dom.Change{Op: dom.OpText, Target: 1, Value: "a"})
	b.add(dom.Change{Op: dom.OpText, Target: 1, Value: "b"})
	select {
	case <-b.timerC():
		b.flush()
	case <-time.After(time.Second):
		t.Fatal("window did not expire")
	}
	cs := <-done
	if len(cs) != 1 || cs[0].Value != "b" {
		t.Errorf("batch: %+v", cs)
	}
}

func intp(n int) *int { return &n }

func cdpDocument() *proto.DOMNode {
	return &proto.DOMNode{
		NodeID: 1, NodeType: 9, NodeName: "#document", DocumentURL: "https://shop.example.com/",
		Children: []*proto.DOMNode{
			{NodeID: 2, NodeType: 10, NodeName: "html"},
			{NodeID: 3, NodeType: 1, NodeName: "HTML", LocalName: "html", Children: []*proto.DOMNode{
				{NodeID: 4, NodeType: 1, NodeName: "HEAD", LocalName: "head", Children: []*proto.DOMNode{
					{NodeID: 5, NodeType: 1, NodeName: "TITLE", LocalName: "title", Children: []*proto.DOMNode{
						{NodeID: 6, NodeType: 3, NodeName: "#text", NodeValue: "Shop"},
					}},
				}},
				{NodeID: 7, NodeType: 1, NodeName: "BODY", LocalName: "body", Children: []*proto.DOMNode{
					{NodeID: 8, NodeType: 1, NodeName: "DIV", LocalName: "div", Attributes: []string{"id", "status", "class", "badge"},
						Children: []*proto.DOMNode{{NodeID: 9, NodeType: 3, NodeName: "#text", NodeValue: "Out of Stock"}}},
					{NodeID: 10, NodeType: 11, NodeName: "#document-fragment"},
				}},
			}},
		},
	}
}

func TestSpecOfMirrorsDocument(t *testing.T) {
	spec := specOf(cdpDocument())
	doc := dom.New("about:blank")
	if err := doc.Apply(dom.Change{Op: dom.OpDocReset, Node: spec, URL: "https://shop.example.com/"}); err != nil {
		t.Fatal(err)
	}
	if doc.Title() != "Shop" {
		t.Errorf("title: %q", doc.Title())
	}
	hs, err := doc.Query("#status.badge")
	if err != nil || len(hs) != 1 {
		t.Fatalf("query: %v %v", hs, err)
	}
	if got := doc.Text(hs[0]); got != "Out of Stock" {
		t.Errorf("text: %q", got)
	}

	// Later CDP events address nodes by nodeId.
	changes := []dom.Change{
		{Op: dom.OpText, Target: 9, Value: "In Stock"},
		{Op: dom.OpInsert, Parent: 7, Previous: 8, Node: specOf(&proto.DOMNode{
			NodeID: 11, NodeType: 1, NodeName: "SPAN", LocalName: "span", Attributes: []string{"class", "price"},
			Children: []*proto.DOMNode{{NodeID: 12, NodeType: 3, NodeName: "#text", NodeValue: "42"}},
		})},
		{Op: dom.OpAttr, Target: 8, Name: "class", Value: "badge ok"},
	}
	for _, c := range changes {
		if err := doc.Apply(c); err != nil {
			t.Fatalf("apply %s: %v", c.Op, err)
		}
	}
	if got := doc.Text(hs[0]); got != "In Stock" {
		t.Errorf("text after change: %q", got)
	}
	if hs, _ := doc.Query("#status + span.price"); len(hs) != 1 {
		t.Error("inserted span not placed after the div")
	}
	if hs, _ := doc.Query("div.ok"); len(hs) != 1 {
		t.Error("attribute change not applied")
	}
}

func TestSpecOfSkipsUnsupported(t *testing.T) {
	if specOf(&proto.DOMNode{NodeType: 11}) != nil {
		t.Error("document fragment should not be mirrored")
	}
	if specOf(nil) != nil {
		t.Error("nil node")
	}
}

func TestPendingChildren(t *testing.T) {
	if !pendingChildren(&proto.DOMNode{ChildNodeCount: intp(2)}) {
		t.Error("children announced but not sent")
	}
	if pendingChildren(&proto.DOMNode{ChildNodeCount: intp(1), Children: []*proto.DOMNode{{}}}) {
		t.Error("children already present")
	}
	if pendingChildren(&proto.DOMNode{}) {
		t.Error("no child count")
	}
}

func TestResourceFilter(t *testing.T) {
	f := newResourceFilter([]string{"images", " Fonts", "media", "XHR", ""})
	if len(f) != 4 {
		t.Errorf("filter: %v", f)
	}
	tests := []struct {
		resType proto.NetworkResourceType
		want    bool
	}{
		{proto.NetworkResourceTypeImage, true},
		{proto.NetworkResourceTypeFont, true},
		{proto.NetworkResourceTypeMedia, true},
		{proto.NetworkResourceTypeXHR, true},
		{proto.NetworkResourceTypeStylesheet, false},
		{proto.NetworkResourceTypeDocument, false},
	}
	for _, tt := range tests {
		if got := f.blocks(tt.resType); got != tt.want {
			t.Errorf("blocks(%q): got %v, want %v", tt.resType, got, tt.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode(" Headful ") != Headful || ParseMode("") != Headless || ParseMode("x") != Headless {
		t.Error("ParseMode")
	}
	if Headful.String() != "headful" {
		t.Error("String")
	}
}

func TestSocketPath(t *testing.T) {
	for name, want := range map[string]string{
		":99":   "/tmp/.X11-unix/X99",
		":99.0": "/tmp/.X11-unix/X99",
		":0":    "/tmp/.X11-unix/X0",
	} {
		if got := socketPath(name); got != want {
			t.Errorf("socketPath(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	m := NewManager(Config{})
	if m.cfg.XvfbDisplay != ":99" || m.cfg.Width != 1280 || m.cfg.Height != 800 || m.cfg.Logger == nil {
		t.Errorf("defaults: %+v", m.cfg)
	}
	if m.Browser() != nil {
		t.Error("browser before Start")
	}
	m.Close()
	if _, err := m.Start(t.Context()); err == nil {
		t.Error("Start after Close: want error")
	}
}
