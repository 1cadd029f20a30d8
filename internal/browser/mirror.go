package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/notifywatch/dom"
)

// Target receives the mirrored page. *engine.Engine satisfies it.
type Target interface {
	Submit(ctx context.Context, changes []dom.Change) error
	Navigate(ctx context.Context, url string) error
}

// MirrorConfig for creating a Mirror.
type MirrorConfig struct {
	Tab            *Tab
	Target         Target
	DebounceWindow time.Duration // default 250ms
	DebounceMax    int           // default 1000
	Logger         *slog.Logger
}

// Mirror replays a tab's DOM into a Target: a full document on start and
// after every DOM.documentUpdated, then CDP mutation events as batched
// changes keyed by nodeId. Same-document navigations (history API) are
// forwarded as navigations.
type Mirror struct {
	cfg    MirrorConfig
	logger *slog.Logger

	events chan dom.Change
	expand chan proto.DOMNodeID
	resets chan struct{}
	navs   chan string
}

// NewMirror creates a Mirror. Nothing is observed until Run.
func NewMirror(cfg MirrorConfig) *Mirror {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mirror{
		cfg:    cfg,
		logger: cfg.Logger,
		events: make(chan dom.Change, 4096),
		expand: make(chan proto.DOMNodeID, 256),
		resets: make(chan struct{}, 1),
		navs:   make(chan string, 8),
	}
}

// Run observes the tab until ctx is done or the page goes away.
func (m *Mirror) Run(ctx context.Context) error {
	page := m.cfg.Tab.Page
	if err := (proto.PageEnable{}).Call(page); err != nil {
		return fmt.Errorf("browser: page enable: %w", err)
	}
	if err := (proto.DOMEnable{}).Call(page); err != nil {
		return fmt.Errorf("browser: dom enable: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wait := page.Context(ctx).EachEvent(m.handlers(ctx, page.FrameID)...)
	closed := make(chan struct{})
	go func() {
		wait()
		close(closed)
	}()
	defer func() {
		cancel()
		<-closed
	}()

	if err := m.snapshot(ctx); err != nil {
		return err
	}

	batch := newBatcher(batchConfig{Window: m.cfg.DebounceWindow, MaxBuffer: m.cfg.DebounceMax}, func(cs []dom.Change) {
		if err := m.cfg.Target.Submit(ctx, cs); err != nil && ctx.Err() == nil {
			m.logger.Warn("browser: submit changes", "url", m.cfg.Tab.URL, "error", err)
		}
	})

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-closed:
			return fmt.Errorf("browser: page events closed: %s", m.cfg.Tab.URL)

		case c := <-m.events:
			batch.add(c)

		case <-batch.timerC():
			batch.flush()

		case id := <-m.expand:
			depth := -1
			if err := (proto.DOMRequestChildNodes{NodeID: id, Depth: &depth}).Call(page.Context(ctx)); err != nil {
				m.logger.Debug("browser: request child nodes", "node", id, "error", err)
			}

		case <-m.resets:
			// Node ids of the old document are void.
			batch.discard()
			if err := m.snapshot(ctx); err != nil {
				m.logger.Warn("browser: resnapshot failed", "url", m.cfg.Tab.URL, "error", err)
			}

		case u := <-m.navs:
			batch.flush()
			m.cfg.Tab.URL = u
			if err := m.cfg.Target.Navigate(ctx, u); err != nil && ctx.Err() == nil {
				m.logger.Warn("browser: forward navigation", "url", u, "error", err)
			}
		}
	}
}

// snapshot fetches the whole tree and submits it as a document reset.
func (m *Mirror) snapshot(ctx context.Context) error {
	depth := -1
	res, err := proto.DOMGetDocument{Depth: &depth}.Call(m.cfg.Tab.Page.Context(ctx))
	if err != nil {
		return fmt.Errorf("browser: DOM.getDocument: %w", err)
	}
	url := res.Root.DocumentURL
	if url == "" {
		url = m.cfg.Tab.URL
	}
	m.cfg.Tab.URL = url
	spec := specOf(res.Root)
	if spec == nil {
		return fmt.Errorf("browser: DOM.getDocument: unexpected root type %d", res.Root.NodeType)
	}
	m.logger.Debug("browser: document mirrored", "url", url)
	return m.cfg.Target.Submit(ctx, []dom.Change{{Op: dom.OpDocReset, Node: spec, URL: url}})
}

func (m *Mirror) handlers(ctx context.Context, mainFrame proto.PageFrameID) []any {
	emit := func(c dom.Change) {
		select {
		case m.events <- c:
		case <-ctx.Done():
		}
	}
	insert := func(parent, prev proto.DOMNodeID, n *proto.DOMNode) {
		s := specOf(n)
		if s == nil {
			return
		}
		emit(dom.Change{Op: dom.OpInsert, Parent: dom.Key(parent), Previous: dom.Key(prev), Node: s})
		if pendingChildren(n) {
			select {
			case m.expand <- n.NodeID:
			default:
				m.logger.Debug("browser: expand queue full", "node", n.NodeID)
			}
		}
	}

	return []any{
		func(e *proto.DOMChildNodeInserted) {
			insert(e.ParentNodeID, e.PreviousNodeID, e.Node)
		},
		func(e *proto.DOMSetChildNodes) {
			var prev proto.DOMNodeID
			for _, n := range e.Nodes {
				insert(e.ParentID, prev, n)
				prev = n.NodeID
			}
		},
		func(e *proto.DOMChildNodeRemoved) {
			emit(dom.Change{Op: dom.OpRemove, Target: dom.Key(e.NodeID)})
		},
		func(e *proto.DOMAttributeModified) {
			emit(dom.Change{Op: dom.OpAttr, Target: dom.Key(e.NodeID), Name: e.Name, Value: e.Value})
		},
		func(e *proto.DOMAttributeRemoved) {
			emit(dom.Change{Op: dom.OpAttrDel, Target: dom.Key(e.NodeID), Name: e.Name})
		},
		func(e *proto.DOMCharacterDataModified) {
			emit(dom.Change{Op: dom.OpText, Target: dom.Key(e.NodeID), Value: e.CharacterData})
		},
		func(e *proto.DOMDocumentUpdated) {
			select {
			case m.resets <- struct{}{}:
			default:
			}
		},
		func(e *proto.PageNavigatedWithinDocument) {
			if e.FrameID != mainFrame {
				return
			}
			select {
			case m.navs <- e.URL:
			case <-ctx.Done():
			}
		},
	}
}
