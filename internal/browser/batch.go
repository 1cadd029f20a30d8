package browser

import (
	"time"

	"github.com/hazyhaar/notifywatch/dom"
)

type batchConfig struct {
	// Window is the quiet time before a batch is emitted. Default: 250ms.
	Window time.Duration
	// MaxBuffer flushes immediately when this many changes accumulate. Default: 1000.
	MaxBuffer int
}

func (bc *batchConfig) defaults() {
	if bc.Window <= 0 {
		bc.Window = 250 * time.Millisecond
	}
	if bc.MaxBuffer <= 0 {
		bc.MaxBuffer = 1000
	}
}

// batcher collects host changes and emits compressed batches when the
// window expires or the buffer fills.
type batcher struct {
	cfg     batchConfig
	changes []dom.Change
	timer   *time.Timer
	timerCh <-chan time.Time
	flushFn func([]dom.Change)
}

func newBatcher(cfg batchConfig, flushFn func([]dom.Change)) *batcher {
	cfg.defaults()
	return &batcher{cfg: cfg, flushFn: flushFn}
}

// add buffers c. It reports whether the buffer filled and was flushed.
func (b *batcher) add(c dom.Change) bool {
	b.changes = append(b.changes, c)
	if len(b.changes) >= b.cfg.MaxBuffer {
		b.flush()
		return true
	}
	if b.timer == nil {
		b.timer = time.NewTimer(b.cfg.Window)
		b.timerCh = b.timer.C
	} else {
		b.timer.Reset(b.cfg.Window)
	}
	return false
}

// timerC fires when the window expires; nil while the buffer is empty.
func (b *batcher) timerC() <-chan time.Time {
	return b.timerCh
}

func (b *batcher) flush() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer, b.timerCh = nil, nil
	}
	if len(b.changes) == 0 {
		return
	}
	out := compress(b.changes)
	b.changes = nil
	b.flushFn(out)
}

// discard drops the buffered changes without emitting them.
func (b *batcher) discard() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer, b.timerCh = nil, nil
	}
	b.changes = nil
}

// compress collapses runs of changes that overwrite each other:
// consecutive text changes on one node keep the last value, consecutive
// attribute sets of one (node, name) keep the last value. Structural
// changes are never merged.
func compress(changes []dom.Change) []dom.Change {
	if len(changes) <= 1 {
		return changes
	}
	out := make([]dom.Change, 0, len(changes))
	for _, c := range changes {
		if n := len(out); n > 0 {
			last := &out[n-1]
			switch {
			case c.Op == dom.OpText && last.Op == dom.OpText && last.Target == c.Target,
				c.Op == dom.OpAttr && last.Op == dom.OpAttr && last.Target == c.Target && last.Name == c.Name:
				*last = c
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
