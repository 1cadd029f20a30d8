package dom

import (
	"fmt"

	"golang.org/x/net/html"
)

// Handle identifies a node of a Document. A handle is a slot index plus the
// generation the slot had when the node was registered; once the node leaves
// the tree its slot generation advances, so every outstanding handle to it
// goes stale instead of keeping the node reachable.
type Handle struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether h is the zero handle (never issued).
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string {
	if h.IsZero() {
		return "node(-)"
	}
	return fmt.Sprintf("node(%d.%d)", h.slot, h.gen)
}

type slot struct {
	node   *html.Node
	gen    uint32
	key    Key
	hasKey bool
}

// arena maps handles to live nodes. Released slots are recycled with a
// bumped generation.
type arena struct {
	slots  []slot
	free   []uint32
	byNode map[*html.Node]Handle
}

func newArena() arena {
	return arena{byNode: make(map[*html.Node]Handle)}
}

func (a *arena) alloc(n *html.Node) Handle {
	if h, ok := a.byNode[n]; ok {
		return h
	}
	var idx uint32
	if k := len(a.free); k > 0 {
		idx = a.free[k-1]
		a.free = a.free[:k-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{gen: 1})
	}
	s := &a.slots[idx]
	s.node = n
	s.hasKey = false
	s.key = 0
	h := Handle{slot: idx, gen: s.gen}
	a.byNode[n] = h
	return h
}

// release frees the slot behind h. It returns the host key bound to the
// slot, if any, so the caller can drop its reverse index.
func (a *arena) release(h Handle) (Key, bool) {
	s := a.lookup(h)
	if s == nil {
		return 0, false
	}
	key, hasKey := s.key, s.hasKey
	delete(a.byNode, s.node)
	s.node = nil
	s.hasKey = false
	s.key = 0
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, h.slot)
	return key, hasKey
}

func (a *arena) lookup(h Handle) *slot {
	if h.IsZero() || int(h.slot) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.slot]
	if s.gen != h.gen || s.node == nil {
		return nil
	}
	return s
}

func (a *arena) get(h Handle) *html.Node {
	if s := a.lookup(h); s != nil {
		return s.node
	}
	return nil
}

func (a *arena) handle(n *html.Node) Handle {
	if n == nil {
		return Handle{}
	}
	return a.byNode[n]
}

func (a *arena) live() int { return len(a.byNode) }

func (a *arena) reset() {
	for i := range a.slots {
		if a.slots[i].node != nil {
			a.slots[i].node = nil
			a.slots[i].hasKey = false
			a.slots[i].gen++
			if a.slots[i].gen == 0 {
				a.slots[i].gen = 1
			}
			a.free = append(a.free, uint32(i))
		}
	}
	a.byNode = make(map[*html.Node]Handle)
}
