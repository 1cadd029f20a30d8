package engine

// DefaultRecentLimit is the capacity of the recent-notification cache.
const DefaultRecentLimit = 50

// Recent is a bounded FIFO set of notification keys. Entries leave only by
// capacity, oldest first; there is no time expiry and a hit does not
// refresh an entry.
type Recent struct {
	limit int
	order []string
	set   map[string]struct{}
}

// NewRecent returns a cache holding at most limit keys.
func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return &Recent{
		limit: limit,
		order: make([]string, 0, limit+1),
		set:   make(map[string]struct{}, limit+1),
	}
}

// Remember records key and reports true if it was not already present.
func (r *Recent) Remember(key string) bool {
	if _, ok := r.set[key]; ok {
		return false
	}
	r.set[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > r.limit {
		oldest := r.order[0]
		r.order[0] = ""
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	return true
}

// Len returns the number of remembered keys.
func (r *Recent) Len() int { return len(r.order) }
