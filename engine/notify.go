package engine

import (
	"time"

	"github.com/hazyhaar/notifywatch/rules"
)

// BrowserApp is the target name title-change notifications are sent as.
// Ignoring it silences them.
const BrowserApp = "Browser"

// RuleRef identifies the rule behind a notification.
type RuleRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Condition   string `json:"condition"`
	Selector    string `json:"selector"`
	URLContains string `json:"url_contains"`
}

func refOf(r *rules.Rule) *RuleRef {
	return &RuleRef{
		ID:          r.ID,
		Name:        r.Name,
		Condition:   string(r.Condition),
		Selector:    r.DisplaySelector,
		URLContains: r.URLContains,
	}
}

// Notification is a finalized alert. It has already passed the recent
// cache and is handed to the dispatcher exactly once.
type Notification struct {
	App  string
	Text string
	Rule *RuleRef // nil for title changes
	Key  string
	URL  string
	At   time.Time
}

// Dispatcher delivers notifications. Dispatch must not block the engine:
// implementations queue or hand off, and report failures themselves.
type Dispatcher interface {
	Dispatch(n Notification)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(Notification)

func (f DispatchFunc) Dispatch(n Notification) { f(n) }
