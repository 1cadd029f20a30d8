// Package sink delivers engine notifications to output backends.
package sink

import (
	"context"

	"github.com/hazyhaar/notifywatch/engine"
)

// Payload is the notification as sent to the notify service.
type Payload struct {
	App        string          `json:"app"`
	Text       string          `json:"text"`
	Rule       *engine.RuleRef `json:"rule,omitempty"`
	Screenshot string          `json:"screenshot,omitempty"` // data URL
	URL        string          `json:"url,omitempty"`
}

// PayloadOf converts an engine notification.
func PayloadOf(n engine.Notification) Payload {
	return Payload{App: n.App, Text: n.Text, Rule: n.Rule, URL: n.URL}
}

// Sink is the output interface. Implementations deliver notifications to
// different backends (notify service webhook, stdout, in-process callback).
type Sink interface {
	Send(ctx context.Context, p Payload) error
	Close() error
}
