package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Stdout prints one JSON line per notification. Screenshots are replaced
// by their size so lines stay readable.
type Stdout struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewStdout creates a Stdout sink writing to w, or os.Stdout when w is nil.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{w: w, now: time.Now}
}

type line struct {
	Type       string  `json:"type"`
	At         string  `json:"at"`
	Data       Payload `json:"data"`
	Screenshot int     `json:"screenshot_bytes,omitempty"`
}

func (s *Stdout) Send(_ context.Context, p Payload) error {
	l := line{Type: "notification", At: s.now().UTC().Format(time.RFC3339), Screenshot: len(p.Screenshot)}
	p.Screenshot = ""
	l.Data = p
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(b, '\n'))
	return err
}

func (s *Stdout) Close() error { return nil }
