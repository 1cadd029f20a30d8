package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/notifywatch/dom"
)

type collector struct {
	mu      sync.Mutex
	changes []dom.Change
}

func (c *collector) Submit(_ context.Context, cs []dom.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, cs...)
	return nil
}

func TestPollSubmitsOnHashChange(t *testing.T) {
	var mu sync.Mutex
	body := "<html><body><p>v1</p></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !strings.Contains(r.Header.Get("User-Agent"), "notifywatch") {
			t.Errorf("User-Agent: %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := &collector{}
	p := NewPoller(Config{URL: srv.URL + "/page", Target: c})
	ctx := context.Background()

	for i, want := range []bool{true, false} {
		got, err := p.Poll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("poll %d: submitted %v, want %v", i, got, want)
		}
	}
	mu.Lock()
	body = "<html><body><p>v2</p></body></html>"
	mu.Unlock()
	if got, _ := p.Poll(ctx); !got {
		t.Fatal("changed body not submitted")
	}

	if len(c.changes) != 2 {
		t.Fatalf("changes: got %d, want 2", len(c.changes))
	}
	last := c.changes[1]
	if last.Op != dom.OpDocReset || last.URL != srv.URL+"/page" || !strings.Contains(string(last.HTML), "v2") {
		t.Errorf("change: %+v", last)
	}
}

func TestPollConditionalRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("<html><body>x</body></html>"))
	}))
	defer srv.Close()

	c := &collector{}
	p := NewPoller(Config{URL: srv.URL, Target: c})
	if ok, err := p.Poll(context.Background()); !ok || err != nil {
		t.Fatalf("first poll: %v %v", ok, err)
	}
	if ok, err := p.Poll(context.Background()); ok || err != nil {
		t.Fatalf("second poll: %v %v", ok, err)
	}
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := NewPoller(Config{URL: srv.URL, Target: &collector{}})
	if _, err := p.Poll(context.Background()); err == nil {
		t.Error("want error on 404")
	}
}

func TestPollTranscodesLatin1(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Write([]byte("<html><body><p>Caf\xe9</p></body></html>"))
	}))
	defer srv.Close()

	c := &collector{}
	p := NewPoller(Config{URL: srv.URL, Target: c, UserAgent: "notifywatch-test"})
	if ok, err := p.Poll(context.Background()); !ok || err != nil {
		t.Fatalf("poll: %v %v", ok, err)
	}
	if got := string(c.changes[0].HTML); !strings.Contains(got, "Café") {
		t.Errorf("body not transcoded: %q", got)
	}
}

func TestLooksLikeShell(t *testing.T) {
	article := "<html><head><title>T</title></head><body><main><p>" +
		strings.Repeat("Lorem ipsum dolor sit amet, consectetur adipiscing elit. ", 8) +
		"</p></main></body></html>"
	tests := []struct {
		name   string
		markup string
		want   bool
	}{
		{"static article", article, false},
		{"react root", `<html><body><div id="root"></div><script src="/main.js"></script></body></html>`, true},
		{"too short", `<html><body>hi</body></html>`, true},
		{"script heavy", "<html><body><p>" + strings.Repeat("word ", 50) + "</p><script>" +
			strings.Repeat("var a=1;", 1000) + "</script></body></html>", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeShell([]byte(tt.markup)); got != tt.want {
				t.Errorf("LooksLikeShell: got %v, want %v", got, tt.want)
			}
		})
	}
}
