package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/notifywatch/rules"
)

func TestFetchConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/config" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Cache-Control"); got != "no-cache" {
			t.Errorf("Cache-Control: %q", got)
		}
		w.Write([]byte(`{"version":2,"rules":[{"name":"Stock","type":"element_text","selector":"In Stock"}],"ignored_apps":[" Browser "]}`))
	}))
	defer srv.Close()

	cfg, err := New(srv.URL + "/").Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Name.String() != "Stock" {
		t.Errorf("rules: %+v", cfg.Rules)
	}
	if len(cfg.IgnoredApps) != 1 || cfg.IgnoredApps[0] != "Browser" {
		t.Errorf("ignored: %v", cfg.IgnoredApps)
	}
}

func TestFetchConfigBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"name":"A","selector":"#a"},{"name":"B","selector":".b"}]`))
	}))
	defer srv.Close()

	cfg, err := New(srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Rules) != 2 {
		t.Errorf("rules: got %d, want 2", len(cfg.Rules))
	}
}

func TestFetchConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{}`},
		{"not json", http.StatusOK, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			if _, err := New(srv.URL).Fetch(context.Background()); err == nil {
				t.Error("want error")
			}
		})
	}
}

func TestSubmitPending(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pending_rule" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	raw := rules.RawRule{Name: "Price", Selector: "#price", CSSSelector: "#price", Source: "picker"}
	if err := New(srv.URL).SubmitPending(context.Background(), raw); err != nil {
		t.Fatal(err)
	}
	if got["css_selector"] != "#price" || got["source"] != "picker" {
		t.Errorf("body: %v", got)
	}
}

func TestSubmitPendingRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","reason":"invalid_rule"}`))
	}))
	defer srv.Close()

	err := New(srv.URL).SubmitPending(context.Background(), rules.RawRule{})
	if err == nil || !strings.Contains(err.Error(), "invalid_rule") {
		t.Errorf("want invalid_rule error, got %v", err)
	}
}
