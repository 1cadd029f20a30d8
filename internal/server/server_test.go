package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/notifywatch/internal/dbopen"
	"github.com/hazyhaar/notifywatch/internal/store"
	"github.com/hazyhaar/notifywatch/rules"
)

type attachment struct {
	title, mime string
	data        []byte
}

type fakePusher struct {
	mu       sync.Mutex
	messages []string
	attached []attachment
}

func (f *fakePusher) Push(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakePusher) Attach(_ context.Context, title, mime string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, attachment{title, mime, data})
	return nil
}

func testServer(t *testing.T, cfg Config) (*Server, *fakePusher, *httptest.Server) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	p := &fakePusher{}
	cfg.Store = store.New(db)
	cfg.Pusher = p
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, p, ts
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getConfig(t *testing.T, ts *httptest.Server) rules.Config {
	t.Helper()
	resp, err := http.Get(ts.URL + "/config")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control: %q", cc)
	}
	var cfg rules.Config
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestConfigEndpoint(t *testing.T) {
	_, _, ts := testServer(t, Config{})
	cfg := getConfig(t, ts)
	want := rules.Config{Version: store.SchemaVersion, Rules: []rules.RawRule{}, IgnoredApps: []string{}}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("empty config (-want +got):\n%s", diff)
	}

	if resp, _ := do(t, http.MethodPost, ts.URL+"/ignored_apps", `{"name":"Slack"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("add ignored: %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, ts.URL+"/rules", `{"name":"Badge","type":"element","selector":"#badge","url_contains":"mail"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("add rule: %d", resp.StatusCode)
	}
	cfg = getConfig(t, ts)
	if len(cfg.Rules) != 1 || cfg.Rules[0].Name != "Badge" || cfg.Rules[0].Selector != "#badge" {
		t.Errorf("rules: %+v", cfg.Rules)
	}
	if diff := cmp.Diff([]string{"Slack"}, cfg.IgnoredApps); diff != "" {
		t.Errorf("ignored (-want +got):\n%s", diff)
	}
}

func TestNotifyForwardsMessageAndScreenshot(t *testing.T) {
	s, p, ts := testServer(t, Config{})
	shot := base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff})
	body := `{"app":"Badge","text":"<b>3</b> new &amp; unread","rule":{"id":"r1","name":"Badge"},"screenshot":"data:image/jpeg;base64,` + shot + `"}`
	resp, out := do(t, http.MethodPost, ts.URL+"/notify", body)
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("notify: %d %v", resp.StatusCode, out)
	}
	if diff := cmp.Diff([]string{"[Badge] 3 new & unread"}, p.messages); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
	if len(p.attached) != 1 {
		t.Fatalf("attachments: %d", len(p.attached))
	}
	if a := p.attached[0]; a.title != "Badge – capture" || a.mime != "image/jpeg" || len(a.data) != 3 {
		t.Errorf("attachment: %+v", a)
	}

	log, err := s.store.RecentNotifications(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 || log[0].Status != "sent" || log[0].RuleID != "r1" || !log[0].Screenshot {
		t.Errorf("log: %+v", log)
	}
}

func TestNotifyDefaultsAndBadScreenshot(t *testing.T) {
	_, p, ts := testServer(t, Config{})
	resp, _ := do(t, http.MethodPost, ts.URL+"/notify", `{"screenshot":"data:image/png;base64,%%%"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if diff := cmp.Diff([]string{"[Browser] No message."}, p.messages); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
	if len(p.attached) != 0 {
		t.Errorf("undecodable screenshot attached: %+v", p.attached)
	}
}

func TestNotifyIgnoredApp(t *testing.T) {
	s, p, ts := testServer(t, Config{})
	do(t, http.MethodPost, ts.URL+"/ignored_apps", `{"name":"Noisy"}`)

	resp, out := do(t, http.MethodPost, ts.URL+"/notify", `{"app":"Noisy","text":"hello"}`)
	if resp.StatusCode != http.StatusOK || out["status"] != "ignored" {
		t.Fatalf("notify: %d %v", resp.StatusCode, out)
	}
	if len(p.messages) != 0 {
		t.Errorf("ignored app pushed: %v", p.messages)
	}
	log, _ := s.store.RecentNotifications(context.Background(), 10)
	if len(log) != 1 || log[0].Status != "ignored" {
		t.Errorf("log: %+v", log)
	}

	if resp, _ := do(t, http.MethodDelete, ts.URL+"/ignored_apps/Noisy", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("remove ignored: %d", resp.StatusCode)
	}
	if _, out := do(t, http.MethodPost, ts.URL+"/notify", `{"app":"Noisy","text":"hello"}`); out["status"] != "ok" {
		t.Errorf("after removal: %v", out)
	}
	if resp, _ := do(t, http.MethodDelete, ts.URL+"/ignored_apps/Noisy", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second removal: %d", resp.StatusCode)
	}
}

func TestPendingRuleLifecycle(t *testing.T) {
	_, _, ts := testServer(t, Config{Now: func() time.Time { return time.Unix(1700000000, 0) }})

	resp, out := do(t, http.MethodPost, ts.URL+"/pending_rule", `{"type":"element"}`)
	if resp.StatusCode != http.StatusBadRequest || out["reason"] != "invalid_rule" {
		t.Fatalf("invalid rule: %d %v", resp.StatusCode, out)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/pending_rule", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("garbage body: %d", resp.StatusCode)
	}

	body := `{"type":"element","cssPath":"#price","text":"42 EUR","page_url":"https://shop.example.com/p/1","condition":"text_differs"}`
	if resp, _ := do(t, http.MethodPost, ts.URL+"/pending_rule", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("set pending: %d", resp.StatusCode)
	}
	p := getConfig(t, ts).PendingRule
	if p == nil {
		t.Fatal("pending rule not served")
	}
	if p.Status != "pending" || p.URLContains != "shop.example.com" || p.Selector != "#price" ||
		p.BaselineText != "42 EUR" || p.Source != "extension" || p.CreatedAt != "1700000000" {
		t.Errorf("pending: %+v", p)
	}

	resp, out = do(t, http.MethodPost, ts.URL+"/pending_rule/apply", `{"name":"Price"}`)
	if resp.StatusCode != http.StatusOK || out["id"] == "" {
		t.Fatalf("apply: %d %v", resp.StatusCode, out)
	}
	cfg := getConfig(t, ts)
	if cfg.PendingRule != nil || len(cfg.Rules) != 1 {
		t.Fatalf("after apply: %+v", cfg)
	}
	if r := cfg.Rules[0]; r.Name != "Price" || r.Status != "" || r.Condition != "text_differs" {
		t.Errorf("applied rule: %+v", r)
	}

	if resp, _ := do(t, http.MethodPost, ts.URL+"/pending_rule/apply", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("apply without pending: %d", resp.StatusCode)
	}

	do(t, http.MethodPost, ts.URL+"/pending_rule", body)
	if resp, _ := do(t, http.MethodDelete, ts.URL+"/pending_rule", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: %d", resp.StatusCode)
	}
	if getConfig(t, ts).PendingRule != nil {
		t.Error("pending rule survived DELETE")
	}
}

func TestRuleAdministration(t *testing.T) {
	_, _, ts := testServer(t, Config{})

	resp, out := do(t, http.MethodPost, ts.URL+"/rules",
		`{"name":"Len","type":"element","selector":".feed","condition":"text_length_gt","length_threshold":10,"baseline_text":"dropped"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add: %d", resp.StatusCode)
	}
	id, _ := out["id"].(string)
	rule := getConfig(t, ts).Rules[0]
	if rule.BaselineText != "" || !rule.LengthThreshold.Valid || rule.LengthThreshold.Value != 10 {
		t.Errorf("normalization on save: %+v", rule)
	}

	if resp, _ := do(t, http.MethodPut, ts.URL+"/rules/"+id, `{"name":"Len2","type":"element","selector":".feed"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d", resp.StatusCode)
	}
	if got := getConfig(t, ts).Rules[0].Name; got != "Len2" {
		t.Errorf("updated name: %q", got)
	}
	if resp, _ := do(t, http.MethodPut, ts.URL+"/rules/missing", `{"selector":"x"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("update missing: %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, ts.URL+"/rules", `{"name":"nothing"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid rule: %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodDelete, ts.URL+"/rules/"+id, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	if n := len(getConfig(t, ts).Rules); n != 0 {
		t.Errorf("rules after delete: %d", n)
	}
}

func TestAdminBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	_, _, ts := testServer(t, Config{AdminHash: string(hash)})

	tests := []struct {
		name       string
		user, pass string
		auth       bool
		want       int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "admin", "nope", true, http.StatusUnauthorized},
		{"wrong user", "root", "s3cret", true, http.StatusUnauthorized},
		{"valid", "admin", "s3cret", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/rules", nil)
			if tt.auth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	// Extension-facing routes stay open.
	if resp, _ := do(t, http.MethodPost, ts.URL+"/notify", `{"app":"a","text":"b"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("notify behind auth: %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, _, ts := testServer(t, Config{})
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/notify", nil)
	req.Header.Set("Origin", "chrome-extension://abc")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight: %d %v", resp.StatusCode, resp.Header)
	}
}

func TestRunReloadsOnExternalWrite(t *testing.T) {
	s, _, _ := testServer(t, Config{ReloadInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Writes are repeated: one landing before the watcher's first version
	// read is not a change.
	deadline := time.Now().Add(2 * time.Second)
	for !s.ignored("External") {
		if time.Now().After(deadline) {
			t.Fatal("snapshot not reloaded after external write")
		}
		if _, err := s.store.AddIgnored(context.Background(), "External"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestDecodeDataURL(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("png"))
	tests := []struct {
		name, in, mime string
		ok             bool
	}{
		{"jpeg data url", "data:image/jpeg;base64," + png, "image/jpeg", true},
		{"bare base64", png, "image/png", true},
		{"missing mime", "data:image;base64," + png, "image/png", true},
		{"no payload", "data:image/png;base64", "", false},
		{"bad base64", "data:image/png;base64,@@", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, mime, err := decodeDataURL(tt.in)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if tt.ok && (mime != tt.mime || string(data) != "png") {
				t.Errorf("got %q %q", mime, data)
			}
		})
	}
}
