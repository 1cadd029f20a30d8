package push

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type request struct {
	method, path, body string
	header             http.Header
}

func recorder(t *testing.T, status int) (*httptest.Server, *[]request) {
	t.Helper()
	var got []request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = append(got, request{r.Method, r.URL.Path, string(b), r.Header.Clone()})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestNtfyPush(t *testing.T) {
	srv, got := recorder(t, http.StatusOK)
	p := New(Config{NtfyServer: srv.URL + "/", NtfyTopic: "alerts"}, nil)
	if err := p.Push(context.Background(), "[Shop] Back in stock"); err != nil {
		t.Fatal(err)
	}
	if len(*got) != 1 {
		t.Fatalf("requests: %d", len(*got))
	}
	r := (*got)[0]
	if r.method != http.MethodPost || r.path != "/alerts" || r.body != "[Shop] Back in stock" {
		t.Errorf("request: %+v", r)
	}
}

func TestNtfyAttach(t *testing.T) {
	srv, got := recorder(t, http.StatusOK)
	n := &Ntfy{Server: srv.URL, Topic: "alerts", Client: srv.Client(), Now: func() time.Time { return time.UnixMilli(1700000000123) }}
	title := strings.Repeat("é", 130)
	if err := n.Attach(context.Background(), title, "image/jpeg", []byte{0xff, 0xd8}); err != nil {
		t.Fatal(err)
	}
	r := (*got)[0]
	if r.method != http.MethodPut || r.body != "\xff\xd8" {
		t.Errorf("request: %s %q", r.method, r.body)
	}
	if fn := r.header.Get("Filename"); fn != "screenshot-1700000000123.jpg" {
		t.Errorf("Filename: %q", fn)
	}
	if tl := r.header.Get("Title"); tl != strings.Repeat("é", 120) {
		t.Errorf("Title not clipped to 120 runes: %d", len([]rune(tl)))
	}
}

func TestNtfyStatusError(t *testing.T) {
	srv, _ := recorder(t, http.StatusForbidden)
	err := New(Config{NtfyServer: srv.URL, NtfyTopic: "t"}, nil).Push(context.Background(), "x")
	var sf *ErrSendFailed
	if !errors.As(err, &sf) || sf.Backend != MethodNtfy {
		t.Fatalf("want ErrSendFailed, got %v", err)
	}
}

func TestTelegram(t *testing.T) {
	srv, got := recorder(t, http.StatusOK)
	p := New(Config{Method: MethodTelegram, TelegramAPI: srv.URL, TelegramToken: "123:abc", TelegramChat: "42"}, nil)
	if err := p.Push(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := p.Attach(context.Background(), "Badge – capture", "image/png", []byte("png")); err != nil {
		t.Fatal(err)
	}
	msg := (*got)[0]
	if msg.path != "/bot123:abc/sendMessage" || !strings.Contains(msg.body, "chat_id=42") || !strings.Contains(msg.body, "text=hello") {
		t.Errorf("sendMessage: %+v", msg)
	}
	photo := (*got)[1]
	if photo.path != "/bot123:abc/sendPhoto" || !strings.HasPrefix(photo.header.Get("Content-Type"), "multipart/form-data") {
		t.Errorf("sendPhoto: %s %s", photo.path, photo.header.Get("Content-Type"))
	}
	if !strings.Contains(photo.body, `filename="screenshot.png"`) || !strings.Contains(photo.body, "Badge – capture") {
		t.Errorf("sendPhoto body: %q", photo.body)
	}
}

func TestMissingConfigDiscards(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name string
		cfg  Config
	}{
		{"ntfy without topic", Config{}},
		{"telegram without chat", Config{Method: MethodTelegram, TelegramToken: "t"}},
		{"unknown method", Config{Method: "pigeon", NtfyTopic: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, logger)
			if _, ok := p.(Discard); !ok {
				t.Fatalf("got %T, want Discard", p)
			}
			if err := p.Push(context.Background(), "x"); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestExtension(t *testing.T) {
	for mime, want := range map[string]string{"image/jpeg": "jpg", "image/jpg": "jpg", "image/png": "png", "": "png"} {
		if got := extension(mime); got != want {
			t.Errorf("extension(%q) = %q, want %q", mime, got, want)
		}
	}
}
