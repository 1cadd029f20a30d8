package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/notifywatch/internal/config"
	"github.com/hazyhaar/notifywatch/internal/sink"
)

func TestBuildSinksNotify(t *testing.T) {
	var got sink.Payload
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	cfg := &config.Config{Service: srv.URL, Sinks: []config.SinkConfig{{Type: config.SinkNotify}}}
	out := buildSinks(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := out.Send(context.Background(), sink.Payload{App: "Badge", Text: "3 new"}); err != nil {
		t.Fatal(err)
	}
	if path != "/notify" || got.App != "Badge" || got.Text != "3 new" {
		t.Errorf("notify sink: %s %+v", path, got)
	}
}
