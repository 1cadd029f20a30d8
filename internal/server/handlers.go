package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/hazyhaar/notifywatch/internal/sink"
	"github.com/hazyhaar/notifywatch/internal/store"
	"github.com/hazyhaar/notifywatch/rules"
)

const (
	defaultApp  = "Browser"
	defaultText = "No message."
)

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var p sink.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "invalid_json"})
		return
	}
	app := s.plain(p.App)
	if app == "" {
		app = defaultApp
	}
	text := s.plain(p.Text)
	if text == "" {
		text = defaultText
	}

	var (
		shot []byte
		mime string
	)
	if p.Screenshot != "" {
		var err error
		if shot, mime, err = decodeDataURL(p.Screenshot); err != nil {
			s.logger.Warn("server: screenshot not decoded", "app", app, "error", err)
			shot = nil
		}
	}

	entry := store.Notification{App: app, Text: text, Screenshot: shot != nil}
	if p.Rule != nil {
		entry.RuleID = p.Rule.ID
	}

	if s.ignored(app) {
		s.logger.Info("server: notification ignored", "app", app)
		entry.Status = "ignored"
		s.record(r.Context(), entry)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	entry.Status = "sent"
	message := "[" + app + "] " + text
	s.logger.Info("server: notification received", "app", app, "text", text, "screenshot", shot != nil)
	if err := s.pusher.Push(r.Context(), message); err != nil {
		s.logger.Error("server: push failed", "app", app, "error", err)
		entry.Status = "failed"
	} else if shot != nil {
		title := ""
		if p.Rule != nil && p.Rule.Name != "" {
			title = p.Rule.Name + " – capture"
		}
		if err := s.pusher.Attach(r.Context(), title, mime, shot); err != nil {
			s.logger.Error("server: screenshot push failed", "app", app, "error", err)
		}
	}
	s.record(r.Context(), entry)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) record(ctx context.Context, n store.Notification) {
	if _, err := s.store.LogNotification(context.WithoutCancel(ctx), n); err != nil {
		s.logger.Warn("server: log notification", "error", err)
	}
}

// plain strips markup from a value shown in a push message.
func (s *Server) plain(v string) string {
	return strings.TrimSpace(html.UnescapeString(s.text.Sanitize(v)))
}

// decodeDataURL accepts a data:image/...;base64 URL or bare base64 and
// returns the bytes with their mime type (image/png when unknown).
func decodeDataURL(v string) ([]byte, string, error) {
	mime := "image/png"
	if strings.HasPrefix(v, "data:image") {
		header, payload, ok := strings.Cut(v, ",")
		if !ok {
			return nil, "", errors.New("data url without payload")
		}
		if _, m, ok := strings.Cut(strings.SplitN(header, ";", 2)[0], ":"); ok && strings.HasPrefix(m, "image/") {
			mime = m
		}
		v = payload
	}
	data, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}

func (s *Server) handleSetPending(w http.ResponseWriter, r *http.Request) {
	var raw rules.RawRule
	// An undecodable body sanitizes to nothing and is rejected below.
	_ = json.NewDecoder(r.Body).Decode(&raw)
	clean, ok := rules.Sanitize(raw, "extension", s.cfg.Now())
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "invalid_rule"})
		return
	}
	if err := s.store.SetPending(r.Context(), clean); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("server: pending rule received", "name", clean.Name.String())
	s.written()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClearPending(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearPending(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("server: pending rule discarded")
	s.written()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleApplyPending accepts an optional body of edits (name, condition,
// baseline_text, length_threshold) applied before the rule is stored.
func (s *Server) handleApplyPending(w http.ResponseWriter, r *http.Request) {
	var edits rules.RawRule
	if err := json.NewDecoder(r.Body).Decode(&edits); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "invalid_json"})
		return
	}
	id, err := s.store.ApplyPending(r.Context(), func(p rules.RawRule) rules.RawRule {
		if edits.Name.String() != "" {
			p.Name = edits.Name
		}
		if edits.Condition.String() != "" {
			p.Condition = edits.Condition
		}
		if edits.BaselineText.String() != "" {
			p.BaselineText = edits.BaselineText
		}
		if edits.LengthThreshold.Valid {
			p.LengthThreshold = edits.LengthThreshold
		}
		return p
	})
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "reason": "no_pending_rule"})
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("server: pending rule applied", "id", id)
	s.written()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

// written refreshes the snapshot after a write made by a handler; the
// watcher would pick it up too, one poll later.
func (s *Server) written() {
	if err := s.Reload(); err != nil {
		s.logger.Warn("server: reload after write", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.Error("server: request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "reason": "internal"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
