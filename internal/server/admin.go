package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/notifywatch/internal/store"
	"github.com/hazyhaar/notifywatch/rules"
)

// basicAuth guards the admin routes when an admin hash is configured.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	if s.cfg.AdminHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AdminUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="notifywatch"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "reason": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Rules(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []store.Stored{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ruleFromBody decodes, sanitizes and normalizes a rule sent by an admin.
func (s *Server) ruleFromBody(w http.ResponseWriter, r *http.Request) (rules.RawRule, bool) {
	var raw rules.RawRule
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "invalid_json"})
		return rules.RawRule{}, false
	}
	clean, ok := rules.Sanitize(raw, "manual", s.cfg.Now())
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "invalid_rule"})
		return rules.RawRule{}, false
	}
	return rules.Normalize(clean), true
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ruleFromBody(w, r)
	if !ok {
		return
	}
	id, err := s.store.AddRule(r.Context(), rule)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("server: rule added", "id", id, "name", rule.Name.String())
	s.written()
	writeJSON(w, http.StatusCreated, store.Stored{ID: id, Rule: rule})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, ok := s.ruleFromBody(w, r)
	if !ok {
		return
	}
	if err := s.store.UpdateRule(r.Context(), id, rule); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("server: rule updated", "id", id)
	s.written()
	writeJSON(w, http.StatusOK, store.Stored{ID: id, Rule: rule})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteRule(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("server: rule deleted", "id", id)
	s.written()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListIgnored(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.IgnoredApps(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleAddIgnored(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "name_required"})
		return
	}
	added, err := s.store.AddIgnored(r.Context(), req.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.written()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "added": added})
}

func (s *Server) handleRemoveIgnored(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if v, err := url.PathUnescape(name); err == nil {
		name = v
	}
	if err := s.store.RemoveIgnored(r.Context(), name); err != nil {
		s.storeError(w, err)
		return
	}
	s.written()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.store.RecentNotifications(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []store.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "reason": "not_found"})
		return
	}
	s.fail(w, err)
}
