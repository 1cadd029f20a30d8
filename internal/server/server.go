// Package server is the notify service: it serves the rule configuration to
// watchers, accepts their notifications and forwards them to a push
// backend, holds the pending rule captured by the picker and exposes rule
// administration over HTTP and MCP.
//
//	srv, err := server.New(server.Config{Store: st, Pusher: p, AdminHash: hash})
//	go srv.Run(ctx)
//	http.ListenAndServe(":5005", srv.Handler())
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/microcosm-cc/bluemonday"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/notifywatch/internal/push"
	"github.com/hazyhaar/notifywatch/internal/store"
	"github.com/hazyhaar/notifywatch/internal/watch"
	"github.com/hazyhaar/notifywatch/rules"
)

// Config for creating a Server.
type Config struct {
	Store  *store.Store
	Pusher push.Pusher

	// AdminUser and AdminHash guard the admin routes with Basic Auth.
	// An empty hash leaves them open.
	AdminUser string // default "admin"
	AdminHash string // bcrypt

	ReloadInterval time.Duration // default 1s
	Retention      time.Duration // notification log, default 30 days
	MaxBody        int64         // default 16MB, screenshots included

	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) defaults() {
	if c.AdminUser == "" {
		c.AdminUser = "admin"
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.MaxBody <= 0 {
		c.MaxBody = 16 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Pusher == nil {
		c.Pusher = push.Discard{Logger: c.Logger}
	}
}

// snapshot is the served configuration with its compiled ignore list.
type snapshot struct {
	cfg rules.Config
	set *rules.Set
}

// Server holds the service state.
type Server struct {
	cfg    Config
	logger *slog.Logger
	store  *store.Store
	pusher push.Pusher
	text   *bluemonday.Policy
	mcp    *mcp.Server

	snap atomic.Pointer[snapshot]
}

// New creates a Server and loads the first configuration snapshot.
func New(cfg Config) (*Server, error) {
	cfg.defaults()
	if cfg.Store == nil {
		return nil, fmt.Errorf("server: new: store is required")
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		store:  cfg.Store,
		pusher: cfg.Pusher,
		text:   bluemonday.StrictPolicy(),
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "notifywatch", Version: "1.0.0"}, nil)
	s.RegisterMCP(s.mcp)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the configuration currently served.
func (s *Server) Snapshot() rules.Config { return s.snap.Load().cfg }

// Reload reads the configuration from the store and swaps the snapshot.
func (s *Server) Reload() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return fmt.Errorf("server: reload: %w", err)
	}
	s.snap.Store(&snapshot{cfg: cfg, set: rules.Compile(cfg)})
	return nil
}

func (s *Server) ignored(app string) bool {
	return app != "" && s.snap.Load().set.IsIgnored(app)
}

// Run keeps the snapshot in step with the database and prunes the
// notification log until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	w := watch.New(s.store.DB(), watch.Options{
		Interval: s.cfg.ReloadInterval,
		Detector: store.Version,
		Logger:   s.logger,
	})
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.OnChange(ctx, s.Reload)
		return nil
	})
	g.Go(func() error {
		s.pruneLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		s.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) prune(ctx context.Context) {
	n, err := s.store.PruneNotifications(ctx, s.cfg.Now().Add(-s.cfg.Retention))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("server: prune notifications", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("server: pruned notifications", "count", n)
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors)
	r.Use(middleware.RequestSize(s.cfg.MaxBody))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/config", s.handleConfig)
	r.Post("/notify", s.handleNotify)
	r.Post("/pending_rule", s.handleSetPending)
	r.Delete("/pending_rule", s.handleClearPending)

	r.Group(func(r chi.Router) {
		r.Use(s.basicAuth)
		r.Post("/pending_rule/apply", s.handleApplyPending)
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleAddRule)
			r.Put("/{id}", s.handleUpdateRule)
			r.Delete("/{id}", s.handleDeleteRule)
		})
		r.Route("/ignored_apps", func(r chi.Router) {
			r.Get("/", s.handleListIgnored)
			r.Post("/", s.handleAddIgnored)
			r.Delete("/{name}", s.handleRemoveIgnored)
		})
		r.Get("/notifications", s.handleNotifications)
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return s.mcp
		}, nil))
	})
	return r
}
