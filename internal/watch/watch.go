// Package watch polls a SQLite database for a version change and runs a
// reload action once the change has settled. The notify service uses it to
// refresh its config snapshot when another process writes the rule tables.
//
//	w := watch.New(db, watch.Options{Interval: time.Second, Detector: store.Version})
//	go w.OnChange(ctx, srv.Reload)
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token. Two calls returning different
// values mean something changed.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval between detector calls. Default: 1s.
	Interval time.Duration
	// Debounce delays the action until no new version was seen for this
	// long. 0 runs it on the poll that saw the change.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector ChangeDetector
	Logger   *slog.Logger
}

// Stats are point-in-time counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Errors  int64 `json:"errors"`
	Reloads int64 `json:"reloads"`
}

// Watcher runs an action on database changes.
type Watcher struct {
	db   *sql.DB
	opts Options

	applied atomic.Int64
	checks  atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// New creates a Watcher. Call OnChange to start the loop.
func New(db *sql.DB, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Detector == nil {
		opts.Detector = PragmaDataVersion
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{Checks: w.checks.Load(), Errors: w.errors.Load(), Reloads: w.reloads.Load()}
}

// Version returns the last version the action succeeded for.
func (w *Watcher) Version() int64 { return w.applied.Load() }

// OnChange polls until ctx is cancelled and calls action once per settled
// change. A failed action leaves the applied version unchanged, so the
// next poll sees the change again.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	if v, err := w.opts.Detector(ctx, w.db); err == nil {
		w.applied.Store(v)
	} else {
		w.opts.Logger.Warn("watch: initial version check failed", "error", err)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	var (
		seen    int64
		waiting bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-settle.C:
			w.apply(action, seen)
			waiting = false
		case <-ticker.C:
			v, ok := w.poll(ctx)
			if !ok || v == w.applied.Load() || (waiting && v == seen) {
				continue
			}
			seen = v
			if w.opts.Debounce <= 0 {
				w.apply(action, v)
				continue
			}
			waiting = true
			settle.Reset(w.opts.Debounce)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) (int64, bool) {
	w.checks.Add(1)
	v, err := w.opts.Detector(ctx, w.db)
	if err != nil {
		if ctx.Err() == nil {
			w.errors.Add(1)
			w.opts.Logger.Warn("watch: version check failed", "error", err)
		}
		return 0, false
	}
	return v, true
}

func (w *Watcher) apply(action func() error, v int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("watch: reload failed", "version", v, "error", err)
		return
	}
	w.applied.Store(v)
	w.reloads.Add(1)
	w.opts.Logger.Debug("watch: reloaded", "version", v, "duration", time.Since(start))
}

// PragmaDataVersion reads PRAGMA data_version, which changes whenever
// another connection commits to the database file.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}
