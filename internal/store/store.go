// Package store persists the notify service state in SQLite: the rule
// list, the ignored app names, the single pending rule and a log of
// received notifications.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/notifywatch/internal/dbopen"
	"github.com/hazyhaar/notifywatch/internal/idgen"
	"github.com/hazyhaar/notifywatch/internal/watch"
	"github.com/hazyhaar/notifywatch/rules"
)

// SchemaVersion is the rules document version served by /config.
const SchemaVersion = 2

// ErrNotFound is returned when a rule, ignored app or pending rule does not
// exist.
var ErrNotFound = errors.New("store: not found")

// Schema creates the tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rules (
	id         TEXT PRIMARY KEY,
	position   INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_position ON rules(position);

CREATE TABLE IF NOT EXISTS ignored_apps (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_rule (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	app         TEXT NOT NULL,
	text        TEXT NOT NULL,
	rule_id     TEXT NOT NULL DEFAULT '',
	screenshot  INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_received ON notifications(received_at);

CREATE TABLE IF NOT EXISTS meta (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	revision INTEGER NOT NULL
);
INSERT OR IGNORE INTO meta (id, revision) VALUES (1, 0);
`

// Stored is a rule with its storage id.
type Stored struct {
	ID   string        `json:"id"`
	Rule rules.RawRule `json:"rule"`
}

// Notification is one entry of the received notification log.
type Notification struct {
	ID         string `json:"id"`
	App        string `json:"app"`
	Text       string `json:"text"`
	RuleID     string `json:"rule_id,omitempty"`
	Screenshot bool   `json:"screenshot"`
	Status     string `json:"status"` // sent | ignored | failed
	ReceivedAt int64  `json:"received_at"`
}

// Store wraps the database.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// New creates a Store on db. The schema must already be applied.
func New(db *sql.DB) *Store {
	return &Store{db: db, newID: idgen.Default, now: time.Now}
}

// Open opens the database at path, applies the schema and returns a Store.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Version is a watch.ChangeDetector: it changes on every write made through
// a Store and on any commit by another connection.
func Version(ctx context.Context, db *sql.DB) (int64, error) {
	dv, err := watch.PragmaDataVersion(ctx, db)
	if err != nil {
		return 0, err
	}
	var rev int64
	if err := db.QueryRowContext(ctx, `SELECT revision FROM meta WHERE id = 1`).Scan(&rev); err != nil {
		return 0, err
	}
	return dv + rev, nil
}

// write runs fn in a transaction and bumps the revision.
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE meta SET revision = revision + 1 WHERE id = 1`)
		return err
	})
}

// Rules returns the stored rules in list order.
func (s *Store) Rules(ctx context.Context) ([]Stored, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM rules ORDER BY position, created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list rules: %w", err)
	}
	defer rows.Close()

	var out []Stored
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		var r rules.RawRule
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("store: decode rule %s: %w", id, err)
		}
		out = append(out, Stored{ID: id, Rule: r})
	}
	return out, rows.Err()
}

// AddRule appends r to the rule list and returns its id.
func (s *Store) AddRule(ctx context.Context, r rules.RawRule) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("store: encode rule: %w", err)
	}
	id := s.newID()
	now := s.now().Unix()
	err = s.write(ctx, func(tx *sql.Tx) error {
		return insertRule(ctx, tx, id, body, now)
	})
	if err != nil {
		return "", fmt.Errorf("store: add rule: %w", err)
	}
	return id, nil
}

func insertRule(ctx context.Context, tx *sql.Tx, id string, body []byte, now int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rules (id, position, body, created_at, updated_at)
		 VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM rules), ?, ?, ?)`,
		id, string(body), now, now)
	return err
}

// UpdateRule replaces the rule with id.
func (s *Store) UpdateRule(ctx context.Context, id string, r rules.RawRule) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode rule: %w", err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rules SET body = ?, updated_at = ? WHERE id = ?`,
			string(body), s.now().Unix(), id)
		if err != nil {
			return fmt.Errorf("store: update rule: %w", err)
		}
		return mustAffect(res)
	})
}

// DeleteRule removes the rule with id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: delete rule: %w", err)
		}
		return mustAffect(res)
	})
}

// IgnoredApps returns the ignored names, sorted.
func (s *Store) IgnoredApps(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM ignored_apps`)
	if err != nil {
		return nil, fmt.Errorf("store: list ignored: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan ignored: %w", err)
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, rows.Err()
}

// AddIgnored adds name to the ignored apps. It reports false when the name
// was already present.
func (s *Store) AddIgnored(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("store: add ignored: empty name")
	}
	var added bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO ignored_apps (name, created_at) VALUES (?, ?)`,
			name, s.now().Unix())
		if err != nil {
			return fmt.Errorf("store: add ignored: %w", err)
		}
		n, _ := res.RowsAffected()
		added = n > 0
		return nil
	})
	return added, err
}

// RemoveIgnored removes name from the ignored apps.
func (s *Store) RemoveIgnored(ctx context.Context, name string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM ignored_apps WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("store: remove ignored: %w", err)
		}
		return mustAffect(res)
	})
}

// Pending returns the pending rule, or nil when there is none.
func (s *Store) Pending(ctx context.Context) (*rules.RawRule, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM pending_rule WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: pending rule: %w", err)
	}
	var r rules.RawRule
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("store: decode pending rule: %w", err)
	}
	return &r, nil
}

// SetPending replaces the pending rule. Status and created_at are set
// here.
func (s *Store) SetPending(ctx context.Context, r rules.RawRule) error {
	now := s.now().Unix()
	r.Status = "pending"
	if r.CreatedAt.String() == "" {
		r.CreatedAt = r.CapturedAt
		if r.CreatedAt.String() == "" {
			r.CreatedAt = rules.Loose(fmt.Sprint(now))
		}
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode pending rule: %w", err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pending_rule (id, body, created_at) VALUES (1, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET body = excluded.body, created_at = excluded.created_at`,
			string(body), now)
		if err != nil {
			return fmt.Errorf("store: set pending rule: %w", err)
		}
		return nil
	})
}

// ClearPending discards the pending rule. Clearing when none is pending is
// not an error.
func (s *Store) ClearPending(ctx context.Context) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM pending_rule WHERE id = 1`)
		return err
	})
}

// ApplyPending moves the pending rule, normalized, to the end of the rule
// list, optionally with edits applied by the caller. It returns the new
// rule id, or ErrNotFound when nothing is pending.
func (s *Store) ApplyPending(ctx context.Context, edit func(rules.RawRule) rules.RawRule) (string, error) {
	id := s.newID()
	now := s.now().Unix()
	err := s.write(ctx, func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx, `SELECT body FROM pending_rule WHERE id = 1`).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var r rules.RawRule
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return fmt.Errorf("decode pending rule: %w", err)
		}
		if edit != nil {
			r = edit(r)
		}
		out, err := json.Marshal(rules.Normalize(r))
		if err != nil {
			return err
		}
		if err := insertRule(ctx, tx, id, out, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM pending_rule WHERE id = 1`)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("store: apply pending rule: %w", err)
	}
	return id, nil
}

// Config assembles the document served to watchers.
func (s *Store) Config(ctx context.Context) (rules.Config, error) {
	stored, err := s.Rules(ctx)
	if err != nil {
		return rules.Config{}, err
	}
	ignored, err := s.IgnoredApps(ctx)
	if err != nil {
		return rules.Config{}, err
	}
	pending, err := s.Pending(ctx)
	if err != nil {
		return rules.Config{}, err
	}
	cfg := rules.Config{Version: SchemaVersion, Rules: make([]rules.RawRule, 0, len(stored)), IgnoredApps: ignored, PendingRule: pending}
	if cfg.IgnoredApps == nil {
		cfg.IgnoredApps = []string{}
	}
	for _, st := range stored {
		cfg.Rules = append(cfg.Rules, st.Rule)
	}
	return cfg, nil
}

// LogNotification records a received notification and returns its id.
func (s *Store) LogNotification(ctx context.Context, n Notification) (string, error) {
	if n.ID == "" {
		n.ID = s.newID()
	}
	if n.ReceivedAt == 0 {
		n.ReceivedAt = s.now().UnixMilli()
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO notifications (id, app, text, rule_id, screenshot, status, received_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.App, n.Text, n.RuleID, n.Screenshot, n.Status, n.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("store: log notification: %w", err)
	}
	return n.ID, nil
}

// RecentNotifications returns up to limit notifications, newest first.
func (s *Store) RecentNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app, text, rule_id, screenshot, status, received_at
		 FROM notifications ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent notifications: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.App, &n.Text, &n.RuleID, &n.Screenshot, &n.Status, &n.ReceivedAt); err != nil {
			return nil, fmt.Errorf("store: scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// PruneNotifications deletes log entries received before cutoff.
func (s *Store) PruneNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM notifications WHERE received_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune notifications: %w", err)
	}
	return res.RowsAffected()
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
