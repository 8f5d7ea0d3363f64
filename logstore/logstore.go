// Package logstore provides SQLite-backed persistent storage for slog entries
// and a slog.Handler that tees log records to an inner handler and to the DB.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// maxRowsPerChannel bounds the log kept for each channel (and for records
// logged outside any channel).
const maxRowsPerChannel = 10000

const migrationSQL = `
CREATE TABLE IF NOT EXISTS logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    ts         DATETIME NOT NULL,
    level      TEXT NOT NULL,
    msg        TEXT NOT NULL,
    channel_id TEXT NOT NULL DEFAULT '',
    request_id TEXT NOT NULL DEFAULT '',
    attrs      TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_channel ON logs(channel_id);
CREATE INDEX IF NOT EXISTS idx_logs_request ON logs(request_id);
`

// LogRow is a single log entry returned by List.
type LogRow struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"ts"`
	Level     string    `json:"level"`
	Msg       string    `json:"msg"`
	ChannelID string    `json:"channel_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Attrs     string    `json:"attrs,omitempty"`
}

// Filter narrows List. Empty fields do not filter.
type Filter struct {
	ChannelID string
	RequestID string
	Level     string // minimum level: "debug", "info", "warn" or "error"
}

// Store persists slog records in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the log store at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log db dir: %w", err)
	}
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open log db: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("log db migration: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// write persists a single log entry. Errors are discarded: logging them would
// recurse back into slog. Prunes the table 1 in 500 writes.
func (s *Store) write(ctx context.Context, ts time.Time, level, msg, channelID, requestID, attrsJSON string) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO logs (ts, level, msg, channel_id, request_id, attrs) VALUES (?, ?, ?, ?, ?, ?)`,
		ts, level, msg, channelID, requestID, attrsJSON,
	)
	if rand.IntN(500) == 0 {
		// Not tied to the request context that triggered the write.
		s.prune(context.Background())
	}
}

// prune keeps at most maxRowsPerChannel rows per channel_id by deleting the oldest excess rows.
func (s *Store) prune(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT channel_id FROM logs`)
	if err != nil {
		return
	}
	defer rows.Close()

	var channelIDs []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			continue
		}
		channelIDs = append(channelIDs, cid)
	}
	rows.Close()

	for _, cid := range channelIDs {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM logs WHERE channel_id = ? AND id NOT IN (SELECT id FROM logs WHERE channel_id = ? ORDER BY id DESC LIMIT ?)`,
			cid, cid, maxRowsPerChannel,
		)
	}
}

// List returns matching log rows, newest first, and the total number of matches.
func (s *Store) List(ctx context.Context, f Filter, limit, offset int) ([]LogRow, int, error) {
	if limit <= 0 {
		limit = 100
	}

	where := "1 = 1"
	var args []any
	if f.ChannelID != "" {
		where += " AND channel_id = ?"
		args = append(args, f.ChannelID)
	}
	if f.RequestID != "" {
		where += " AND request_id = ?"
		args = append(args, f.RequestID)
	}
	if f.Level != "" {
		levels := map[string]int{"debug": -4, "info": 0, "warn": 4, "error": 8}
		if n, ok := levels[f.Level]; ok {
			where += " AND CASE level WHEN 'DEBUG' THEN -4 WHEN 'INFO' THEN 0 WHEN 'WARN' THEN 4 WHEN 'ERROR' THEN 8 ELSE 0 END >= ?"
			args = append(args, n)
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM logs WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ts, level, msg, channel_id, request_id, COALESCE(attrs,'') FROM logs WHERE "+where+
			" ORDER BY id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var r LogRow
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Level, &r.Msg, &r.ChannelID, &r.RequestID, &r.Attrs); err != nil {
			return nil, 0, fmt.Errorf("scan log row: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// Handler is a slog.Handler that tees records to an inner handler and to a Store.
// Attrs added via WithAttrs are accumulated so that channel_id and request_id
// are available even when they were attached before the log call.
type Handler struct {
	inner    slog.Handler
	store    *Store
	preAttrs map[string]string // flat attrs accumulated via WithAttrs
}

// NewHandler wraps inner with a tee to store.
func NewHandler(inner slog.Handler, store *Store) *Handler {
	return &Handler{inner: inner, store: store, preAttrs: make(map[string]string)}
}

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := &Handler{
		inner:    h.inner.WithAttrs(attrs),
		store:    h.store,
		preAttrs: copyMap(h.preAttrs),
	}
	for _, a := range attrs {
		// Value.String() so non-string values are still captured.
		child.preAttrs[a.Key] = a.Value.String()
	}
	return child
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		inner:    h.inner.WithGroup(name),
		store:    h.store,
		preAttrs: copyMap(h.preAttrs),
	}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	channelID := h.preAttrs["channel_id"]
	requestID := h.preAttrs["request_id"]

	extra := make(map[string]any)
	for k, v := range h.preAttrs {
		if k != "channel_id" && k != "request_id" {
			extra[k] = v
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "channel_id":
			channelID = a.Value.String()
		case "request_id":
			requestID = a.Value.String()
		default:
			v := a.Value.Resolve().Any()
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			extra[a.Key] = v
		}
		return true
	})

	var attrsJSON string
	if len(extra) > 0 {
		b, _ := json.Marshal(extra)
		attrsJSON = string(b)
	}

	h.store.write(ctx, r.Time, r.Level.String(), r.Message, channelID, requestID, attrsJSON)
	return nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
