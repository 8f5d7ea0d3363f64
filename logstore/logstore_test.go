package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens an in-memory SQLite logstore for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every pooled connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)
	_, err = db.ExecContext(context.Background(), migrationSQL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}
}

func TestWriteAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.write(ctx, time.Now(), "INFO", "hello world", "chan1", "req1", "")

	rows, total, err := s.List(ctx, Filter{ChannelID: "chan1"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "hello world", rows[0].Msg)
	assert.Equal(t, "INFO", rows[0].Level)
	assert.Equal(t, "chan1", rows[0].ChannelID)
	assert.Equal(t, "req1", rows[0].RequestID)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.write(ctx, time.Now(), "INFO", "chan1 a", "chan1", "r1", "")
	s.write(ctx, time.Now(), "INFO", "chan1 b", "chan1", "r2", "")
	s.write(ctx, time.Now(), "INFO", "chan2", "chan2", "r3", "")
	s.write(ctx, time.Now(), "INFO", "startup", "", "", "")

	_, total, err := s.List(ctx, Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	rows, total, err := s.List(ctx, Filter{ChannelID: "chan1"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "chan1 b", rows[0].Msg, "newest first")

	rows, total, err = s.List(ctx, Filter{RequestID: "r3"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "chan2", rows[0].Msg)
}

func TestListFiltersByLevel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.write(ctx, time.Now(), "DEBUG", "debug msg", "c", "", "")
	s.write(ctx, time.Now(), "INFO", "info msg", "c", "", "")
	s.write(ctx, time.Now(), "WARN", "warn msg", "c", "", "")
	s.write(ctx, time.Now(), "ERROR", "error msg", "c", "", "")

	tests := []struct {
		level string
		want  int
	}{
		{"debug", 4},
		{"info", 3},
		{"warn", 2},
		{"error", 1},
		{"bogus", 4},
	}
	for _, tt := range tests {
		_, total, err := s.List(ctx, Filter{ChannelID: "c", Level: tt.level}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, tt.want, total, "level %s", tt.level)
	}
}

func TestListDefaultLimitAndOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		s.write(ctx, time.Now(), "INFO", fmt.Sprintf("msg %d", i), "c", "", "")
	}

	rows, total, err := s.List(ctx, Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, rows, 5)

	rows, _, err = s.List(ctx, Filter{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "msg 2", rows[0].Msg)
}

func TestPruneKeepsOtherChannels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range maxRowsPerChannel + 1 {
		s.write(ctx, time.Now(), "INFO", fmt.Sprintf("busy %d", i), "busy", "", "")
	}
	for i := range 5 {
		s.write(ctx, time.Now(), "INFO", fmt.Sprintf("quiet %d", i), "quiet", "", "")
	}

	s.prune(ctx)

	_, busy, err := s.List(ctx, Filter{ChannelID: "busy"}, 1, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, busy, maxRowsPerChannel)

	_, quiet, err := s.List(ctx, Filter{ChannelID: "quiet"}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, quiet)
}

func TestHandlerTeesRecords(t *testing.T) {
	s := newTestStore(t)
	logger := slog.New(NewHandler(slog.NewTextHandler(io.Discard, nil), s))

	logger.With("channel_id", "c1", "guild_id", "g1").
		Error("completion failed", "request_id", "r1", tint.Err(errors.New("boom")))
	logger.Info("started")

	rows, total, err := s.List(context.Background(), Filter{ChannelID: "c1"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "ERROR", rows[0].Level)
	assert.Equal(t, "r1", rows[0].RequestID)
	assert.JSONEq(t, `{"err":"boom","guild_id":"g1"}`, rows[0].Attrs)

	_, all, err := s.List(context.Background(), Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, all)
}

func TestHandlerRespectsInnerLevel(t *testing.T) {
	s := newTestStore(t)
	inner := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(NewHandler(inner, s))

	logger.Debug("noise")
	logger.Warn("kept")

	rows, total, err := s.List(context.Background(), Filter{}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "kept", rows[0].Msg)
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "logs.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	s.write(context.Background(), time.Now(), "INFO", "on disk", "", "", "")
	_, total, err := s.List(context.Background(), Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
