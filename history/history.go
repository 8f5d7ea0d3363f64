// Package history keeps the per-channel, append-only conversation log.
package history

import (
	"strconv"
	"strings"
	"time"

	"github.com/tomasmach/tavern/config"
)

// Log reads and appends per-channel history through a config.Store. Entries are
// never edited or removed individually; Clear drops a channel's whole log.
type Log struct {
	store *config.Store
	now   func() time.Time
}

func New(store *config.Store) *Log {
	return &Log{store: store, now: time.Now}
}

// Append adds e to the end of the channel's log, stamping it if it has no
// timestamp. Channels are created on first append.
func (l *Log) Append(channelID string, e config.HistoryEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	return l.store.Update(func(cfg *config.Config) error {
		cfg.ChatHistory[channelID] = append(cfg.ChatHistory[channelID], e)
		return nil
	})
}

// Window returns the last limit entries of the channel in chronological order.
// Unknown channels have an empty log.
func (l *Log) Window(channelID string, limit int) []config.HistoryEntry {
	return Window(l.store.Get().ChatHistory[channelID], limit)
}

// Recent returns the window sized by the store-wide chat_history_limit.
func (l *Log) Recent(channelID string) []config.HistoryEntry {
	cfg := l.store.Get()
	return Window(cfg.ChatHistory[channelID], cfg.ChatHistoryLimit)
}

// Window returns a copy of the last limit entries. A limit below one is treated as one.
func Window(entries []config.HistoryEntry, limit int) []config.HistoryEntry {
	limit = clamp(limit)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]config.HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// Clear empties one channel's log. Other channels are untouched.
func (l *Log) Clear(channelID string) error {
	return l.store.Update(func(cfg *config.Config) error {
		delete(cfg.ChatHistory, channelID)
		return nil
	})
}

// Limit returns the store-wide retrieval window size.
func (l *Log) Limit() int {
	return clamp(l.store.Get().ChatHistoryLimit)
}

// SetLimit stores n as the window size. Values below one are raised to one
// rather than rejected; the stored value is returned.
func (l *Log) SetLimit(n int) (int, error) {
	n = clamp(n)
	err := l.store.Update(func(cfg *config.Config) error {
		cfg.ChatHistoryLimit = n
		return nil
	})
	return n, err
}

// ParseLimit converts user input to a window size. Non-numeric input yields one.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 1
	}
	return clamp(n)
}

func clamp(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
