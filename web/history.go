package web

import (
	"net/http"
	"strconv"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/history"
)

// handleGetHistory returns a channel's log, optionally cut to the last ?limit= entries.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	entries := s.store.Get().ChatHistory[channel]
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		entries = history.Window(entries, n)
	}
	if entries == nil {
		entries = []config.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Clear(r.PathValue("channel")); err != nil {
		writeError(w, err)
		return
	}
	s.changed("chat_history")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetHistoryLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"limit": s.history.Limit()})
}

// handlePutHistoryLimit stores a new window size. Values below one are
// clamped, not rejected; the stored value is echoed back.
func (s *Server) handlePutHistoryLimit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	n, err := s.history.SetLimit(body.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	s.changed("chat_history_limit")
	writeJSON(w, http.StatusOK, map[string]int{"limit": n})
}
