package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/lmittmann/tint"

	"github.com/tomasmach/tavern/agent"
	"github.com/tomasmach/tavern/chunk"
	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/logstore"
	"github.com/tomasmach/tavern/persona"
)

type manualSendRequest struct {
	ServerID    string `json:"server_id"`
	ChannelID   string `json:"channel_id"`
	Content     string `json:"content"`
	CharacterID string `json:"character_id"`
}

// handleManualSend posts an operator-written message to a channel, optionally
// under a character's identity, and remembers the target for the next send.
func (s *Server) handleManualSend(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sender == nil {
		http.Error(w, "sending not available", http.StatusNotImplemented)
		return
	}
	var req manualSendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	req.ServerID = strings.TrimSpace(req.ServerID)
	if req.ChannelID == "" || strings.TrimSpace(req.Content) == "" {
		http.Error(w, "channel_id and content are required", http.StatusBadRequest)
		return
	}

	cfg := s.store.Get()
	var id *agent.Identity
	if req.CharacterID != "" {
		c := persona.Resolve(cfg, req.CharacterID, req.ChannelID)
		if c == nil {
			writeError(w, persona.ErrNotFound)
			return
		}
		name := c.Name
		if name == "" {
			name = c.ID
		}
		id = &agent.Identity{Name: name, AvatarURL: c.Avatar.URL}
	}

	sender, err := s.deps.Sender(cfg)
	if err != nil {
		http.Error(w, "connect to discord: "+err.Error(), http.StatusBadGateway)
		return
	}
	pieces := chunk.Split(req.Content, s.deps.MessageLimit)
	for _, piece := range pieces {
		if id != nil {
			err = sender.SendAs(r.Context(), req.ChannelID, *id, piece)
		} else {
			err = sender.SendText(r.Context(), req.ChannelID, piece)
		}
		if err != nil {
			slog.Error("manual send", tint.Err(err), "channel_id", req.ChannelID)
			http.Error(w, "send message: "+err.Error(), http.StatusBadGateway)
			return
		}
	}

	err = s.store.Update(func(cfg *config.Config) error {
		cfg.LastManualSend = config.ManualSend{ServerID: req.ServerID, ChannelID: req.ChannelID}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.changed("last_manual_send")
	writeJSON(w, http.StatusOK, map[string]int{"messages": len(pieces)})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		http.Error(w, "log store not configured", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	limit, offset := 100, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		offset = n
	}
	f := logstore.Filter{
		ChannelID: q.Get("channel_id"),
		RequestID: q.Get("request_id"),
		Level:     q.Get("level"),
	}
	rows, total, err := s.deps.Logs.List(r.Context(), f, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []logstore.LogRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "total": total})
}
