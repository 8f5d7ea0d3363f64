package web

import (
	"net/http"
	"strings"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/persona"
)

func section(kind persona.Kind) string {
	if kind == persona.User {
		return "user_characters"
	}
	return "characters"
}

func (s *Server) handleListCharacters(kind persona.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chars := s.personas.List(kind)
		if chars == nil {
			chars = []config.Character{}
		}
		writeJSON(w, http.StatusOK, chars)
	}
}

func (s *Server) handleCreateCharacter(kind persona.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c config.Character
		if !decodeJSON(w, r, &c) {
			return
		}
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			c.Name = c.ID
		}
		if err := s.personas.Add(kind, c); err != nil {
			writeError(w, err)
			return
		}
		s.changed(section(kind))
		writeJSON(w, http.StatusCreated, s.personas.Get(kind, c.ID))
	}
}

func (s *Server) handleUpdateCharacter(kind persona.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c config.Character
		if !decodeJSON(w, r, &c) {
			return
		}
		id := r.PathValue("id")
		if c.ID == "" {
			c.ID = id
		}
		if err := s.personas.Update(kind, id, c); err != nil {
			writeError(w, err)
			return
		}
		s.changed(section(kind))
		writeJSON(w, http.StatusOK, s.personas.Get(kind, c.ID))
	}
}

func (s *Server) handleDeleteCharacter(kind persona.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.personas.Delete(kind, r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		s.changed(section(kind))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Get().ChannelCharacters)
}

func (s *Server) handleBindChannel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CharacterID string `json:"character_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := s.personas.BindChannel(r.PathValue("channel"), body.CharacterID); err != nil {
		writeError(w, err)
		return
	}
	s.changed("channel_characters")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnbindChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.personas.UnbindChannel(r.PathValue("channel")); err != nil {
		writeError(w, err)
		return
	}
	s.changed("channel_characters")
	w.WriteHeader(http.StatusNoContent)
}
