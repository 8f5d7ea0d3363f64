package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/lorebook"
)

func (s *Server) handleListLorebooks(w http.ResponseWriter, r *http.Request) {
	books := s.lorebooks.List()
	if books == nil {
		books = []config.Lorebook{}
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleCreateLorebook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if err := s.lorebooks.Create(body.Name); err != nil {
		writeError(w, err)
		return
	}
	s.changed("lorebooks")
	lb, _ := s.lorebooks.Get(body.Name)
	writeJSON(w, http.StatusCreated, lb)
}

// handlePatchLorebook renames and/or toggles a lorebook. Absent fields are left alone.
func (s *Server) handlePatchLorebook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   *string `json:"name"`
		Active *bool   `json:"active"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	name := r.PathValue("name")
	if body.Active != nil {
		if err := s.lorebooks.SetActive(name, *body.Active); err != nil {
			writeError(w, err)
			return
		}
	}
	if body.Name != nil {
		if err := s.lorebooks.Rename(name, *body.Name); err != nil {
			writeError(w, err)
			return
		}
		name = *body.Name
	}
	lb, ok := s.lorebooks.Get(name)
	if !ok {
		writeError(w, lorebook.ErrNotFound)
		return
	}
	s.changed("lorebooks")
	writeJSON(w, http.StatusOK, lb)
}

func (s *Server) handleDeleteLorebook(w http.ResponseWriter, r *http.Request) {
	if err := s.lorebooks.Delete(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	s.changed("lorebooks")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddFragment(w http.ResponseWriter, r *http.Request) {
	var f config.Fragment
	if !decodeJSON(w, r, &f) {
		return
	}
	index, err := s.lorebooks.AddFragment(r.PathValue("name"), f)
	if err != nil {
		writeError(w, err)
		return
	}
	s.changed("lorebooks")
	writeJSON(w, http.StatusCreated, map[string]int{"index": index})
}

func (s *Server) handleUpdateFragment(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	var f config.Fragment
	if !decodeJSON(w, r, &f) {
		return
	}
	if err := s.lorebooks.UpdateFragment(r.PathValue("name"), index, f); err != nil {
		writeError(w, err)
		return
	}
	s.changed("lorebooks")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteFragment(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	if err := s.lorebooks.DeleteFragment(r.PathValue("name"), index); err != nil {
		writeError(w, err)
		return
	}
	s.changed("lorebooks")
	w.WriteHeader(http.StatusNoContent)
}

func pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return 0, false
	}
	return index, true
}
