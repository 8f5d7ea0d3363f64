package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/prompt"
)

var (
	errPresetNotFound  = errors.New("preset not found")
	errDuplicatePreset = errors.New("a preset with that name already exists")
	errInvalidPreset   = errors.New("invalid preset")
)

func validatePreset(p *config.Preset) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", errInvalidPreset)
	}
	if p.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", errInvalidPreset)
	}
	p.MaxTokens = min(p.MaxTokens, prompt.MaxTokensLimit)
	for i := range p.Prompts {
		role := strings.ToLower(strings.TrimSpace(p.Prompts[i].Role))
		switch role {
		case prompt.RoleSystem, prompt.RoleUser, prompt.RoleAssistant:
			p.Prompts[i].Role = role
		default:
			return fmt.Errorf("%w: prompt %d has unknown role %q", errInvalidPreset, i, p.Prompts[i].Role)
		}
	}
	return nil
}

func presetIndex(presets []config.Preset, name string) int {
	for i := range presets {
		if strings.EqualFold(presets[i].Name, name) {
			return i
		}
	}
	return -1
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Get()
	presets := cfg.Presets
	if presets == nil {
		presets = []config.Preset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"presets": presets,
		"active":  cfg.ActivePreset,
	})
}

func (s *Server) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	var p config.Preset
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := validatePreset(&p); err != nil {
		writeError(w, err)
		return
	}
	err := s.store.Update(func(cfg *config.Config) error {
		if presetIndex(cfg.Presets, p.Name) >= 0 {
			return errDuplicatePreset
		}
		cfg.Presets = append(cfg.Presets, p)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.changed("presets")
	writeJSON(w, http.StatusCreated, p)
}

// handleUpdatePreset replaces a preset. A rename carries the active marker along.
func (s *Server) handleUpdatePreset(w http.ResponseWriter, r *http.Request) {
	var p config.Preset
	if !decodeJSON(w, r, &p) {
		return
	}
	name := r.PathValue("name")
	if strings.TrimSpace(p.Name) == "" {
		p.Name = name
	}
	if err := validatePreset(&p); err != nil {
		writeError(w, err)
		return
	}
	err := s.store.Update(func(cfg *config.Config) error {
		i := presetIndex(cfg.Presets, name)
		if i < 0 {
			return errPresetNotFound
		}
		if j := presetIndex(cfg.Presets, p.Name); j >= 0 && j != i {
			return errDuplicatePreset
		}
		if strings.EqualFold(cfg.ActivePresetName(), cfg.Presets[i].Name) {
			active := p.Name
			cfg.ActivePreset = &active
		}
		cfg.Presets[i] = p
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.changed("presets")
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.store.Update(func(cfg *config.Config) error {
		i := presetIndex(cfg.Presets, name)
		if i < 0 {
			return errPresetNotFound
		}
		if strings.EqualFold(cfg.ActivePresetName(), cfg.Presets[i].Name) {
			cfg.ActivePreset = nil
		}
		cfg.Presets = append(cfg.Presets[:i], cfg.Presets[i+1:]...)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.changed("presets")
	w.WriteHeader(http.StatusNoContent)
}

// handleActivatePreset sets the active preset; a null or empty name deactivates.
func (s *Server) handleActivatePreset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name *string `json:"name"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	err := s.store.Update(func(cfg *config.Config) error {
		if body.Name == nil || strings.TrimSpace(*body.Name) == "" {
			cfg.ActivePreset = nil
			return nil
		}
		p := cfg.FindPreset(strings.TrimSpace(*body.Name))
		if p == nil {
			return errPresetNotFound
		}
		name := p.Name
		cfg.ActivePreset = &name
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.changed("active_preset")
	writeJSON(w, http.StatusOK, map[string]*string{"active": s.store.Get().ActivePreset})
}
