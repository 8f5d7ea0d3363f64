package web

import (
	"net/http"
	"strings"

	"github.com/tomasmach/tavern/config"
)

// settingsView is the editable part of the document with secrets redacted.
type settingsView struct {
	OpenAI struct {
		BaseURL         string   `json:"base_url"`
		Model           string   `json:"model"`
		HasAPIKey       bool     `json:"has_api_key"`
		AvailableModels []string `json:"available_models"`
	} `json:"openai"`
	Discord struct {
		HasToken  bool                   `json:"has_token"`
		Reconnect config.ReconnectConfig `json:"reconnect"`
	} `json:"discord"`
	ThinkingTags     config.ThinkingTagsConfig `json:"thinking_tags"`
	AIOptions        config.AIOptions          `json:"ai_config_options"`
	ChatHistoryLimit int                       `json:"chat_history_limit"`
	LastManualSend   config.ManualSend         `json:"last_manual_send"`
}

// settingsPatch carries a partial update; nil sections are left untouched.
// Secrets are write-only.
type settingsPatch struct {
	OpenAI *struct {
		BaseURL *string `json:"base_url"`
		APIKey  *string `json:"api_key"`
		Model   *string `json:"model"`
	} `json:"openai"`
	Discord *struct {
		Token     *string                 `json:"token"`
		Reconnect *config.ReconnectConfig `json:"reconnect"`
	} `json:"discord"`
	ThinkingTags *config.ThinkingTagsConfig `json:"thinking_tags"`
	AIOptions    *config.AIOptions          `json:"ai_config_options"`
}

func viewSettings(cfg *config.Config) settingsView {
	var v settingsView
	v.OpenAI.BaseURL = cfg.OpenAI.BaseURL
	v.OpenAI.Model = cfg.OpenAI.Model
	v.OpenAI.HasAPIKey = cfg.OpenAI.APIKey != ""
	v.OpenAI.AvailableModels = cfg.OpenAI.AvailableModels
	if v.OpenAI.AvailableModels == nil {
		v.OpenAI.AvailableModels = []string{}
	}
	v.Discord.HasToken = cfg.Discord.Token != ""
	v.Discord.Reconnect = cfg.Discord.Reconnect
	v.ThinkingTags = cfg.ThinkingTags
	v.AIOptions = cfg.AIOptions
	v.ChatHistoryLimit = cfg.ChatHistoryLimit
	v.LastManualSend = cfg.LastManualSend
	return v
}

func (p settingsPatch) validate() string {
	if p.Discord != nil && p.Discord.Reconnect != nil {
		rc := p.Discord.Reconnect
		if rc.MaxRetries < 0 {
			return "reconnect.max_retries must not be negative"
		}
		if rc.BaseDelay <= 0 || rc.MaxDelay < rc.BaseDelay {
			return "reconnect delays must satisfy 0 < base_delay <= max_delay"
		}
	}
	if t := p.ThinkingTags; t != nil && (strings.TrimSpace(t.StartTag) == "" || strings.TrimSpace(t.EndTag) == "") {
		return "thinking tags must not be empty"
	}
	if o := p.AIOptions; o != nil && (o.MaxTokens < 0 || o.ResponseLength < 0) {
		return "token counts must not be negative"
	}
	return ""
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewSettings(s.store.Get()))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var p settingsPatch
	if !decodeJSON(w, r, &p) {
		return
	}
	if msg := p.validate(); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	err := s.store.Update(func(cfg *config.Config) error {
		if o := p.OpenAI; o != nil {
			if o.BaseURL != nil {
				cfg.OpenAI.BaseURL = strings.TrimRight(strings.TrimSpace(*o.BaseURL), "/")
			}
			if o.APIKey != nil {
				cfg.OpenAI.APIKey = strings.TrimSpace(*o.APIKey)
			}
			if o.Model != nil {
				cfg.OpenAI.Model = strings.TrimSpace(*o.Model)
			}
		}
		if d := p.Discord; d != nil {
			if d.Token != nil {
				cfg.Discord.Token = strings.TrimSpace(*d.Token)
			}
			if d.Reconnect != nil {
				cfg.Discord.Reconnect = *d.Reconnect
			}
		}
		if p.ThinkingTags != nil {
			cfg.ThinkingTags = *p.ThinkingTags
		}
		if p.AIOptions != nil {
			cfg.AIOptions = *p.AIOptions
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.changed("settings")
	writeJSON(w, http.StatusOK, viewSettings(s.store.Get()))
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.store.Get().OpenAI.AvailableModels
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, models)
}

// handleRefreshModels asks the backend for its model list and stores it.
func (s *Server) handleRefreshModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Models == nil {
		http.Error(w, "model listing not available", http.StatusNotImplemented)
		return
	}
	models, err := s.deps.Models.Models(r.Context())
	if err != nil {
		http.Error(w, "list models: "+err.Error(), http.StatusBadGateway)
		return
	}
	err = s.store.Update(func(cfg *config.Config) error {
		cfg.OpenAI.AvailableModels = models
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.changed("settings")
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, models)
}
