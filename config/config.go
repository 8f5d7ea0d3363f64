// Package config holds the persisted bot document, its schema loader, the
// reloadable Store around it, and the TOML bootstrap settings.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the document version written by this build.
const SchemaVersion = 1

// DefaultChatHistoryLimit is the retrieval window used when the document does not set one.
const DefaultChatHistoryLimit = 10

// Fragment insertion types.
const (
	InsertionConstant = "constant"
	InsertionNormal   = "normal"
)

// History entry roles. RoleMarker entries record events such as a user
// switching persona; they are never sent to the completion backend.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleMarker    = "system"
)

// Config is the whole persisted document. It is rewritten wholesale on every mutation.
type Config struct {
	SchemaVersion     int                       `json:"schema_version"`
	Discord           DiscordConfig             `json:"discord"`
	OpenAI            OpenAIConfig              `json:"openai"`
	ThinkingTags      ThinkingTagsConfig        `json:"thinking_tags"`
	AIOptions         AIOptions                 `json:"ai_config_options"`
	Characters        []Character               `json:"characters"`
	UserCharacters    []Character               `json:"user_characters"`
	Presets           []Preset                  `json:"presets"`
	ActivePreset      *string                   `json:"active_preset"`
	ChatHistory       map[string][]HistoryEntry `json:"chat_history"`
	ChannelCharacters map[string]string         `json:"channel_characters"`
	LastManualSend    ManualSend                `json:"last_manual_send"`
	Lorebooks         []Lorebook                `json:"lorebooks"`
	ChatHistoryLimit  int                       `json:"chat_history_limit"`
}

type DiscordConfig struct {
	Token     string          `json:"token"`
	Reconnect ReconnectConfig `json:"reconnect"`
}

// ReconnectConfig controls the gateway connect loop. Delays are in seconds.
type ReconnectConfig struct {
	Enabled    bool    `json:"enabled"`
	MaxRetries int     `json:"max_retries"`
	BaseDelay  float64 `json:"base_delay"`
	MaxDelay   float64 `json:"max_delay"`
}

func (r ReconnectConfig) BaseDelayDuration() time.Duration {
	return time.Duration(r.BaseDelay * float64(time.Second))
}

func (r ReconnectConfig) MaxDelayDuration() time.Duration {
	return time.Duration(r.MaxDelay * float64(time.Second))
}

type OpenAIConfig struct {
	BaseURL         string   `json:"base_url"`
	APIKey          string   `json:"api_key"`
	Model           string   `json:"model"`
	AvailableModels []string `json:"available_models"`
}

// ThinkingTagsConfig configures removal of reasoning blocks from replies.
type ThinkingTagsConfig struct {
	Enabled  bool   `json:"enabled"`
	StartTag string `json:"start_tag"`
	EndTag   string `json:"end_tag"`
}

// AIOptions are the generation parameters used when no preset is active.
type AIOptions struct {
	MaxTokens           int      `json:"max_tokens"`
	ResponseLength      int      `json:"response_length"`
	Temperature         *float64 `json:"temperature"`
	TopP                *float64 `json:"top_p"`
	ReasoningEnabled    bool     `json:"reasoning_enabled"`
	ReasoningLevel      string   `json:"reasoning_level"`
	UsePresencePenalty  bool     `json:"use_presence_penalty"`
	PresencePenalty     *float64 `json:"presence_penalty"`
	UseFrequencyPenalty bool     `json:"use_frequency_penalty"`
	FrequencyPenalty    *float64 `json:"frequency_penalty"`
}

// AvatarRef points at a persona avatar by URL, by local file, or both.
type AvatarRef struct {
	URL       string `json:"url,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

func (a AvatarRef) IsZero() bool { return a.URL == "" && a.LocalPath == "" }

// Character is a persona. The same record serves AI characters and user characters;
// Scenario is only read for AI characters.
type Character struct {
	ID          string    `json:"id"`
	Name        string    `json:"display_name"`
	Description string    `json:"description"`
	Scenario    string    `json:"scenario,omitempty"`
	Avatar      AvatarRef `json:"avatar"`
}

type Lorebook struct {
	Name    string     `json:"name"`
	Active  bool       `json:"active"`
	Entries []Fragment `json:"entries"`
}

// UnmarshalJSON defaults Active to true when the key is absent.
func (l *Lorebook) UnmarshalJSON(data []byte) error {
	type alias Lorebook
	a := alias{Active: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*l = Lorebook(a)
	return nil
}

type Fragment struct {
	Content       string   `json:"content"`
	InsertionType string   `json:"insertion_type"`
	Keywords      []string `json:"keywords"`
}

func (f Fragment) IsConstant() bool { return f.InsertionType == InsertionConstant }

type HistoryEntry struct {
	AuthorID      string    `json:"author_id,omitempty"`
	AuthorName    string    `json:"author_name,omitempty"`
	UserCharacter string    `json:"user_character,omitempty"`
	Content       string    `json:"content"`
	Role          string    `json:"role"`
	Timestamp     time.Time `json:"timestamp"`
}

type Preset struct {
	Name                string         `json:"name"`
	MaxTokens           int            `json:"max_tokens"`
	Temperature         *float64       `json:"temperature,omitempty"`
	TopP                *float64       `json:"top_p,omitempty"`
	UsePresencePenalty  bool           `json:"use_presence_penalty"`
	PresencePenalty     *float64       `json:"presence_penalty,omitempty"`
	UseFrequencyPenalty bool           `json:"use_frequency_penalty"`
	FrequencyPenalty    *float64       `json:"frequency_penalty,omitempty"`
	Prompts             []PresetPrompt `json:"prompts"`
}

// PresetPrompt is one preamble turn. Inactive prompts are kept but never sent.
type PresetPrompt struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Active  bool   `json:"active"`
}

// UnmarshalJSON defaults Active to true when the key is absent.
func (p *PresetPrompt) UnmarshalJSON(data []byte) error {
	type alias PresetPrompt
	a := alias{Active: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = PresetPrompt(a)
	return nil
}

type ManualSend struct {
	ServerID  string `json:"server_id"`
	ChannelID string `json:"channel_id"`
}

// Default returns a document with every default filled in.
func Default() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		Discord: DiscordConfig{
			Reconnect: ReconnectConfig{
				Enabled:    true,
				MaxRetries: 5,
				BaseDelay:  5,
				MaxDelay:   300,
			},
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		ThinkingTags: ThinkingTagsConfig{
			StartTag: "<think>",
			EndTag:   "</think>",
		},
		AIOptions: AIOptions{
			ReasoningLevel: "medium",
		},
		ChatHistory:       make(map[string][]HistoryEntry),
		ChannelCharacters: make(map[string]string),
		ChatHistoryLimit:  DefaultChatHistoryLimit,
	}
}

// Parse decodes a document, fills absent fields with defaults and migrates
// older schema versions to SchemaVersion.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.SchemaVersion = 0 // absent key means a pre-versioned document
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Marshal encodes the document in its on-disk form.
func (cfg *Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}

func (cfg *Config) normalize() {
	if cfg.SchemaVersion < 1 {
		migrateV0(cfg)
	}
	cfg.SchemaVersion = SchemaVersion

	if cfg.ChatHistory == nil {
		cfg.ChatHistory = make(map[string][]HistoryEntry)
	}
	if cfg.ChannelCharacters == nil {
		cfg.ChannelCharacters = make(map[string]string)
	}
	if cfg.ChatHistoryLimit < 1 {
		cfg.ChatHistoryLimit = 1
	}
	if cfg.ThinkingTags.StartTag == "" {
		cfg.ThinkingTags.StartTag = "<think>"
	}
	if cfg.ThinkingTags.EndTag == "" {
		cfg.ThinkingTags.EndTag = "</think>"
	}
	for i := range cfg.Characters {
		cfg.Characters[i].ID = NormalizeID(cfg.Characters[i].ID)
	}
	for i := range cfg.UserCharacters {
		cfg.UserCharacters[i].ID = NormalizeID(cfg.UserCharacters[i].ID)
	}
	for ch, id := range cfg.ChannelCharacters {
		cfg.ChannelCharacters[ch] = NormalizeID(id)
	}
}

// migrateV0 upgrades documents written before schema_version existed: persona
// ids were optional and fragments could omit their insertion type.
func migrateV0(cfg *Config) {
	for _, list := range [][]Character{cfg.Characters, cfg.UserCharacters} {
		for i := range list {
			if list[i].ID == "" {
				list[i].ID = list[i].Name
			}
		}
	}
	for i := range cfg.Lorebooks {
		for j := range cfg.Lorebooks[i].Entries {
			f := &cfg.Lorebooks[i].Entries[j]
			if f.InsertionType != "" {
				continue
			}
			if len(f.Keywords) > 0 {
				f.InsertionType = InsertionNormal
			} else {
				f.InsertionType = InsertionConstant
			}
		}
	}
}

// NormalizeID returns the case-folded identity key for a persona id.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ActivePresetName returns the active preset name or "" when none is active.
func (cfg *Config) ActivePresetName() string {
	if cfg.ActivePreset == nil {
		return ""
	}
	return *cfg.ActivePreset
}

// FindPreset returns the preset named name (case-insensitive), or nil.
func (cfg *Config) FindPreset(name string) *Preset {
	if name == "" {
		return nil
	}
	for i := range cfg.Presets {
		if strings.EqualFold(cfg.Presets[i].Name, name) {
			return &cfg.Presets[i]
		}
	}
	return nil
}

// Clone returns a deep copy that can be mutated without affecting cfg.
func (cfg *Config) Clone() *Config {
	out := *cfg
	out.OpenAI.AvailableModels = cloneSlice(cfg.OpenAI.AvailableModels)
	out.Characters = cloneSlice(cfg.Characters)
	out.UserCharacters = cloneSlice(cfg.UserCharacters)

	if cfg.Presets != nil {
		out.Presets = make([]Preset, len(cfg.Presets))
		for i, p := range cfg.Presets {
			p.Prompts = cloneSlice(p.Prompts)
			out.Presets[i] = p
		}
	}
	if cfg.Lorebooks != nil {
		out.Lorebooks = make([]Lorebook, len(cfg.Lorebooks))
		for i, lb := range cfg.Lorebooks {
			entries := cloneSlice(lb.Entries)
			for j := range entries {
				entries[j].Keywords = cloneSlice(entries[j].Keywords)
			}
			lb.Entries = entries
			out.Lorebooks[i] = lb
		}
	}

	// History logs are append-only and only ever appended to from the newest
	// snapshot, so the clone shares their backing arrays. This keeps Append
	// amortized O(1) in memory; existing entries must never be edited in place.
	out.ChatHistory = make(map[string][]HistoryEntry, len(cfg.ChatHistory))
	for ch, entries := range cfg.ChatHistory {
		out.ChatHistory[ch] = entries
	}
	out.ChannelCharacters = make(map[string]string, len(cfg.ChannelCharacters))
	for ch, id := range cfg.ChannelCharacters {
		out.ChannelCharacters[ch] = id
	}
	return &out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

// Problems reports configuration issues that prevent the bot from running or
// that indicate a hand-edited document violates an invariant.
func (cfg *Config) Problems() []string {
	var out []string
	if cfg.Discord.Token == "" {
		out = append(out, "discord.token is not set")
	}
	if cfg.OpenAI.Model == "" {
		out = append(out, "openai.model is not set")
	}
	if cfg.Discord.Reconnect.Enabled && cfg.Discord.Reconnect.MaxRetries < 1 {
		out = append(out, "discord.reconnect.max_retries must be at least 1")
	}
	lists := []struct {
		kind string
		list []Character
	}{{"characters", cfg.Characters}, {"user_characters", cfg.UserCharacters}}
	for _, l := range lists {
		kind := l.kind
		seen := make(map[string]bool, len(l.list))
		for _, c := range l.list {
			if c.ID == "" {
				out = append(out, fmt.Sprintf("%s: entry %q has no id", kind, c.Name))
				continue
			}
			if seen[c.ID] {
				out = append(out, fmt.Sprintf("%s: duplicate id %q", kind, c.ID))
			}
			seen[c.ID] = true
		}
	}
	books := make(map[string]bool, len(cfg.Lorebooks))
	for _, lb := range cfg.Lorebooks {
		key := strings.ToLower(lb.Name)
		if books[key] {
			out = append(out, fmt.Sprintf("lorebooks: duplicate name %q", lb.Name))
		}
		books[key] = true
		for i, f := range lb.Entries {
			if !f.IsConstant() && len(f.Keywords) == 0 {
				out = append(out, fmt.Sprintf("lorebook %q entry %d: normal entry has no keywords", lb.Name, i))
			}
		}
	}
	if name := cfg.ActivePresetName(); name != "" && cfg.FindPreset(name) == nil {
		out = append(out, fmt.Sprintf("active_preset %q does not exist", name))
	}
	return out
}
