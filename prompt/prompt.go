// Package prompt builds the ordered turn list and generation parameters sent
// to the completion backend.
package prompt

import (
	"strings"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/history"
	"github.com/tomasmach/tavern/lorebook"
	"github.com/tomasmach/tavern/persona"
)

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MaxTokensLimit is the largest max_tokens value passed to the backend.
const MaxTokensLimit = 2_000_000

// Turn is one role-tagged message in the assembled prompt.
type Turn struct {
	Role    string
	Content string
}

// Params are the generation parameters for one request. Nil pointers and a
// zero MaxTokens mean "not set" and are left to the backend's defaults.
type Params struct {
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	ReasoningEffort  string
}

type Request struct {
	Message            string
	ChannelID          string
	PersonaOverride    string // explicit AI character id, optional
	UserPersonaContext string // appended to the system text, optional
}

type Result struct {
	Turns  []Turn
	Params Params
	// Persona is the AI character the turns were built for, or nil.
	Persona *config.Character
}

// Assembler builds prompts from the current snapshot of a config.Store.
type Assembler struct {
	store *config.Store
}

func New(store *config.Store) *Assembler {
	return &Assembler{store: store}
}

func (a *Assembler) Assemble(req Request) Result {
	return Assemble(a.store.Get(), req)
}

// Assemble builds the prompt for req from cfg. The order of the turns is:
// active preset prompts, the character system text (only when the preset
// contributed no system turn), matched lorebook content as one system turn,
// the channel's history window without markers, then the message itself.
//
// It never fails: unknown characters, presets or channels degrade to defaults.
func Assemble(cfg *config.Config, req Request) Result {
	var turns []Turn
	presetSystem := false

	preset := cfg.FindPreset(cfg.ActivePresetName())
	if preset != nil {
		for _, p := range preset.Prompts {
			if !p.Active {
				continue
			}
			role := strings.ToLower(strings.TrimSpace(p.Role))
			switch role {
			case RoleSystem:
				presetSystem = true
			case RoleUser, RoleAssistant:
			default:
				continue
			}
			turns = append(turns, Turn{Role: role, Content: p.Content})
		}
	}

	char := persona.Resolve(cfg, req.PersonaOverride, req.ChannelID)
	system := persona.SystemText(char)
	if req.UserPersonaContext != "" {
		system += "\n\n" + req.UserPersonaContext
	}
	// A preset that sets its own system prompt replaces the character's.
	if !presetSystem {
		turns = append([]Turn{{Role: RoleSystem, Content: system}}, turns...)
	}

	if lore := lorebook.Match(cfg.Lorebooks, req.Message); len(lore) > 0 {
		turns = append(turns, Turn{Role: RoleSystem, Content: strings.Join(lore, "\n\n")})
	}

	for _, e := range history.Window(cfg.ChatHistory[req.ChannelID], cfg.ChatHistoryLimit) {
		switch e.Role {
		case config.RoleUser:
			turns = append(turns, Turn{Role: RoleUser, Content: e.Content})
		case config.RoleAssistant:
			turns = append(turns, Turn{Role: RoleAssistant, Content: e.Content})
		}
	}

	turns = append(turns, Turn{Role: RoleUser, Content: req.Message})

	return Result{Turns: turns, Params: params(cfg, preset), Persona: char}
}

// params derives generation parameters from preset, or from the global AI
// options when no preset is active. Temperature and top_p pass through only
// when set; penalties also need their enable flag.
func params(cfg *config.Config, preset *config.Preset) Params {
	var p Params
	opts := cfg.AIOptions
	if opts.ReasoningEnabled {
		p.ReasoningEffort = opts.ReasoningLevel
	}

	if preset != nil {
		p.MaxTokens = clampTokens(preset.MaxTokens)
		p.Temperature = copyFloat(preset.Temperature)
		p.TopP = copyFloat(preset.TopP)
		if preset.UsePresencePenalty {
			p.PresencePenalty = copyFloat(preset.PresencePenalty)
		}
		if preset.UseFrequencyPenalty {
			p.FrequencyPenalty = copyFloat(preset.FrequencyPenalty)
		}
		return p
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = opts.ResponseLength
	}
	p.MaxTokens = clampTokens(maxTokens)
	p.Temperature = copyFloat(opts.Temperature)
	p.TopP = copyFloat(opts.TopP)
	if opts.UsePresencePenalty {
		p.PresencePenalty = copyFloat(opts.PresencePenalty)
	}
	if opts.UseFrequencyPenalty {
		p.FrequencyPenalty = copyFloat(opts.FrequencyPenalty)
	}
	return p
}

func clampTokens(n int) int {
	if n < 0 {
		return 0
	}
	return min(n, MaxTokensLimit)
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
