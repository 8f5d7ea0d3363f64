package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tomasmach/tavern/bot"
	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/llm"
)

var errInvalidConfig = errors.New("configuration has problems")

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the persisted document and print a summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.OutOrStdout(), settings)
	},
}

type lorebookSummary struct {
	Name    string `yaml:"name"`
	Active  bool   `yaml:"active"`
	Entries int    `yaml:"entries"`
}

// summary is the redacted view printed by check. Secrets are reported as
// set or missing, never echoed.
type summary struct {
	StatePath string `yaml:"state_path"`
	Discord   struct {
		Token     string `yaml:"token"`
		Reconnect string `yaml:"reconnect"`
	} `yaml:"discord"`
	OpenAI struct {
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"openai"`
	Characters       []string          `yaml:"characters"`
	UserCharacters   []string          `yaml:"user_characters"`
	Lorebooks        []lorebookSummary `yaml:"lorebooks"`
	Presets          []string          `yaml:"presets"`
	ActivePreset     string            `yaml:"active_preset,omitempty"`
	ChannelBindings  map[string]string `yaml:"channel_characters,omitempty"`
	HistoryChannels  map[string]int    `yaml:"chat_history,omitempty"`
	ChatHistoryLimit int               `yaml:"chat_history_limit"`
	Problems         []string          `yaml:"problems"`
}

func secretState(v string) string {
	if v == "" {
		return "missing"
	}
	return "set"
}

func summarize(path string, cfg *config.Config) summary {
	var s summary
	s.StatePath = path
	s.Discord.Token = secretState(bot.Token(cfg))
	rc := cfg.Discord.Reconnect
	if rc.Enabled {
		s.Discord.Reconnect = fmt.Sprintf("%d retries, %gs to %gs", rc.MaxRetries, rc.BaseDelay, rc.MaxDelay)
	} else {
		s.Discord.Reconnect = "disabled"
	}
	s.OpenAI.BaseURL = cfg.OpenAI.BaseURL
	s.OpenAI.Model = cfg.OpenAI.Model
	s.OpenAI.APIKey = secretState(llm.APIKey(cfg))

	s.Characters = []string{}
	for _, c := range cfg.Characters {
		s.Characters = append(s.Characters, c.ID)
	}
	s.UserCharacters = []string{}
	for _, c := range cfg.UserCharacters {
		s.UserCharacters = append(s.UserCharacters, c.ID)
	}
	s.Lorebooks = []lorebookSummary{}
	for _, lb := range cfg.Lorebooks {
		s.Lorebooks = append(s.Lorebooks, lorebookSummary{Name: lb.Name, Active: lb.Active, Entries: len(lb.Entries)})
	}
	s.Presets = []string{}
	for _, p := range cfg.Presets {
		s.Presets = append(s.Presets, p.Name)
	}
	s.ActivePreset = cfg.ActivePresetName()
	if len(cfg.ChannelCharacters) > 0 {
		s.ChannelBindings = cfg.ChannelCharacters
	}
	if len(cfg.ChatHistory) > 0 {
		s.HistoryChannels = make(map[string]int, len(cfg.ChatHistory))
		for ch, entries := range cfg.ChatHistory {
			s.HistoryChannels[ch] = len(entries)
		}
	}
	s.ChatHistoryLimit = cfg.ChatHistoryLimit

	// Environment overrides count as configured.
	effective := cfg.Clone()
	effective.Discord.Token = bot.Token(cfg)
	s.Problems = effective.Problems()
	if s.Problems == nil {
		s.Problems = []string{}
	}
	sort.Strings(s.Problems)
	return s
}

// runCheck prints the summary as YAML and returns errInvalidConfig when the
// document has problems.
func runCheck(out io.Writer, s *config.Settings) error {
	store, err := config.Open(s.StatePath)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	sum := summarize(store.Path(), store.Get())

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(sum); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if len(sum.Problems) > 0 {
		return errInvalidConfig
	}
	return nil
}
