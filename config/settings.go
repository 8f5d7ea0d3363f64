package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Settings are the process-level bootstrap options read from TOML. They say
// where the persisted document lives and how the process logs; everything the
// configuration UI edits lives in the document instead.
type Settings struct {
	StatePath string            `toml:"state_path"`
	Log       LogSettings       `toml:"log"`
	Web       WebSettings       `toml:"web"`
	Transport TransportSettings `toml:"transport"`
}

type LogSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	DBPath string `toml:"db_path"`
}

type WebSettings struct {
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`
}

type TransportSettings struct {
	MessageLimit  int    `toml:"message_limit"`
	CommandPrefix string `toml:"command_prefix"`
}

// discordMessageLimit is the largest message Discord accepts.
const discordMessageLimit = 2000

// LoadSettings reads the settings file at path. A missing file yields defaults.
func LoadSettings(path string) (*Settings, error) {
	var s Settings
	if _, err := toml.DecodeFile(ExpandPath(path), &s); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode settings: %w", err)
	}

	// Apply defaults
	if s.StatePath == "" {
		s.StatePath = "~/.config/tavern/config.json"
	}
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Log.Format == "" {
		s.Log.Format = "text"
	}
	if s.Web.Listen == "" {
		s.Web.Listen = "127.0.0.1:8741"
	}
	if s.Transport.MessageLimit == 0 {
		s.Transport.MessageLimit = discordMessageLimit
	}
	if s.Transport.CommandPrefix == "" {
		s.Transport.CommandPrefix = "!"
	}

	if env := os.Getenv("TAVERN_STATE_PATH"); env != "" {
		s.StatePath = env
	}
	s.StatePath = ExpandPath(s.StatePath)
	if s.Log.DBPath != "" {
		s.Log.DBPath = ExpandPath(s.Log.DBPath)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[s.Log.Level] {
		return nil, fmt.Errorf("log.level %q is invalid (must be debug, info, warn, or error)", s.Log.Level)
	}
	if s.Log.Format != "text" && s.Log.Format != "json" {
		return nil, fmt.Errorf("log.format %q is invalid (must be text or json)", s.Log.Format)
	}
	if s.Transport.MessageLimit < 1 || s.Transport.MessageLimit > discordMessageLimit {
		return nil, fmt.Errorf("transport.message_limit %d is invalid (must be between 1 and %d)", s.Transport.MessageLimit, discordMessageLimit)
	}

	return &s, nil
}

// ResolveSettings returns the settings path from TAVERN_SETTINGS, falling back
// to ~/.config/tavern/settings.toml. The --settings flag is handled by the CLI.
func ResolveSettings() string {
	path := os.Getenv("TAVERN_SETTINGS")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".config", "tavern", "settings.toml")
	}
	path = ExpandPath(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// ExpandPath expands environment variables and a leading ~/.
func ExpandPath(path string) string {
	path = os.ExpandEnv(path)
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}
