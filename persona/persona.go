// Package persona resolves AI characters and user characters and manages
// per-channel character bindings.
package persona

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tomasmach/tavern/config"
)

// FallbackSystemText is the system prompt used when no character resolves.
const FallbackSystemText = "You are a helpful assistant."

var (
	ErrNotFound    = errors.New("character not found")
	ErrDuplicateID = errors.New("a character with that id already exists")
	ErrInvalidID   = errors.New("character id is required")
)

// Kind selects which list a Registry operation works on.
type Kind int

const (
	AI Kind = iota
	User
)

func (k Kind) String() string {
	if k == User {
		return "user character"
	}
	return "character"
}

// Registry reads and edits characters and channel bindings through a config.Store.
type Registry struct {
	store *config.Store
}

func New(store *config.Store) *Registry {
	return &Registry{store: store}
}

// Resolve picks the AI character for a request. An explicit id wins, then the
// channel binding, then the first registered AI character. A nil result means
// nothing is configured; unknown ids resolve to nil rather than falling through.
func (r *Registry) Resolve(personaID, channelID string) *config.Character {
	return Resolve(r.store.Get(), personaID, channelID)
}

// Resolve applies the Registry.Resolve rules to a snapshot.
func Resolve(cfg *config.Config, personaID, channelID string) *config.Character {
	if personaID != "" {
		return find(cfg.Characters, personaID)
	}
	if id, ok := cfg.ChannelCharacters[channelID]; ok && id != "" {
		return find(cfg.Characters, id)
	}
	if len(cfg.Characters) > 0 {
		c := cfg.Characters[0]
		return &c
	}
	return nil
}

// Get looks a character up by case-insensitive id.
func (r *Registry) Get(kind Kind, id string) *config.Character {
	return find(list(r.store.Get(), kind), id)
}

// List returns the characters of kind in registration order.
func (r *Registry) List(kind Kind) []config.Character {
	return list(r.store.Get(), kind)
}

// Add registers c. Its id is stored lowercase and must be unique within kind.
func (r *Registry) Add(kind Kind, c config.Character) error {
	c.ID = config.NormalizeID(c.ID)
	if c.ID == "" {
		return ErrInvalidID
	}
	return r.store.Update(func(cfg *config.Config) error {
		chars := listPtr(cfg, kind)
		if indexOf(*chars, c.ID) >= 0 {
			return fmt.Errorf("%s %q: %w", kind, c.ID, ErrDuplicateID)
		}
		*chars = append(*chars, c)
		return nil
	})
}

// Update replaces the character with id. Changing the id is allowed as long
// as the new one is free; channel bindings follow the rename.
func (r *Registry) Update(kind Kind, id string, c config.Character) error {
	c.ID = config.NormalizeID(c.ID)
	if c.ID == "" {
		return ErrInvalidID
	}
	old := config.NormalizeID(id)
	return r.store.Update(func(cfg *config.Config) error {
		chars := listPtr(cfg, kind)
		i := indexOf(*chars, old)
		if i < 0 {
			return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
		}
		if j := indexOf(*chars, c.ID); j >= 0 && j != i {
			return fmt.Errorf("%s %q: %w", kind, c.ID, ErrDuplicateID)
		}
		(*chars)[i] = c
		if kind == AI && old != c.ID {
			for ch, bound := range cfg.ChannelCharacters {
				if bound == old {
					cfg.ChannelCharacters[ch] = c.ID
				}
			}
		}
		return nil
	})
}

// Delete removes the character with id. History entries naming it are left
// alone and simply stop resolving. Channel bindings to a deleted AI character
// are dropped so those channels fall back to the default.
func (r *Registry) Delete(kind Kind, id string) error {
	id = config.NormalizeID(id)
	return r.store.Update(func(cfg *config.Config) error {
		chars := listPtr(cfg, kind)
		i := indexOf(*chars, id)
		if i < 0 {
			return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
		}
		*chars = append((*chars)[:i:i], (*chars)[i+1:]...)
		if kind == AI {
			for ch, bound := range cfg.ChannelCharacters {
				if bound == id {
					delete(cfg.ChannelCharacters, ch)
				}
			}
		}
		return nil
	})
}

// BindChannel makes the AI character id the default for channelID, replacing
// any previous binding.
func (r *Registry) BindChannel(channelID, id string) error {
	id = config.NormalizeID(id)
	return r.store.Update(func(cfg *config.Config) error {
		if indexOf(cfg.Characters, id) < 0 {
			return fmt.Errorf("character %q: %w", id, ErrNotFound)
		}
		cfg.ChannelCharacters[channelID] = id
		return nil
	})
}

// UnbindChannel removes the binding for channelID. Unbound channels are not an error.
func (r *Registry) UnbindChannel(channelID string) error {
	return r.store.Update(func(cfg *config.Config) error {
		delete(cfg.ChannelCharacters, channelID)
		return nil
	})
}

// Binding returns the character id bound to channelID, if any.
func (r *Registry) Binding(channelID string) (string, bool) {
	id, ok := r.store.Get().ChannelCharacters[channelID]
	return id, ok
}

// ActiveUserPersona finds the user character most recently in effect for
// authorID by scanning window from newest to oldest, persona-switch markers
// included. There is deliberately no per-user binding table: the history log
// is the only record, so clearing a channel's history also forgets which
// character each user was playing.
func ActiveUserPersona(window []config.HistoryEntry, authorID string) string {
	for i := len(window) - 1; i >= 0; i-- {
		e := window[i]
		if e.AuthorID == authorID && e.UserCharacter != "" {
			return e.UserCharacter
		}
	}
	return ""
}

// SystemText is the base system prompt for c: its description followed by its
// scenario when set, or FallbackSystemText for a nil character.
func SystemText(c *config.Character) string {
	if c == nil {
		return FallbackSystemText
	}
	text := c.Description
	if s := strings.TrimSpace(c.Scenario); s != "" {
		if text != "" {
			text += "\n\n"
		}
		text += "Scenario: " + s
	}
	if strings.TrimSpace(text) == "" {
		return FallbackSystemText
	}
	return text
}

// UserContext describes the user character for the system prompt. It returns
// "" for a nil character.
func UserContext(c *config.Character) string {
	if c == nil {
		return ""
	}
	name := c.Name
	if name == "" {
		name = c.ID
	}
	return fmt.Sprintf("User is playing as %s. Character description: %s", name, c.Description)
}

func list(cfg *config.Config, kind Kind) []config.Character {
	if kind == User {
		return cfg.UserCharacters
	}
	return cfg.Characters
}

func listPtr(cfg *config.Config, kind Kind) *[]config.Character {
	if kind == User {
		return &cfg.UserCharacters
	}
	return &cfg.Characters
}

func find(chars []config.Character, id string) *config.Character {
	if i := indexOf(chars, config.NormalizeID(id)); i >= 0 {
		c := chars[i]
		return &c
	}
	return nil
}

// indexOf expects a normalized id. Stored ids are normalized on load and on write.
func indexOf(chars []config.Character, id string) int {
	for i, c := range chars {
		if c.ID == id {
			return i
		}
	}
	return -1
}
