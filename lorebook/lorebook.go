// Package lorebook implements keyword-triggered knowledge retrieval over the
// lorebooks stored in the bot document.
package lorebook

import (
	"errors"
	"strings"

	"github.com/tomasmach/tavern/config"
)

var (
	ErrNotFound           = errors.New("lorebook not found")
	ErrEmptyName          = errors.New("lorebook name is required")
	ErrDuplicateName      = errors.New("a lorebook with that name already exists")
	ErrIndexOutOfRange    = errors.New("entry index out of range")
	ErrInvalidType        = errors.New("insertion type must be constant or normal")
	ErrMissingKeywords    = errors.New("normal entries need at least one keyword")
	ErrUnexpectedKeywords = errors.New("constant entries must not have keywords")
)

// Engine reads and edits lorebooks through a config.Store. Every mutation is
// persisted before it returns.
//
// Entries are addressed by position. Deleting an entry shifts the ones after
// it, so callers must re-read indices after any mutation.
type Engine struct {
	store *config.Store
}

func New(store *config.Store) *Engine {
	return &Engine{store: store}
}

// Match returns the contents to inject for message, using the current snapshot.
func (e *Engine) Match(message string) []string {
	return Match(e.store.Get().Lorebooks, message)
}

// Match walks active lorebooks in stored order and their entries in stored
// order. Constant entries are always included. A normal entry is included once
// if any keyword is a case-insensitive substring of message. The order of the
// result is significant: earlier fragments are higher-priority context.
func Match(books []config.Lorebook, message string) []string {
	lower := strings.ToLower(message)
	var out []string
	for _, lb := range books {
		if !lb.Active {
			continue
		}
		for _, f := range lb.Entries {
			if f.IsConstant() {
				out = append(out, f.Content)
				continue
			}
			for _, kw := range f.Keywords {
				if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
					out = append(out, f.Content)
					break
				}
			}
		}
	}
	return out
}

// List returns every lorebook in registration order.
func (e *Engine) List() []config.Lorebook {
	return e.store.Get().Lorebooks
}

// Get looks a lorebook up by case-insensitive name.
func (e *Engine) Get(name string) (config.Lorebook, bool) {
	books := e.store.Get().Lorebooks
	if i := indexOf(books, name); i >= 0 {
		return books[i], true
	}
	return config.Lorebook{}, false
}

// Create appends a new, active, empty lorebook.
func (e *Engine) Create(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	return e.store.Update(func(cfg *config.Config) error {
		if indexOf(cfg.Lorebooks, name) >= 0 {
			return ErrDuplicateName
		}
		cfg.Lorebooks = append(cfg.Lorebooks, config.Lorebook{Name: name, Active: true})
		return nil
	})
}

// Rename changes a lorebook's name. Changing only the case of a name is allowed.
func (e *Engine) Rename(name, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return ErrEmptyName
	}
	return e.store.Update(func(cfg *config.Config) error {
		i := indexOf(cfg.Lorebooks, name)
		if i < 0 {
			return ErrNotFound
		}
		if j := indexOf(cfg.Lorebooks, newName); j >= 0 && j != i {
			return ErrDuplicateName
		}
		cfg.Lorebooks[i].Name = newName
		return nil
	})
}

// SetActive enables or disables a whole lorebook.
func (e *Engine) SetActive(name string, active bool) error {
	return e.store.Update(func(cfg *config.Config) error {
		i := indexOf(cfg.Lorebooks, name)
		if i < 0 {
			return ErrNotFound
		}
		cfg.Lorebooks[i].Active = active
		return nil
	})
}

// Toggle flips a lorebook's active flag and returns the new value.
func (e *Engine) Toggle(name string) (bool, error) {
	var active bool
	err := e.store.Update(func(cfg *config.Config) error {
		i := indexOf(cfg.Lorebooks, name)
		if i < 0 {
			return ErrNotFound
		}
		cfg.Lorebooks[i].Active = !cfg.Lorebooks[i].Active
		active = cfg.Lorebooks[i].Active
		return nil
	})
	return active, err
}

func (e *Engine) Delete(name string) error {
	return e.store.Update(func(cfg *config.Config) error {
		i := indexOf(cfg.Lorebooks, name)
		if i < 0 {
			return ErrNotFound
		}
		cfg.Lorebooks = append(cfg.Lorebooks[:i], cfg.Lorebooks[i+1:]...)
		return nil
	})
}

// AddFragment appends an entry and returns its index.
func (e *Engine) AddFragment(book string, f config.Fragment) (int, error) {
	f, err := validateFragment(f)
	if err != nil {
		return 0, err
	}
	var index int
	err = e.store.Update(func(cfg *config.Config) error {
		i := indexOf(cfg.Lorebooks, book)
		if i < 0 {
			return ErrNotFound
		}
		cfg.Lorebooks[i].Entries = append(cfg.Lorebooks[i].Entries, f)
		index = len(cfg.Lorebooks[i].Entries) - 1
		return nil
	})
	return index, err
}

// UpdateFragment replaces the entry at index.
func (e *Engine) UpdateFragment(book string, index int, f config.Fragment) error {
	f, err := validateFragment(f)
	if err != nil {
		return err
	}
	return e.store.Update(func(cfg *config.Config) error {
		i := indexOf(cfg.Lorebooks, book)
		if i < 0 {
			return ErrNotFound
		}
		if index < 0 || index >= len(cfg.Lorebooks[i].Entries) {
			return ErrIndexOutOfRange
		}
		cfg.Lorebooks[i].Entries[index] = f
		return nil
	})
}

// DeleteFragment removes the entry at index; later entries shift down by one.
func (e *Engine) DeleteFragment(book string, index int) error {
	return e.store.Update(func(cfg *config.Config) error {
		i := indexOf(cfg.Lorebooks, book)
		if i < 0 {
			return ErrNotFound
		}
		entries := cfg.Lorebooks[i].Entries
		if index < 0 || index >= len(entries) {
			return ErrIndexOutOfRange
		}
		cfg.Lorebooks[i].Entries = append(entries[:index], entries[index+1:]...)
		return nil
	})
}

// validateFragment trims keywords, drops blank ones and enforces the
// constant/normal keyword rules.
func validateFragment(f config.Fragment) (config.Fragment, error) {
	var keywords []string
	for _, kw := range f.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	f.Keywords = keywords

	switch f.InsertionType {
	case config.InsertionConstant:
		if len(f.Keywords) > 0 {
			return f, ErrUnexpectedKeywords
		}
	case config.InsertionNormal:
		if len(f.Keywords) == 0 {
			return f, ErrMissingKeywords
		}
	default:
		return f, ErrInvalidType
	}
	return f, nil
}

func indexOf(books []config.Lorebook, name string) int {
	name = strings.TrimSpace(name)
	for i := range books {
		if strings.EqualFold(books[i].Name, name) {
			return i
		}
	}
	return -1
}
