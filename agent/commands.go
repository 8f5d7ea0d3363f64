package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lmittmann/tint"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/history"
	"github.com/tomasmach/tavern/lorebook"
	"github.com/tomasmach/tavern/persona"
)

type commandFunc func(a *ChannelAgent, ctx context.Context, msg Message, args []string) string

var commands = map[string]commandFunc{
	"character":  (*ChannelAgent).cmdCharacter,
	"unbind":     (*ChannelAgent).cmdUnbind,
	"as":         (*ChannelAgent).cmdAs,
	"clear":      (*ChannelAgent).cmdClear,
	"lorebook":   (*ChannelAgent).cmdLorebook,
	"limit":      (*ChannelAgent).cmdLimit,
	"preset":     (*ChannelAgent).cmdPreset,
	"characters": (*ChannelAgent).cmdCharacters,
}

// handleCommand runs msg as a command if it names one and reports whether it
// did. Anything else, including unknown "!words", is chat.
func (a *ChannelAgent) handleCommand(ctx context.Context, msg Message) bool {
	text, ok := strings.CutPrefix(strings.TrimSpace(msg.Content), a.deps.CommandPrefix)
	if !ok {
		return false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	fn, ok := commands[strings.ToLower(fields[0])]
	if !ok {
		return false
	}
	a.logger.Debug("command", "name", fields[0], "author_id", msg.AuthorID)
	a.reply(ctx, fn(a, ctx, msg, fields[1:]))
	return true
}

func (a *ChannelAgent) cmdCharacter(_ context.Context, _ Message, args []string) string {
	if len(args) == 0 {
		c := a.personas.Resolve("", a.channelID)
		if c == nil {
			return "No character is configured."
		}
		if _, bound := a.personas.Binding(a.channelID); !bound {
			return fmt.Sprintf("Current character: %s (%s, default)", c.Name, c.ID)
		}
		return fmt.Sprintf("Current character: %s (%s)", c.Name, c.ID)
	}
	id := strings.Join(args, " ")
	if err := a.personas.BindChannel(a.channelID, id); err != nil {
		if errors.Is(err, persona.ErrNotFound) {
			return fmt.Sprintf("Unknown character: %s", id)
		}
		a.logger.Error("bind channel", tint.Err(err))
		return "Could not save the channel character."
	}
	c := a.personas.Get(persona.AI, id)
	return fmt.Sprintf("Channel character set to %s.", c.Name)
}

func (a *ChannelAgent) cmdUnbind(_ context.Context, _ Message, _ []string) string {
	if _, bound := a.personas.Binding(a.channelID); !bound {
		return "This channel has no character binding."
	}
	if err := a.personas.UnbindChannel(a.channelID); err != nil {
		a.logger.Error("unbind channel", tint.Err(err))
		return "Could not save the channel character."
	}
	return "Channel character binding removed."
}

// cmdAs switches the author's user character. The switch is recorded as a
// history marker; see persona.ActiveUserPersona.
func (a *ChannelAgent) cmdAs(_ context.Context, msg Message, args []string) string {
	if len(args) == 0 {
		current := a.personas.Get(persona.User, persona.ActiveUserPersona(a.history.Recent(a.channelID), msg.AuthorID))
		if current == nil {
			return "You are not playing a character. Usage: " + a.deps.CommandPrefix + "as <user character>"
		}
		return fmt.Sprintf("You are playing as %s.", current.Name)
	}
	id := strings.Join(args, " ")
	c := a.personas.Get(persona.User, id)
	if c == nil {
		return fmt.Sprintf("Unknown user character: %s", id)
	}
	err := a.history.Append(a.channelID, config.HistoryEntry{
		AuthorID:      msg.AuthorID,
		AuthorName:    msg.AuthorName,
		UserCharacter: c.ID,
		Content:       fmt.Sprintf("%s switched active persona to %s", msg.AuthorName, c.Name),
		Role:          config.RoleMarker,
	})
	if err != nil {
		a.logger.Error("record persona switch", tint.Err(err))
		return "Could not save the persona switch."
	}
	return fmt.Sprintf("%s is now playing as %s.", msg.AuthorName, c.Name)
}

func (a *ChannelAgent) cmdClear(_ context.Context, _ Message, _ []string) string {
	if err := a.history.Clear(a.channelID); err != nil {
		a.logger.Error("clear history", tint.Err(err))
		return "Could not clear the chat history."
	}
	return "Chat history cleared."
}

func (a *ChannelAgent) cmdLorebook(_ context.Context, _ Message, args []string) string {
	if len(args) == 0 {
		books := a.lorebooks.List()
		if len(books) == 0 {
			return "No lorebooks."
		}
		var sb strings.Builder
		sb.WriteString("Lorebooks:")
		for _, lb := range books {
			state := "off"
			if lb.Active {
				state = "on"
			}
			fmt.Fprintf(&sb, "\n- %s (%s, %d entries)", lb.Name, state, len(lb.Entries))
		}
		return sb.String()
	}

	usage := "Usage: " + a.deps.CommandPrefix + "lorebook <name> on|off"
	if len(args) < 2 {
		return usage
	}
	var active bool
	switch strings.ToLower(args[len(args)-1]) {
	case "on":
		active = true
	case "off":
	default:
		return usage
	}
	name := strings.Join(args[:len(args)-1], " ")
	if err := a.lorebooks.SetActive(name, active); err != nil {
		if errors.Is(err, lorebook.ErrNotFound) {
			return fmt.Sprintf("Unknown lorebook: %s", name)
		}
		a.logger.Error("toggle lorebook", tint.Err(err))
		return "Could not save the lorebook."
	}
	if active {
		return fmt.Sprintf("Lorebook %s enabled.", name)
	}
	return fmt.Sprintf("Lorebook %s disabled.", name)
}

func (a *ChannelAgent) cmdLimit(_ context.Context, _ Message, args []string) string {
	if len(args) == 0 {
		return fmt.Sprintf("Chat history limit: %d", a.history.Limit())
	}
	n, err := a.history.SetLimit(history.ParseLimit(args[0]))
	if err != nil {
		a.logger.Error("set history limit", tint.Err(err))
		return "Could not save the chat history limit."
	}
	return fmt.Sprintf("Chat history limit set to %d.", n)
}

func (a *ChannelAgent) cmdPreset(_ context.Context, _ Message, args []string) string {
	cfg := a.deps.Store.Get()
	if len(args) == 0 {
		if p := cfg.FindPreset(cfg.ActivePresetName()); p != nil {
			return fmt.Sprintf("Active preset: %s", p.Name)
		}
		return "No preset is active."
	}
	name := strings.Join(args, " ")
	if strings.EqualFold(name, "none") {
		if err := a.setPreset(nil); err != nil {
			return "Could not save the preset."
		}
		return "Preset deactivated."
	}
	p := cfg.FindPreset(name)
	if p == nil {
		return fmt.Sprintf("Unknown preset: %s", name)
	}
	presetName := p.Name
	if err := a.setPreset(&presetName); err != nil {
		return "Could not save the preset."
	}
	return fmt.Sprintf("Preset %s activated.", presetName)
}

func (a *ChannelAgent) setPreset(name *string) error {
	err := a.deps.Store.Update(func(cfg *config.Config) error {
		cfg.ActivePreset = name
		return nil
	})
	if err != nil {
		a.logger.Error("set active preset", tint.Err(err))
	}
	return err
}

func (a *ChannelAgent) cmdCharacters(_ context.Context, _ Message, _ []string) string {
	var sb strings.Builder
	list := func(title string, chars []config.Character) {
		sb.WriteString(title)
		if len(chars) == 0 {
			sb.WriteString(" none")
		}
		for _, c := range chars {
			fmt.Fprintf(&sb, "\n- %s (%s)", c.Name, c.ID)
		}
	}
	list("Characters:", a.personas.List(persona.AI))
	sb.WriteString("\n")
	list("User characters:", a.personas.List(persona.User))
	return sb.String()
}
