package agent

import (
	"context"

	"github.com/tomasmach/tavern/prompt"
)

// Message is an inbound chat message, already filtered of bot and self messages.
type Message struct {
	ID         string
	ChannelID  string
	GuildID    string
	AuthorID   string
	AuthorName string
	Content    string
}

// Identity is the name and avatar a reply is posted under.
type Identity struct {
	Name      string
	AvatarURL string
}

// Sender delivers replies to the chat platform.
type Sender interface {
	SendText(ctx context.Context, channelID, content string) error
	// SendAs posts content under id instead of the bot's own identity.
	SendAs(ctx context.Context, channelID string, id Identity, content string) error
	// SendFile uploads the file at path, under id when it is non-nil.
	SendFile(ctx context.Context, channelID string, id *Identity, path string) error
	Typing(channelID string) error
}

// Completer is the completion backend.
type Completer interface {
	Chat(ctx context.Context, turns []prompt.Turn, params prompt.Params) (string, error)
}
