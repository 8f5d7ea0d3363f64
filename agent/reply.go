package agent

import (
	"context"
	"regexp"
	"strings"

	"github.com/lmittmann/tint"

	"github.com/tomasmach/tavern/chunk"
	"github.com/tomasmach/tavern/config"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

// StripThinking removes every start...end block from text, shortest match
// first and across newlines, then collapses runs of three or more newlines to
// two and trims the result. Empty tags leave text unchanged.
func StripThinking(text, startTag, endTag string) string {
	if startTag == "" || endTag == "" {
		return text
	}
	re := regexp.MustCompile(`(?s)` + regexp.QuoteMeta(startTag) + `.*?` + regexp.QuoteMeta(endTag))
	text = re.ReplaceAllString(text, "")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func identityOf(c *config.Character) *Identity {
	if c == nil {
		return nil
	}
	name := c.Name
	if name == "" {
		name = c.ID
	}
	return &Identity{Name: name, AvatarURL: c.Avatar.URL}
}

// deliver posts text to the channel under the character's identity, splitting
// it into pieces of at most limit characters. When it has to split, the
// character's avatar goes out first as a message of its own.
func (a *ChannelAgent) deliver(ctx context.Context, char *config.Character, text string) {
	id := identityOf(char)
	pieces := chunk.Split(text, a.deps.MessageLimit)

	if len(pieces) > 1 {
		chunkedRepliesTotal.Inc()
		if char != nil && !char.Avatar.IsZero() {
			a.sendAvatar(ctx, id, char.Avatar)
		}
	}
	for _, p := range pieces {
		if err := a.send(ctx, id, p); err != nil {
			a.logger.Error("send message", tint.Err(err))
		}
	}
}

func (a *ChannelAgent) sendAvatar(ctx context.Context, id *Identity, avatar config.AvatarRef) {
	var err error
	if avatar.LocalPath != "" {
		err = a.deps.Sender.SendFile(ctx, a.channelID, id, config.ExpandPath(avatar.LocalPath))
	} else {
		err = a.send(ctx, id, avatar.URL)
	}
	if err != nil {
		// The text still goes out without the avatar.
		a.logger.Warn("send avatar", tint.Err(err))
	}
}

func (a *ChannelAgent) send(ctx context.Context, id *Identity, content string) error {
	if id == nil {
		return a.deps.Sender.SendText(ctx, a.channelID, content)
	}
	return a.deps.Sender.SendAs(ctx, a.channelID, *id, content)
}

// reply sends feedback under the bot's own identity.
func (a *ChannelAgent) reply(ctx context.Context, content string) {
	for _, p := range chunk.Split(content, a.deps.MessageLimit) {
		if err := a.deps.Sender.SendText(ctx, a.channelID, p); err != nil {
			a.logger.Error("send message", tint.Err(err))
		}
	}
}
