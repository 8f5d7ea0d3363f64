package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"

	"github.com/tomasmach/tavern/agent"
)

// webhookName names the webhook the bot creates in each channel to post under
// character identities.
const webhookName = "tavern"

// discordAPI is the subset of *discordgo.Session the Sender uses.
type discordAPI interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelFileSend(channelID, name string, r io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Sender posts replies. Identity sends go through a per-channel webhook; when
// the channel cannot have one (DMs, missing permission) the text is sent as
// the bot with the character name in front.
type Sender struct {
	api discordAPI

	mu       sync.Mutex
	webhooks map[string]*discordgo.Webhook // keyed by channelID
}

func NewSender(api discordAPI) *Sender {
	return &Sender{api: api, webhooks: make(map[string]*discordgo.Webhook)}
}

var _ agent.Sender = (*Sender)(nil)

// NewRESTSender returns a Sender over a session that never opens the gateway,
// for processes that only post messages.
func NewRESTSender(token string) (*Sender, error) {
	if token == "" {
		return nil, errors.New("discord token is not set")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return NewSender(session), nil
}

func (s *Sender) SendText(ctx context.Context, channelID, content string) error {
	_, err := s.api.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return err
}

func (s *Sender) SendAs(ctx context.Context, channelID string, id agent.Identity, content string) error {
	wh, err := s.webhook(ctx, channelID)
	if err != nil {
		slog.Debug("webhook unavailable, sending as bot", tint.Err(err), "channel_id", channelID)
		return s.SendText(ctx, channelID, fmt.Sprintf("**%s**: %s", id.Name, content))
	}
	_, err = s.api.WebhookExecute(wh.ID, wh.Token, false, &discordgo.WebhookParams{
		Content:   content,
		Username:  id.Name,
		AvatarURL: id.AvatarURL,
	}, discordgo.WithContext(ctx))
	if err != nil {
		s.forget(channelID)
		return fmt.Errorf("execute webhook: %w", err)
	}
	return nil
}

func (s *Sender) SendFile(ctx context.Context, channelID string, id *agent.Identity, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	name := filepath.Base(path)

	if id != nil {
		if wh, err := s.webhook(ctx, channelID); err == nil {
			_, err = s.api.WebhookExecute(wh.ID, wh.Token, false, &discordgo.WebhookParams{
				Username:  id.Name,
				AvatarURL: id.AvatarURL,
				Files: []*discordgo.File{{
					Name:        name,
					ContentType: mime.TypeByExtension(filepath.Ext(name)),
					Reader:      f,
				}},
			}, discordgo.WithContext(ctx))
			if err != nil {
				s.forget(channelID)
				return fmt.Errorf("execute webhook: %w", err)
			}
			return nil
		}
	}
	_, err = s.api.ChannelFileSend(channelID, name, f, discordgo.WithContext(ctx))
	return err
}

func (s *Sender) Typing(channelID string) error {
	return s.api.ChannelTyping(channelID)
}

// webhook returns the channel's tavern webhook, creating it on first use.
func (s *Sender) webhook(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wh, ok := s.webhooks[channelID]; ok {
		return wh, nil
	}

	hooks, err := s.api.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	for _, wh := range hooks {
		if wh.Name == webhookName && wh.Token != "" {
			s.webhooks[channelID] = wh
			return wh, nil
		}
	}

	wh, err := s.api.WebhookCreate(channelID, webhookName, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	s.webhooks[channelID] = wh
	return wh, nil
}

// forget drops a cached webhook, e.g. after it was deleted in Discord.
func (s *Sender) forget(channelID string) {
	s.mu.Lock()
	delete(s.webhooks, channelID)
	s.mu.Unlock()
}
