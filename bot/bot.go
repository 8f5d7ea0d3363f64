// Package bot provides the Discord gateway wrapper, the reply sender and the
// connect loop.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"

	"github.com/tomasmach/tavern/agent"
	"github.com/tomasmach/tavern/config"
)

// ErrAuthentication means Discord rejected the token. It is never retried.
var ErrAuthentication = errors.New("discord authentication failed")

// closeAuthenticationFailed is the gateway close code for an invalid token.
const closeAuthenticationFailed = 4004

// Token returns the bot token: DISCORD_TOKEN when set, otherwise the persisted
// one. The environment value is never written to the document.
func Token(cfg *config.Config) string {
	if t := os.Getenv("DISCORD_TOKEN"); t != "" {
		return t
	}
	return cfg.Discord.Token
}

// Bot wraps the Discord session and message routing.
type Bot struct {
	session *discordgo.Session
	router  *agent.Router
}

// New creates a new Bot, configures intents, and registers message handlers.
// The router must be set via SetRouter before the bot starts receiving messages.
func New(token string) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	b := &Bot{session: session}
	session.AddHandler(b.onMessageCreate)

	return b, nil
}

// Session returns the underlying Discord session.
func (b *Bot) Session() *discordgo.Session {
	return b.session
}

// SetRouter wires a Router into the bot for message dispatch.
func (b *Bot) SetRouter(r *agent.Router) {
	b.router = r
}

// Connect opens the gateway, retrying with exponential backoff as configured.
func (b *Bot) Connect(ctx context.Context, rc config.ReconnectConfig) error {
	return connect(ctx, b.session.Open, rc, sleep)
}

// Stop closes the Discord gateway connection.
func (b *Bot) Stop() error {
	return b.session.Close()
}

// onMessageCreate handles incoming Discord messages.
func (b *Bot) onMessageCreate(s *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil {
		return
	}
	if s.State != nil && s.State.User != nil && msg.Author.ID == s.State.User.ID {
		return
	}
	if msg.Author.Bot || msg.WebhookID != "" {
		return
	}
	if b.router == nil {
		slog.Warn("message received but router not set, dropping", "channel_id", msg.ChannelID)
		return
	}
	b.router.Route(toMessage(msg))
}

func toMessage(msg *discordgo.MessageCreate) agent.Message {
	return agent.Message{
		ID:         msg.ID,
		ChannelID:  msg.ChannelID,
		GuildID:    msg.GuildID,
		AuthorID:   msg.Author.ID,
		AuthorName: displayName(msg.Member, msg.Author),
		Content:    msg.Content,
	}
}

func displayName(member *discordgo.Member, u *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// Backoff returns the delay before retry n (1-based): base*2^(n-1), capped at
// ceiling. A non-positive ceiling disables the cap.
func Backoff(base, ceiling time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		if ceiling > 0 && d >= ceiling {
			break
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

func connect(ctx context.Context, open func() error, rc config.ReconnectConfig, wait func(context.Context, time.Duration) error) error {
	for attempt := 1; ; attempt++ {
		err := open()
		if err == nil {
			return nil
		}
		if isAuthError(err) {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		if !rc.Enabled || attempt > rc.MaxRetries {
			return fmt.Errorf("connect to discord after %d attempts: %w", attempt, err)
		}
		delay := Backoff(rc.BaseDelayDuration(), rc.MaxDelayDuration(), attempt)
		slog.Warn("discord connect failed, retrying", tint.Err(err), "attempt", attempt, "delay", delay)
		if err := wait(ctx, delay); err != nil {
			return err
		}
	}
}

func isAuthError(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusUnauthorized {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code == closeAuthenticationFailed
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
