// Package agent serializes chat handling per channel: commands, prompt
// assembly, the completion call and chunked delivery.
package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/history"
	"github.com/tomasmach/tavern/lorebook"
	"github.com/tomasmach/tavern/persona"
	"github.com/tomasmach/tavern/prompt"
)

// ErrorPrefix starts every reply that reports a backend failure.
const ErrorPrefix = "Error getting AI response: "

// Deps are the collaborators shared by every channel agent.
type Deps struct {
	Store  *config.Store
	LLM    Completer
	Sender Sender

	MessageLimit  int           // largest message the transport accepts
	CommandPrefix string        // defaults to "!"
	IdleTimeout   time.Duration // defaults to 10 minutes
}

func (d *Deps) setDefaults() {
	if d.MessageLimit <= 0 {
		d.MessageLimit = 2000
	}
	if d.CommandPrefix == "" {
		d.CommandPrefix = "!"
	}
	if d.IdleTimeout <= 0 {
		d.IdleTimeout = 10 * time.Minute
	}
}

// ChannelAgent is a per-channel goroutine. Messages for one channel are
// handled strictly in arrival order.
type ChannelAgent struct {
	channelID string
	guildID   string

	deps      Deps
	history   *history.Log
	personas  *persona.Registry
	lorebooks *lorebook.Engine
	assembler *prompt.Assembler
	logger    *slog.Logger

	lastActive atomic.Int64 // UnixNano; written by the agent goroutine, read by Status()
	msgCh      chan Message // buffered 100
	retire     func() bool  // reports whether the agent may exit after idling
}

func newChannelAgent(channelID, guildID string, deps Deps) *ChannelAgent {
	return &ChannelAgent{
		channelID: channelID,
		guildID:   guildID,
		deps:      deps,
		history:   history.New(deps.Store),
		personas:  persona.New(deps.Store),
		lorebooks: lorebook.New(deps.Store),
		assembler: prompt.New(deps.Store),
		logger:    slog.With("guild_id", guildID, "channel_id", channelID),
		msgCh:     make(chan Message, 100),
	}
}

func (a *ChannelAgent) run(ctx context.Context) {
	idleTimer := time.NewTimer(a.deps.IdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case msg := <-a.msgCh:
			a.handleMessage(ctx, msg)
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(a.deps.IdleTimeout)

		case <-idleTimer.C:
			if a.retire != nil && !a.retire() {
				idleTimer.Reset(a.deps.IdleTimeout)
				continue
			}
			a.logger.Debug("channel agent idle timeout")
			return

		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n := len(a.msgCh)
			for i := 0; i < n; i++ {
				a.handleMessage(drainCtx, <-a.msgCh)
			}
			return
		}
	}
}

// handleMessage reloads the document so edits made by the configuration UI
// are visible, then runs a command or a chat turn.
func (a *ChannelAgent) handleMessage(ctx context.Context, msg Message) {
	a.lastActive.Store(time.Now().UnixNano())

	if _, err := a.deps.Store.Reload(); err != nil {
		a.logger.Warn("reload config, using previous snapshot", tint.Err(err))
	}

	if a.handleCommand(ctx, msg) {
		return
	}
	a.handleChat(ctx, msg)
}

// handleChat records the user's turn, asks the backend for a reply and
// delivers it. A failed completion is reported in the channel and the user's
// turn stays in history.
func (a *ChannelAgent) handleChat(ctx context.Context, msg Message) {
	logger := a.logger.With("request_id", uuid.NewString())

	userCharID := persona.ActiveUserPersona(a.history.Recent(a.channelID), msg.AuthorID)
	userChar := a.personas.Get(persona.User, userCharID)

	// Assemble before recording the turn so the message is not in its own history window.
	res := a.assembler.Assemble(prompt.Request{
		Message:            msg.Content,
		ChannelID:          a.channelID,
		UserPersonaContext: persona.UserContext(userChar),
	})

	if err := a.history.Append(a.channelID, config.HistoryEntry{
		AuthorID:      msg.AuthorID,
		AuthorName:    msg.AuthorName,
		UserCharacter: userCharID,
		Content:       msg.Content,
		Role:          config.RoleUser,
	}); err != nil {
		logger.Error("record user turn", tint.Err(err))
	}

	stopTyping := a.startTyping(ctx)
	start := time.Now()
	reply, err := a.deps.LLM.Chat(ctx, res.Turns, res.Params)
	completionSeconds.Observe(time.Since(start).Seconds())
	stopTyping()
	if err != nil {
		completionsTotal.WithLabelValues("error").Inc()
		logger.Error("completion failed", tint.Err(err), "turns", len(res.Turns))
		a.reply(ctx, ErrorPrefix+err.Error())
		return
	}
	completionsTotal.WithLabelValues("ok").Inc()

	tags := a.deps.Store.Get().ThinkingTags
	if tags.Enabled {
		reply = StripThinking(reply, tags.StartTag, tags.EndTag)
	}
	if reply == "" {
		logger.Warn("empty reply from backend")
		return
	}

	entry := config.HistoryEntry{Content: reply, Role: config.RoleAssistant}
	if res.Persona != nil {
		entry.AuthorName = res.Persona.Name
	}
	if err := a.history.Append(a.channelID, entry); err != nil {
		logger.Error("record assistant turn", tint.Err(err))
	}

	logger.Info("reply", "chars", len([]rune(reply)))
	a.deliver(ctx, res.Persona, reply)
}

// startTyping sends a typing indicator immediately and refreshes every 8 seconds
// until the returned cancel function is called.
func (a *ChannelAgent) startTyping(ctx context.Context) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := a.deps.Sender.Typing(a.channelID); err != nil {
			a.logger.Warn("channel typing error", tint.Err(err))
		}
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.deps.Sender.Typing(a.channelID); err != nil {
					a.logger.Debug("channel typing refresh error", tint.Err(err))
				}
			case <-typingCtx.Done():
				return
			}
		}
	}()
	return cancel
}
