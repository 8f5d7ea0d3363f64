package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ChannelStatus describes the current state of an active channel agent.
type ChannelStatus struct {
	ChannelID  string    `json:"channel_id"`
	GuildID    string    `json:"guild_id"`
	LastActive time.Time `json:"last_active"`
	QueueDepth int       `json:"queue_depth"`
}

// Router manages per-channel ChannelAgents.
type Router struct {
	mu     sync.Mutex
	agents map[string]*ChannelAgent // keyed by channelID
	ctx    context.Context
	deps   Deps
	wg     sync.WaitGroup
}

// NewRouter creates a new Router. Agents stop when ctx is cancelled.
func NewRouter(ctx context.Context, deps Deps) *Router {
	deps.setDefaults()
	return &Router{
		agents: make(map[string]*ChannelAgent),
		ctx:    ctx,
		deps:   deps,
	}
}

// Route delivers a message to the appropriate channel agent, spawning one if
// needed. A channel never has more than one agent: when its buffer is full,
// Route blocks until the agent catches up or the router is cancelled.
func (r *Router) Route(msg Message) {
	channelID := msg.ChannelID

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}

	if a, ok := r.agents[channelID]; ok {
		select {
		case a.msgCh <- msg:
			r.mu.Unlock()
			return
		default:
		}
		// A full buffer keeps the agent from retiring, so it stays alive
		// until it has room.
		r.mu.Unlock()
		slog.Warn("agent buffer full, waiting", "channel_id", channelID)
		select {
		case a.msgCh <- msg:
		case <-r.ctx.Done():
			slog.Warn("router stopped, dropping message", "channel_id", channelID)
		}
		return
	}

	a := newChannelAgent(channelID, msg.GuildID, r.deps)
	a.retire = func() bool { return r.retire(a) }
	r.agents[channelID] = a
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		a.run(r.ctx)
		r.mu.Lock()
		if r.agents[channelID] == a {
			delete(r.agents, channelID)
		}
		r.mu.Unlock()
	}()
	a.msgCh <- msg // guaranteed to succeed (buffer just created, size 100)
	r.mu.Unlock()
}

// retire removes an idle agent unless a message was queued for it after its
// idle timer fired.
func (r *Router) retire(a *ChannelAgent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(a.msgCh) > 0 {
		return false
	}
	if r.agents[a.channelID] == a {
		delete(r.agents, a.channelID)
	}
	return true
}

// Status returns a snapshot of all active channel agents.
func (r *Router) Status() []ChannelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]ChannelStatus, 0, len(r.agents))
	for _, a := range r.agents {
		statuses = append(statuses, ChannelStatus{
			ChannelID:  a.channelID,
			GuildID:    a.guildID,
			LastActive: time.Unix(0, a.lastActive.Load()),
			QueueDepth: len(a.msgCh),
		})
	}
	return statuses
}

// WaitForDrain waits for all active agents to finish, up to 30 seconds.
func (r *Router) WaitForDrain() {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("drain timeout: some agents did not finish within 30s")
	}
}
