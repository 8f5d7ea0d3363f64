package bot

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasmach/tavern/agent"
	"github.com/tomasmach/tavern/config"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{6, 160 * time.Second},
		{7, 300 * time.Second},
		{100, 300 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(5*time.Second, 300*time.Second, tt.n), "n=%d", tt.n)
	}
}

func TestBackoffUncapped(t *testing.T) {
	assert.Equal(t, 8*time.Second, Backoff(time.Second, 0, 4))
	assert.Positive(t, Backoff(time.Second, 0, 500), "must not overflow")
}

type recordedWaits struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedWaits) wait(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func reconnect(retries int) config.ReconnectConfig {
	return config.ReconnectConfig{Enabled: true, MaxRetries: retries, BaseDelay: 1, MaxDelay: 3}
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	calls := 0
	open := func() error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}
	var w recordedWaits
	require.NoError(t, connect(context.Background(), open, reconnect(5), w.wait))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, w.delays)
}

func TestConnectGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	open := func() error {
		calls++
		return errors.New("gateway unavailable")
	}
	var w recordedWaits
	err := connect(context.Background(), open, reconnect(3), w.wait)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, 4, calls, "one attempt plus three retries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, w.delays)
}

func TestConnectDisabledTriesOnce(t *testing.T) {
	calls := 0
	open := func() error {
		calls++
		return errors.New("gateway unavailable")
	}
	rc := reconnect(5)
	rc.Enabled = false
	var w recordedWaits
	require.Error(t, connect(context.Background(), open, rc, w.wait))
	assert.Equal(t, 1, calls)
	assert.Empty(t, w.delays)
}

func TestConnectNeverRetriesAuthFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rest 401", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusUnauthorized}}},
		{"gateway close 4004", &websocket.CloseError{Code: 4004, Text: "Authentication failed."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			open := func() error {
				calls++
				return tt.err
			}
			var w recordedWaits
			err := connect(context.Background(), open, reconnect(5), w.wait)
			assert.ErrorIs(t, err, ErrAuthentication)
			assert.Equal(t, 1, calls)
			assert.Empty(t, w.delays)
		})
	}
}

func TestConnectStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open := func() error { return errors.New("gateway unavailable") }
	err := connect(ctx, open, reconnect(5), sleep)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToken(t *testing.T) {
	cfg := config.Default()
	cfg.Discord.Token = "from-file"

	t.Setenv("DISCORD_TOKEN", "")
	assert.Equal(t, "from-file", Token(cfg))

	t.Setenv("DISCORD_TOKEN", "from-env")
	assert.Equal(t, "from-env", Token(cfg))
}

func TestToMessage(t *testing.T) {
	msg := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "c1", GuildID: "g1", Content: "hello",
		Author: &discordgo.User{ID: "u1", Username: "alice", GlobalName: "Alice"},
		Member: &discordgo.Member{Nick: "Ali"},
	}}
	assert.Equal(t, agent.Message{
		ID: "m1", ChannelID: "c1", GuildID: "g1", AuthorID: "u1", AuthorName: "Ali", Content: "hello",
	}, toMessage(msg))

	msg.Member = nil
	assert.Equal(t, "Alice", toMessage(msg).AuthorName)
	msg.Author.GlobalName = ""
	assert.Equal(t, "alice", toMessage(msg).AuthorName)
}

type fakeAPI struct {
	mu          sync.Mutex
	texts       []string
	files       []string
	executed    []*discordgo.WebhookParams
	hooks       []*discordgo.Webhook
	created     int
	webhooksErr error
}

func (f *fakeAPI) ChannelMessageSend(_, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, content)
	return &discordgo.Message{}, nil
}

func (f *fakeAPI) ChannelFileSend(_, name string, r io.Reader, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, _ := io.ReadAll(r)
	f.files = append(f.files, name+":"+string(data))
	return &discordgo.Message{}, nil
}

func (f *fakeAPI) ChannelTyping(string, ...discordgo.RequestOption) error { return nil }

func (f *fakeAPI) ChannelWebhooks(string, ...discordgo.RequestOption) ([]*discordgo.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hooks, f.webhooksErr
}

func (f *fakeAPI) WebhookCreate(channelID, name, _ string, _ ...discordgo.RequestOption) (*discordgo.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	wh := &discordgo.Webhook{ID: "wh1", Token: "tok", Name: name, ChannelID: channelID}
	f.hooks = append(f.hooks, wh)
	return wh, nil
}

func (f *fakeAPI) WebhookExecute(_, _ string, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, data)
	return &discordgo.Message{}, nil
}

func TestSendAsCreatesWebhookOnce(t *testing.T) {
	api := &fakeAPI{}
	s := NewSender(api)
	id := agent.Identity{Name: "Aria", AvatarURL: "https://cdn.example.com/aria.png"}

	require.NoError(t, s.SendAs(context.Background(), "c1", id, "one"))
	require.NoError(t, s.SendAs(context.Background(), "c1", id, "two"))

	assert.Equal(t, 1, api.created)
	require.Len(t, api.executed, 2)
	assert.Equal(t, "Aria", api.executed[0].Username)
	assert.Equal(t, "https://cdn.example.com/aria.png", api.executed[0].AvatarURL)
	assert.Equal(t, "two", api.executed[1].Content)
}

func TestSendAsReusesExistingWebhook(t *testing.T) {
	api := &fakeAPI{hooks: []*discordgo.Webhook{
		{ID: "other", Name: "someone-else", Token: "x"},
		{ID: "mine", Name: webhookName, Token: "y"},
	}}
	s := NewSender(api)
	require.NoError(t, s.SendAs(context.Background(), "c1", agent.Identity{Name: "Aria"}, "hi"))
	assert.Zero(t, api.created)
}

func TestSendAsFallsBackWithoutWebhooks(t *testing.T) {
	api := &fakeAPI{webhooksErr: errors.New("HTTP 403 Forbidden")}
	s := NewSender(api)
	require.NoError(t, s.SendAs(context.Background(), "dm", agent.Identity{Name: "Aria"}, "hello"))
	assert.Equal(t, []string{"**Aria**: hello"}, api.texts)
	assert.Empty(t, api.executed)
}

func TestSendFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aria.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))

	api := &fakeAPI{}
	s := NewSender(api)
	require.NoError(t, s.SendFile(context.Background(), "c1", nil, path))
	assert.Equal(t, []string{"aria.png:png"}, api.files)

	require.NoError(t, s.SendFile(context.Background(), "c1", &agent.Identity{Name: "Aria"}, path))
	require.Len(t, api.executed, 1)
	require.Len(t, api.executed[0].Files, 1)
	assert.Equal(t, "aria.png", api.executed[0].Files[0].Name)
	assert.Equal(t, "image/png", api.executed[0].Files[0].ContentType)

	assert.Error(t, s.SendFile(context.Background(), "c1", nil, filepath.Join(t.TempDir(), "missing.png")))
}
