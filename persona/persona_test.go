package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasmach/tavern/config"
)

func newTestRegistry(t *testing.T, chars ...config.Character) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.Characters = chars
	return New(config.NewStoreFromConfig(cfg))
}

func TestResolvePrecedence(t *testing.T) {
	r := newTestRegistry(t,
		config.Character{ID: "aria", Name: "Aria"},
		config.Character{ID: "bram", Name: "Bram"},
	)
	require.NoError(t, r.BindChannel("c1", "BRAM"))

	tests := []struct {
		name      string
		personaID string
		channelID string
		want      string
	}{
		{"explicit id wins over binding", "Aria", "c1", "aria"},
		{"channel binding", "", "c1", "bram"},
		{"first registered fallback", "", "c2", "aria"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.personaID, tt.channelID)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}

	assert.Nil(t, r.Resolve("ghost", "c1"), "unknown explicit id resolves to nothing")
}

func TestResolveEmptyRegistry(t *testing.T) {
	r := newTestRegistry(t)
	assert.Nil(t, r.Resolve("", "c1"))
}

func TestResolveDanglingBinding(t *testing.T) {
	cfg := config.Default()
	cfg.Characters = []config.Character{{ID: "aria"}}
	cfg.ChannelCharacters["c1"] = "deleted"
	assert.Nil(t, Resolve(cfg, "", "c1"))
}

func TestAddRejectsDuplicatesCaseInsensitively(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(AI, config.Character{ID: "Aria", Name: "Aria"}))
	assert.ErrorIs(t, r.Add(AI, config.Character{ID: "ARIA"}), ErrDuplicateID)
	assert.ErrorIs(t, r.Add(AI, config.Character{ID: "  "}), ErrInvalidID)

	// The user list is a separate namespace.
	require.NoError(t, r.Add(User, config.Character{ID: "aria"}))

	got := r.Get(AI, "aRiA")
	require.NotNil(t, got)
	assert.Equal(t, "aria", got.ID)
	assert.Len(t, r.List(AI), 1)
	assert.Len(t, r.List(User), 1)
}

func TestUpdateRenamesBindings(t *testing.T) {
	r := newTestRegistry(t, config.Character{ID: "aria"}, config.Character{ID: "bram"})
	require.NoError(t, r.BindChannel("c1", "aria"))

	require.NoError(t, r.Update(AI, "aria", config.Character{ID: "Aurora", Description: "new"}))
	id, ok := r.Binding("c1")
	require.True(t, ok)
	assert.Equal(t, "aurora", id)
	assert.Equal(t, "new", r.Get(AI, "aurora").Description)

	assert.ErrorIs(t, r.Update(AI, "aurora", config.Character{ID: "bram"}), ErrDuplicateID)
	assert.ErrorIs(t, r.Update(AI, "ghost", config.Character{ID: "ghost"}), ErrNotFound)
}

func TestDeleteDropsBindings(t *testing.T) {
	r := newTestRegistry(t, config.Character{ID: "aria"}, config.Character{ID: "bram"})
	require.NoError(t, r.BindChannel("c1", "bram"))

	require.NoError(t, r.Delete(AI, "BRAM"))
	_, ok := r.Binding("c1")
	assert.False(t, ok)
	assert.Equal(t, "aria", r.Resolve("", "c1").ID)
	assert.ErrorIs(t, r.Delete(AI, "bram"), ErrNotFound)
}

func TestBindChannel(t *testing.T) {
	r := newTestRegistry(t, config.Character{ID: "aria"})
	assert.ErrorIs(t, r.BindChannel("c1", "ghost"), ErrNotFound)

	require.NoError(t, r.BindChannel("c1", "aria"))
	require.NoError(t, r.UnbindChannel("c1"))
	require.NoError(t, r.UnbindChannel("never-bound"))
	_, ok := r.Binding("c1")
	assert.False(t, ok)
}

func TestActiveUserPersona(t *testing.T) {
	window := []config.HistoryEntry{
		{AuthorID: "u1", UserCharacter: "knight", Role: config.RoleUser},
		{AuthorID: "u2", UserCharacter: "thief", Role: config.RoleUser},
		{AuthorID: "u1", UserCharacter: "mage", Role: config.RoleMarker},
		{AuthorID: "u1", Role: config.RoleUser},
		{Role: config.RoleAssistant},
	}
	assert.Equal(t, "mage", ActiveUserPersona(window, "u1"), "markers are scanned")
	assert.Equal(t, "thief", ActiveUserPersona(window, "u2"))
	assert.Empty(t, ActiveUserPersona(window, "u3"))
	assert.Empty(t, ActiveUserPersona(nil, "u1"))
}

func TestSystemText(t *testing.T) {
	assert.Equal(t, FallbackSystemText, SystemText(nil))
	assert.Equal(t, "A bard.", SystemText(&config.Character{Description: "A bard."}))
	assert.Equal(t, "A bard.\n\nScenario: A tavern at dusk.",
		SystemText(&config.Character{Description: "A bard.", Scenario: "A tavern at dusk."}))
	assert.Equal(t, FallbackSystemText, SystemText(&config.Character{ID: "blank"}))
}

func TestUserContext(t *testing.T) {
	assert.Empty(t, UserContext(nil))
	assert.Equal(t, "User is playing as Sir Roland. Character description: A weary knight.",
		UserContext(&config.Character{ID: "knight", Name: "Sir Roland", Description: "A weary knight."}))
	assert.Equal(t, "User is playing as knight. Character description: ",
		UserContext(&config.Character{ID: "knight"}))
}
