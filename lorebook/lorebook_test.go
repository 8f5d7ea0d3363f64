package lorebook_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/lorebook"
)

func newEngine(t *testing.T) *lorebook.Engine {
	t.Helper()
	return lorebook.New(config.NewStoreFromConfig(config.Default()))
}

// worldEngine builds the "world" lorebook used by several scenarios.
func worldEngine(t *testing.T) *lorebook.Engine {
	t.Helper()
	e := newEngine(t)
	require.NoError(t, e.Create("world"))
	_, err := e.AddFragment("world", config.Fragment{Content: "magic everywhere", InsertionType: config.InsertionConstant})
	require.NoError(t, err)
	_, err = e.AddFragment("world", config.Fragment{
		Content:       "dragons are ancient",
		InsertionType: config.InsertionNormal,
		Keywords:      []string{"dragon", "dragons"},
	})
	require.NoError(t, err)
	return e
}

func TestMatchActiveLorebook(t *testing.T) {
	e := worldEngine(t)
	assert.Equal(t, []string{"magic everywhere", "dragons are ancient"}, e.Match("tell me about dragons"))
}

func TestMatchInactiveLorebook(t *testing.T) {
	e := worldEngine(t)
	require.NoError(t, e.SetActive("world", false))
	assert.Empty(t, e.Match("tell me about dragons"))
}

func TestMatchToggleOnTakesEffectImmediately(t *testing.T) {
	e := worldEngine(t)
	require.NoError(t, e.SetActive("WORLD", false))
	assert.Empty(t, e.Match("nothing relevant"))

	active, err := e.Toggle("world")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, []string{"magic everywhere"}, e.Match("nothing relevant"))
}

func TestMatchCaseInsensitiveSubstring(t *testing.T) {
	e := worldEngine(t)
	got := e.Match("Tell me about DRAGONS")
	assert.Equal(t, []string{"magic everywhere", "dragons are ancient"}, got, "entry contributes once even though both keywords match")
}

func TestMatchOrderFollowsRegistration(t *testing.T) {
	books := []config.Lorebook{
		{Name: "b", Active: true, Entries: []config.Fragment{
			{Content: "b-normal", InsertionType: config.InsertionNormal, Keywords: []string{"elf"}},
			{Content: "b-const", InsertionType: config.InsertionConstant},
		}},
		{Name: "off", Active: false, Entries: []config.Fragment{
			{Content: "hidden", InsertionType: config.InsertionConstant},
			{Content: "hidden-kw", InsertionType: config.InsertionNormal, Keywords: []string{"elf"}},
		}},
		{Name: "a", Active: true, Entries: []config.Fragment{
			{Content: "a-const", InsertionType: config.InsertionConstant},
		}},
	}
	assert.Equal(t, []string{"b-normal", "b-const", "a-const"}, lorebook.Match(books, "an Elf appears"))
	assert.Equal(t, []string{"b-const", "a-const"}, lorebook.Match(books, "a dwarf appears"))
}

func TestMatchSkipsBlankKeywords(t *testing.T) {
	books := []config.Lorebook{{Name: "x", Active: true, Entries: []config.Fragment{
		{Content: "never", InsertionType: config.InsertionNormal, Keywords: []string{""}},
	}}}
	assert.Empty(t, lorebook.Match(books, "anything"))
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Create("World"))
	assert.ErrorIs(t, e.Create("world"), lorebook.ErrDuplicateName)
	assert.ErrorIs(t, e.Create("  "), lorebook.ErrEmptyName)
}

func TestRename(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Create("world"))
	require.NoError(t, e.Create("people"))

	assert.ErrorIs(t, e.Rename("world", "PEOPLE"), lorebook.ErrDuplicateName)
	assert.ErrorIs(t, e.Rename("missing", "x"), lorebook.ErrNotFound)
	require.NoError(t, e.Rename("world", "World"), "case-only rename is allowed")

	lb, ok := e.Get("world")
	require.True(t, ok)
	assert.Equal(t, "World", lb.Name)
}

func TestDelete(t *testing.T) {
	e := worldEngine(t)
	require.NoError(t, e.Delete("world"))
	_, ok := e.Get("world")
	assert.False(t, ok)
	assert.ErrorIs(t, e.Delete("world"), lorebook.ErrNotFound)
}

func TestFragmentValidation(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Create("world"))

	tests := []struct {
		name string
		f    config.Fragment
		want error
	}{
		{"normal without keywords", config.Fragment{Content: "x", InsertionType: config.InsertionNormal}, lorebook.ErrMissingKeywords},
		{"normal with blank keywords", config.Fragment{Content: "x", InsertionType: config.InsertionNormal, Keywords: []string{" ", ""}}, lorebook.ErrMissingKeywords},
		{"constant with keywords", config.Fragment{Content: "x", InsertionType: config.InsertionConstant, Keywords: []string{"k"}}, lorebook.ErrUnexpectedKeywords},
		{"unknown type", config.Fragment{Content: "x", InsertionType: "sometimes"}, lorebook.ErrInvalidType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AddFragment("world", tt.f)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, e.UpdateFragment("world", 0, tt.f), tt.want)
		})
	}

	lb, _ := e.Get("world")
	assert.Empty(t, lb.Entries, "rejected fragments are never stored")

	_, err := e.AddFragment("missing", config.Fragment{Content: "x", InsertionType: config.InsertionConstant})
	assert.ErrorIs(t, err, lorebook.ErrNotFound)
}

func TestFragmentIndices(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Create("world"))
	for _, c := range []string{"zero", "one", "two"} {
		_, err := e.AddFragment("world", config.Fragment{Content: c, InsertionType: config.InsertionConstant})
		require.NoError(t, err)
	}

	assert.ErrorIs(t, e.DeleteFragment("world", 3), lorebook.ErrIndexOutOfRange)
	assert.ErrorIs(t, e.DeleteFragment("world", -1), lorebook.ErrIndexOutOfRange)
	assert.ErrorIs(t, e.UpdateFragment("world", 5, config.Fragment{Content: "x", InsertionType: config.InsertionConstant}), lorebook.ErrIndexOutOfRange)

	require.NoError(t, e.DeleteFragment("world", 0))
	// Indices shift after a delete: "two" is now at index 1.
	require.NoError(t, e.UpdateFragment("world", 1, config.Fragment{
		Content:       "two updated",
		InsertionType: config.InsertionNormal,
		Keywords:      []string{" two "},
	}))

	lb, _ := e.Get("world")
	require.Len(t, lb.Entries, 2)
	assert.Equal(t, "one", lb.Entries[0].Content)
	assert.Equal(t, "two updated", lb.Entries[1].Content)
	assert.Equal(t, []string{"two"}, lb.Entries[1].Keywords)
}

func TestMutationsPersistImmediately(t *testing.T) {
	path := t.TempDir() + "/config.json"
	store, err := config.Open(path)
	require.NoError(t, err)
	e := lorebook.New(store)
	require.NoError(t, e.Create("world"))
	_, err = e.AddFragment("world", config.Fragment{Content: "magic", InsertionType: config.InsertionConstant})
	require.NoError(t, err)

	other, err := config.Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"magic"}, lorebook.New(other).Match("hi"))
}
