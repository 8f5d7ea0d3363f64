package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/llm"
	"github.com/tomasmach/tavern/prompt"
)

func clientWithBaseURL(t *testing.T, baseURL string) (*llm.Client, *config.Store) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	cfg := config.Default()
	cfg.OpenAI.BaseURL = baseURL
	cfg.OpenAI.APIKey = "test-key"
	cfg.OpenAI.Model = "test-model"
	store := config.NewStoreFromConfig(cfg)
	return llm.New(store), store
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func chatReply(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
}

func TestChatSendsTurnsAndParams(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, chatReply("hello there"))
	}))
	defer srv.Close()

	client, _ := clientWithBaseURL(t, srv.URL)
	temp := 0.5
	reply, err := client.Chat(context.Background(), []prompt.Turn{
		{Role: prompt.RoleSystem, Content: "be kind"},
		{Role: prompt.RoleUser, Content: "hi"},
	}, prompt.Params{MaxTokens: 64, Temperature: &temp, ReasoningEffort: "low"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)

	assert.Equal(t, "Bearer test-key", auth)
	assert.Equal(t, "test-model", got["model"])
	assert.EqualValues(t, 64, got["max_tokens"])
	assert.EqualValues(t, 0.5, got["temperature"])
	assert.Equal(t, "low", got["reasoning_effort"])
	assert.NotContains(t, got, "top_p")
	assert.NotContains(t, got, "presence_penalty")

	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "hi", msgs[1].(map[string]any)["content"])
}

func TestChatEnvKeyOverridesDocument(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		writeJSON(w, chatReply("ok"))
	}))
	defer srv.Close()

	client, store := clientWithBaseURL(t, srv.URL)
	t.Setenv("OPENAI_API_KEY", "env-key")
	_, err := client.Chat(context.Background(), []prompt.Turn{{Role: "user", Content: "x"}}, prompt.Params{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer env-key", auth)
	assert.Equal(t, "test-key", store.Get().OpenAI.APIKey)
}

func TestChatReadsModelPerCall(t *testing.T) {
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		model, _ = body["model"].(string)
		writeJSON(w, chatReply("ok"))
	}))
	defer srv.Close()

	client, store := clientWithBaseURL(t, srv.URL)
	require.NoError(t, store.Update(func(cfg *config.Config) error {
		cfg.OpenAI.Model = "other-model"
		return nil
	}))
	_, err := client.Chat(context.Background(), []prompt.Turn{{Role: "user", Content: "x"}}, prompt.Params{})
	require.NoError(t, err)
	assert.Equal(t, "other-model", model)
}

func TestChatNoModel(t *testing.T) {
	client, store := clientWithBaseURL(t, "http://127.0.0.1:1")
	require.NoError(t, store.Update(func(cfg *config.Config) error {
		cfg.OpenAI.Model = ""
		return nil
	}))
	_, err := client.Chat(context.Background(), nil, prompt.Params{})
	assert.ErrorIs(t, err, llm.ErrNoModel)
}

func TestChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client, _ := clientWithBaseURL(t, srv.URL)
	_, err := client.Chat(context.Background(), []prompt.Turn{{Role: "user", Content: "x"}}, prompt.Params{})
	require.Error(t, err)

	var apiErr *openai.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.HTTPStatusCode)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	client, _ := clientWithBaseURL(t, srv.URL)
	_, err := client.Chat(context.Background(), []prompt.Turn{{Role: "user", Content: "x"}}, prompt.Params{})
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}

func TestChatHonoursContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	client, _ := clientWithBaseURL(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Chat(ctx, []prompt.Turn{{Role: "user", Content: "x"}}, prompt.Params{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		writeJSON(w, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "model-a", "object": "model"},
				{"id": "model-b", "object": "model"},
			},
		})
	}))
	defer srv.Close()

	client, _ := clientWithBaseURL(t, srv.URL)
	models, err := client.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"model-a", "model-b"}, models)
}

func TestSetHTTPClient(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		writeJSON(w, chatReply("ok"))
	}))
	defer srv.Close()

	client, _ := clientWithBaseURL(t, srv.URL)
	t.Cleanup(llm.SetHTTPClient(client, srv.Client()))
	_, err := client.Chat(context.Background(), []prompt.Turn{{Role: "user", Content: "x"}}, prompt.Params{})
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}
