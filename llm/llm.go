// Package llm is the completion-backend client. It speaks the OpenAI chat
// completions API to whatever base URL the document configures.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/prompt"
)

var (
	ErrNoModel       = errors.New("openai.model is not set")
	ErrEmptyResponse = errors.New("no choices in response")
)

// Client builds a go-openai client from the current store snapshot on every
// call, so base URL, key and model edits take effect after the next reload.
type Client struct {
	cfgStore   *config.Store
	httpClient *http.Client // nil uses the library default
}

func New(cfgStore *config.Store) *Client {
	return &Client{cfgStore: cfgStore}
}

// APIKey returns the key to use: OPENAI_API_KEY when set, otherwise the
// persisted one. The environment value is never written to the document.
func APIKey(cfg *config.Config) string {
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		return k
	}
	return cfg.OpenAI.APIKey
}

func (c *Client) client(cfg *config.Config) *openai.Client {
	clientCfg := openai.DefaultConfig(APIKey(cfg))
	if cfg.OpenAI.BaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAI.BaseURL
	}
	if c.httpClient != nil {
		clientCfg.HTTPClient = c.httpClient
	}
	return openai.NewClientWithConfig(clientCfg)
}

// Models lists the model ids the backend offers.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	cfg := c.cfgStore.Get()
	list, err := c.client(cfg).ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Chat sends turns with params and returns the text of the first choice.
// There are no retries.
func (c *Client) Chat(ctx context.Context, turns []prompt.Turn, params prompt.Params) (string, error) {
	cfg := c.cfgStore.Get()
	if cfg.OpenAI.Model == "" {
		return "", ErrNoModel
	}

	resp, err := c.client(cfg).CreateChatCompletion(ctx, buildRequest(cfg.OpenAI.Model, turns, params))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func buildRequest(model string, turns []prompt.Turn, params prompt.Params) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}
	req := openai.ChatCompletionRequest{
		Model:           model,
		Messages:        msgs,
		MaxTokens:       params.MaxTokens,
		ReasoningEffort: params.ReasoningEffort,
	}
	// go-openai omits zero floats, so an explicit 0 is indistinguishable from unset.
	if params.Temperature != nil {
		req.Temperature = float32(*params.Temperature)
	}
	if params.TopP != nil {
		req.TopP = float32(*params.TopP)
	}
	if params.PresencePenalty != nil {
		req.PresencePenalty = float32(*params.PresencePenalty)
	}
	if params.FrequencyPenalty != nil {
		req.FrequencyPenalty = float32(*params.FrequencyPenalty)
	}
	return req
}
