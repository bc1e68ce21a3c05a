// Package openai talks to any OpenAI-compatible chat completions endpoint,
// which covers most self-hosted model servers as well.
package openai

import (
	"context"
	"net/http"
	"strings"

	"github.com/vnmchuo/inference-dispatch/internal/backend"
)

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	models  []string
	client  *http.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

var defaultModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini"}

// New returns a provider for baseURL (e.g. "https://api.openai.com/v1").
// With no models given it serves the default OpenAI catalogue.
func New(apiKey, baseURL string, models ...string) backend.Provider {
	if len(models) == 0 {
		models = defaultModels
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		models:  models,
		client:  &http.Client{},
	}
}

func (p *OpenAIProvider) Invoke(ctx context.Context, call *backend.Call) (*backend.Result, error) {
	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	var resp openAIResponse
	if err := backend.PostJSON(ctx, p.client, p.Name(), p.baseURL+"/chat/completions", headers, p.mapRequest(call), &resp); err != nil {
		return nil, err
	}

	result := &backend.Result{
		ID:      resp.ID,
		Success: len(resp.Choices) > 0,
		Model:   call.Model,
	}
	if len(resp.Choices) > 0 {
		result.Content = resp.Choices[0].Message.Content
	}
	if resp.Usage != nil {
		result.Usage = &backend.Usage{
			TokensIn:  resp.Usage.PromptTokens,
			TokensOut: resp.Usage.CompletionTokens,
		}
	}
	return result, nil
}

func (p *OpenAIProvider) mapRequest(call *backend.Call) openAIRequest {
	messages := make([]openAIMessage, len(call.Payload.Messages))
	for i, m := range call.Payload.Messages {
		messages[i] = openAIMessage{Role: m.Role, Content: m.Content}
	}

	return openAIRequest{
		Model:       call.Model,
		Messages:    messages,
		MaxTokens:   call.Payload.MaxTokens,
		Temperature: call.Payload.Temperature,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) SupportedModels() []string {
	return p.models
}
