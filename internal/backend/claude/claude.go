package claude

import (
	"context"
	"net/http"

	"github.com/vnmchuo/inference-dispatch/internal/backend"
)

const (
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      *claudeUsage    `json:"usage,omitempty"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey string) backend.Provider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		client:  &http.Client{},
	}
}

func (p *ClaudeProvider) Invoke(ctx context.Context, call *backend.Call) (*backend.Result, error) {
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp claudeResponse
	if err := backend.PostJSON(ctx, p.client, p.Name(), p.baseURL+"/messages", headers, p.mapRequest(call), &resp); err != nil {
		return nil, err
	}

	result := &backend.Result{
		ID:    resp.ID,
		Model: call.Model,
	}
	for _, c := range resp.Content {
		if c.Type == "text" {
			result.Content += c.Text
			result.Success = true
		}
	}
	if resp.Usage != nil {
		result.Usage = &backend.Usage{
			TokensIn:  resp.Usage.InputTokens,
			TokensOut: resp.Usage.OutputTokens,
		}
	}
	return result, nil
}

func (p *ClaudeProvider) mapRequest(call *backend.Call) claudeRequest {
	var system string
	var messages []claudeMessage

	for _, m := range call.Payload.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := call.Payload.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:       call.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: call.Payload.Temperature,
	}
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-latest",
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-latest",
		"claude-3-opus-20240229",
	}
}
