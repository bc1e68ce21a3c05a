package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/vnmchuo/inference-dispatch/internal/backend"
)

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(apiKey string) backend.Provider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com",
		client:  &http.Client{},
	}
}

func (p *GeminiProvider) Invoke(ctx context.Context, call *backend.Call) (*backend.Result, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(call.Model))
	headers := map[string]string{"x-goog-api-key": p.apiKey}

	var resp geminiResponse
	if err := backend.PostJSON(ctx, p.client, p.Name(), endpoint, headers, p.mapRequest(call), &resp); err != nil {
		return nil, err
	}

	result := &backend.Result{Model: call.Model}
	if len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0 {
		result.Content = resp.Candidates[0].Content.Parts[0].Text
		result.Success = true
	}
	if resp.UsageMetadata != nil {
		result.Usage = &backend.Usage{
			TokensIn:  resp.UsageMetadata.PromptTokenCount,
			TokensOut: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return result, nil
}

func (p *GeminiProvider) mapRequest(call *backend.Call) geminiRequest {
	var req geminiRequest
	for _, m := range call.Payload.Messages {
		if m.Role == "system" {
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	req.GenerationConfig = generationConfig{
		MaxOutputTokens: call.Payload.MaxTokens,
		Temperature:     call.Payload.Temperature,
	}
	return req
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) SupportedModels() []string {
	return []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"}
}
