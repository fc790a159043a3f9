package llm

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicMessagesPath   = "/messages"
	anthropicVersion        = "2023-06-01"

	// anthropicDefaultMaxTokens applies when the request does not cap
	// output. The messages API rejects requests without max_tokens.
	anthropicDefaultMaxTokens = 4096
)

type anthropicProvider struct {
	model      string
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
}

func newAnthropic(cfg Config) (Provider, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is not set")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &anthropicProvider{
		model:    cfg.Model,
		endpoint: strings.TrimRight(baseURL, "/") + anthropicMessagesPath,
		headers: map[string]string{
			"x-api-key":         key,
			"anthropic-version": anthropicVersion,
		},
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *anthropicProvider) Name() string { return ProviderAnthropic }

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	payload := anthropicRequest{
		Model:       p.model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	var out anthropicResponse
	if err := postJSON(ctx, p.httpClient, ProviderAnthropic, p.endpoint, p.headers, payload, &out); err != nil {
		return Response{}, err
	}
	for _, block := range out.Content {
		if block.Type == "text" {
			return Response{Content: block.Text, Model: p.model}, nil
		}
	}
	return Response{}, errors.New("anthropic: empty completion")
}
