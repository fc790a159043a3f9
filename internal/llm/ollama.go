package llm

import (
	"context"
	"net/http"
	"os"
	"strings"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	ollamaChatPath       = "/api/chat"

	// ollamaNumCtx sizes the context window; firmware sources plus build
	// output routinely overflow the 2k default.
	ollamaNumCtx = 8192
)

// ollamaProvider talks to a local Ollama server's chat endpoint.
type ollamaProvider struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

func newOllama(cfg Config) (Provider, error) {
	baseURL := cfg.BaseURL
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		baseURL = v
	}
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &ollamaProvider{
		model:      cfg.Model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx"`
}

type ollamaResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

func (p *ollamaProvider) Name() string { return ProviderOllama }

func (p *ollamaProvider) Complete(ctx context.Context, req Request) (Response, error) {
	payload := ollamaRequest{
		Model:    p.model,
		Messages: chatMessages(req),
		Stream:   false,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			NumCtx:      ollamaNumCtx,
		},
	}
	var out ollamaResponse
	if err := postJSON(ctx, p.httpClient, ProviderOllama, p.baseURL+ollamaChatPath, nil, payload, &out); err != nil {
		return Response{}, err
	}
	return Response{Content: out.Message.Content, Model: p.model}, nil
}
