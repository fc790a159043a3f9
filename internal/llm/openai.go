package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

const (
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultDeepseekBaseURL = "https://api.deepseek.com"
	openaiChatPath         = "/chat/completions"
	azureAPIVersion        = "2024-02-15-preview"
)

// openaiProvider speaks the OpenAI chat-completions wire format. The azure
// and deepseek providers reuse it with their own endpoints and auth headers.
type openaiProvider struct {
	name       string
	model      string
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
}

func newOpenAI(cfg Config) (Provider, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openaiProvider{
		name:       ProviderOpenAI,
		model:      cfg.Model,
		endpoint:   strings.TrimRight(baseURL, "/") + openaiChatPath,
		headers:    map[string]string{"Authorization": "Bearer " + key},
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

func newDeepseek(cfg Config) (Provider, error) {
	key := os.Getenv("DEEPSEEK_API_KEY")
	if key == "" {
		return nil, errors.New("DEEPSEEK_API_KEY is not set")
	}
	baseURL := cfg.BaseURL
	if v := os.Getenv("DEEPSEEK_BASE_URL"); v != "" {
		baseURL = v
	}
	if baseURL == "" {
		baseURL = defaultDeepseekBaseURL
	}
	return &openaiProvider{
		name:       ProviderDeepseek,
		model:      cfg.Model,
		endpoint:   strings.TrimRight(baseURL, "/") + openaiChatPath,
		headers:    map[string]string{"Authorization": "Bearer " + key},
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

// newAzure routes through an Azure OpenAI deployment. The model name doubles
// as the deployment name in the request path.
func newAzure(cfg Config) (Provider, error) {
	key := os.Getenv("AZURE_OPENAI_API_KEY")
	endpoint := os.Getenv("AZURE_OPENAI_ENDPOINT")
	if key == "" || endpoint == "" {
		return nil, errors.New("azure openai requires AZURE_OPENAI_API_KEY and AZURE_OPENAI_ENDPOINT")
	}
	url := fmt.Sprintf("%s/openai/deployments/%s%s?api-version=%s",
		strings.TrimRight(endpoint, "/"), cfg.Model, openaiChatPath, azureAPIVersion)
	return &openaiProvider{
		name:       ProviderAzure,
		model:      cfg.Model,
		endpoint:   url,
		headers:    map[string]string{"api-key": key},
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

type openaiRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *openaiProvider) Name() string { return p.name }

func (p *openaiProvider) Complete(ctx context.Context, req Request) (Response, error) {
	payload := openaiRequest{
		Model:       p.model,
		Messages:    chatMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	var out openaiResponse
	if err := postJSON(ctx, p.httpClient, p.name, p.endpoint, p.headers, payload, &out); err != nil {
		return Response{}, err
	}
	if len(out.Choices) == 0 {
		return Response{}, fmt.Errorf("%s: empty completion", p.name)
	}
	return Response{Content: out.Choices[0].Message.Content, Model: p.model}, nil
}
