// Package llm generates code fixes through chat-completion providers.
// Each provider speaks its native wire format over plain HTTP; provider
// selection, retry, and the local-Ollama fallback live in Client.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Provider names form a closed set. Unknown names fail at construction.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderAzure     = "azure"
	ProviderDeepseek  = "deepseek"
)

// DefaultTimeout bounds a single completion request.
const DefaultTimeout = 300 * time.Second

// DefaultModels maps each provider to the model used when none is configured.
var DefaultModels = map[string]string{
	ProviderOllama:    "qwen2.5-coder:14b",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-20241022",
	ProviderAzure:     "gpt-4o-mini",
	ProviderDeepseek:  "deepseek-coder-v2",
}

// Config selects and tunes a provider. API keys are read from provider
// env vars (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...), never from here.
type Config struct {
	Provider        string
	Model           string
	BaseURL         string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
	FallbackToLocal bool
}

// Request is a single-shot completion: one optional system prompt and one
// user prompt. The model is fixed per provider at construction.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response carries the assistant text of a completion.
type Response struct {
	Content string
	Model   string
}

// Provider performs completions against one configured backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// registry maps provider names to constructors.
var registry = map[string]func(Config) (Provider, error){
	ProviderOllama:    newOllama,
	ProviderOpenAI:    newOpenAI,
	ProviderAnthropic: newAnthropic,
	ProviderAzure:     newAzure,
	ProviderDeepseek:  newDeepseek,
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// newProvider resolves the model default for name and constructs the provider.
func newProvider(name string, cfg Config) (Provider, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q (valid: %s)", name, strings.Join(Providers(), ", "))
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModels[name]
	}
	return ctor(cfg)
}

// applyEnv layers the LLM_* environment variables over cfg. Env wins so a
// deployment can switch providers without touching the config file.
func applyEnv(cfg Config) Config {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Temperature = t
		}
	}
	if v := os.Getenv("LLM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTokens = n
		}
	}
	if v := os.Getenv("LLM_FALLBACK_TO_LOCAL"); v != "" {
		cfg.FallbackToLocal = envFlag(v)
	}
	return cfg
}

// envFlag reports whether v spells a truthy flag value.
func envFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// chatMessage is the {role, content} pair every provider wire format shares.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatMessages expands a request into system and user messages.
func chatMessages(req Request) []chatMessage {
	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	return append(msgs, chatMessage{Role: "user", Content: req.Prompt})
}

// apiError is a non-2xx provider reply. The status drives retry
// classification: 429 and 5xx are transient, other 4xx are fatal.
type apiError struct {
	provider string
	status   int
	body     string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.provider, e.status, e.body)
}

// transient reports whether retrying the request could succeed.
func (e *apiError) transient() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends payload and decodes a 2xx reply into out. Non-2xx replies
// become *apiError so the retry loop can classify them.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", provider, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{provider: provider, status: resp.StatusCode, body: truncateBody(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", provider, err)
	}
	return nil
}

// truncateBody keeps error bodies log-sized.
func truncateBody(raw []byte) string {
	const max = 512
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
