package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/zjrosen/kiln/internal/log"
)

const (
	retryMaxTries    = 3
	retryInitialWait = 500 * time.Millisecond
	retryMaxWait     = 8 * time.Second
)

// Client owns provider selection, retry, and the local fallback chain.
// Construct one per process and share it; it is safe for concurrent use.
type Client struct {
	cfg      Config
	provider Provider

	// fallback builds the local provider lazily so a misconfigured Ollama
	// only surfaces when the chain is actually taken.
	fallback func() (Provider, error)

	// newBackOff seeds one retry schedule per completion.
	newBackOff func() backoff.BackOff
	maxTries   uint
}

// NewClient builds a client for cfg after layering LLM_* env overrides.
func NewClient(cfg Config) (*Client, error) {
	cfg = applyEnv(cfg)
	if cfg.Provider == "" {
		cfg.Provider = ProviderOllama
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	provider, err := newProvider(cfg.Provider, cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:        cfg,
		provider:   provider,
		newBackOff: defaultBackOff,
		maxTries:   retryMaxTries,
	}
	c.fallback = func() (Provider, error) {
		local := cfg
		local.Provider = ProviderOllama
		local.Model = ""   // resolve to the local default, not the remote model
		local.BaseURL = "" // OLLAMA_BASE_URL still applies
		return newProvider(ProviderOllama, local)
	}
	log.Info(log.CatLLM, "llm client ready", "provider", cfg.Provider, "fallback_to_local", cfg.FallbackToLocal)
	return c, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialWait
	b.MaxInterval = retryMaxWait
	return b
}

// Provider returns the primary provider name.
func (c *Client) Provider() string { return c.provider.Name() }

// Model returns the model the primary provider completes with.
func (c *Client) Model() string {
	if c.cfg.Model != "" {
		return c.cfg.Model
	}
	return DefaultModels[c.cfg.Provider]
}

// Complete runs req against the primary provider with retries, then against
// local Ollama when the fallback is enabled and the primary is remote.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := c.completeWithRetry(ctx, c.provider, req)
	if err == nil {
		return resp, nil
	}
	if !c.cfg.FallbackToLocal || c.provider.Name() == ProviderOllama || ctx.Err() != nil {
		return Response{}, err
	}
	log.Warn(log.CatLLM, "provider failed, falling back to local ollama", "provider", c.provider.Name(), "error", err)
	local, lerr := c.fallback()
	if lerr != nil {
		return Response{}, fmt.Errorf("local fallback unavailable: %w (primary: %v)", lerr, err)
	}
	resp, lerr = c.completeWithRetry(ctx, local, req)
	if lerr != nil {
		return Response{}, fmt.Errorf("local fallback failed: %w (primary: %v)", lerr, err)
	}
	log.Info(log.CatLLM, "local fallback succeeded", "model", resp.Model)
	return resp, nil
}

// completeWithRetry retries transient failures with exponential backoff and
// jitter. Fatal failures stop the schedule immediately.
func (c *Client) completeWithRetry(ctx context.Context, p Provider, req Request) (Response, error) {
	attempt := 0
	op := func() (Response, error) {
		attempt++
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !transient(ctx, err) {
			return Response{}, backoff.Permanent(err)
		}
		return Response{}, err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn(log.CatLLM, "completion attempt failed",
			"provider", p.Name(), "attempt", attempt, "retry_in", wait, "error", err)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(notify))
}

// transient reports whether a failure could clear on retry. Transport errors
// count; provider replies classify by status (429 and 5xx retry, other 4xx
// are fatal); a dead caller context never retries.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var api *apiError
	if errors.As(err, &api) {
		return api.transient()
	}
	return true
}
