package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Completer is the opaque model call: a request goes in, a response that may
// carry tool calls comes out.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ProviderAdapter is implemented by every model backend.
type ProviderAdapter interface {
	Completer
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
}

// CompleteFunc adapts a function to the Completer interface.
type CompleteFunc func(ctx context.Context, req Request) (*Response, error)

func (f CompleteFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware wraps a provider call. It receives the request and a next function
// that calls the downstream handler, and returns the response.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client routes requests to registered providers and applies middleware.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client. The first registered
// middleware is the outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Complete sends a blocking request through middleware to the resolved provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := func(ctx context.Context, r Request) (*Response, error) {
		return adapter.Complete(ctx, r)
	}

	// Apply middleware in reverse order so first registered runs first.
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// RetryMiddleware retries retryable errors according to policy.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
			return next(ctx, req)
		})
	}
}

// TimeoutMiddleware bounds each downstream call by d. An expired deadline is
// reported as a RequestTimeoutError.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		if d <= 0 {
			return next(ctx, req)
		}
		callCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		resp, err := next(callCtx, req)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &RequestTimeoutError{SDKError: SDKError{
				Message: fmt.Sprintf("model call exceeded %s", d),
				Cause:   context.DeadlineExceeded,
			}}
		}
		return resp, err
	}
}

// LoggingMiddleware logs every call at debug level and failures at warn.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn("model call failed",
				"provider", req.Provider,
				"model", req.Model,
				"elapsed", elapsed.Round(time.Millisecond),
				"error", err,
			)
			return nil, err
		}
		logger.Debug("model call completed",
			"provider", resp.Provider,
			"model", resp.Model,
			"finish_reason", resp.FinishReason.Reason,
			"tool_calls", len(resp.ToolCalls()),
			"output_tokens", resp.Usage.OutputTokens,
			"elapsed", elapsed.Round(time.Millisecond),
		)
		return resp, nil
	}
}
