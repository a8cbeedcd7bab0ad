// ABOUTME: Unified LLM client with provider routing, adapter caching, and middleware.
// ABOUTME: Requests carry a service name and API key id; adapters are built lazily and reused.

package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Middleware wraps a completion call, enabling retry, rate limiting,
// logging, and other cross-cutting concerns. Middleware executes in
// registration order for requests and reverse order for responses.
type Middleware func(ctx context.Context, req *Request, next NextFunc) (*Result, error)

// NextFunc continues the middleware chain.
type NextFunc func(ctx context.Context, req *Request) (*Result, error)

// ProviderAdapter is the minimal surface a provider integration exposes.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Result, error)
	Close() error
}

// AdapterFactory constructs a ProviderAdapter bound to a resolved API key.
type AdapterFactory func(apiKey string) ProviderAdapter

// KeyResolver maps an api_key_id from a diagram to a concrete secret.
type KeyResolver interface {
	Resolve(service, apiKeyID string) (string, error)
}

// EnvKeyResolver resolves keys from the environment. A non-empty key id
// names the environment variable directly; otherwise the service's
// conventional variable is used.
type EnvKeyResolver struct{}

var defaultKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

func (EnvKeyResolver) Resolve(service, apiKeyID string) (string, error) {
	if apiKeyID != "" {
		if v := os.Getenv(apiKeyID); v != "" {
			return v, nil
		}
	}
	envVar, ok := defaultKeyEnv[strings.ToLower(service)]
	if !ok {
		// Services without a conventional key (mock, local gateways) run keyless.
		return "", nil
	}
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}
	if apiKeyID != "" {
		return "", &ConfigurationError{Message: fmt.Sprintf("api key %q not found in environment (also checked %s)", apiKeyID, envVar)}
	}
	return "", &ConfigurationError{Message: fmt.Sprintf("no API key for service %q (checked %s)", service, envVar)}
}

// ConfigurationError indicates the client or a request is misconfigured.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// Client routes completion requests to provider adapters and applies the
// middleware chain. Adapters are cached per (service, api key id) pair.
type Client struct {
	mu         sync.Mutex
	factories  map[string]AdapterFactory
	adapters   map[string]ProviderAdapter
	keys       KeyResolver
	middleware []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithFactory registers an adapter factory for a service name.
func WithFactory(service string, factory AdapterFactory) ClientOption {
	return func(c *Client) {
		c.factories[strings.ToLower(service)] = factory
	}
}

// WithAdapter registers a ready adapter instance for a service name. All
// key ids for the service share the instance.
func WithAdapter(service string, adapter ProviderAdapter) ClientOption {
	return WithFactory(service, func(string) ProviderAdapter { return adapter })
}

// WithKeyResolver replaces the environment-based key resolver.
func WithKeyResolver(r KeyResolver) ClientOption {
	return func(c *Client) {
		c.keys = r
	}
}

// WithMiddleware appends middleware to the client's chain. The first
// registered middleware is the outermost layer.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a Client with the given options applied.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		factories: make(map[string]AdapterFactory),
		adapters:  make(map[string]ProviderAdapter),
		keys:      EnvKeyResolver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewDefaultClient creates a Client with the standard provider set
// (openai, anthropic, mock) and retry middleware installed.
func NewDefaultClient(opts ...ClientOption) *Client {
	base := []ClientOption{
		WithFactory("openai", func(key string) ProviderAdapter { return NewOpenAIAdapter(key) }),
		WithFactory("anthropic", func(key string) ProviderAdapter { return NewAnthropicAdapter(key) }),
		WithAdapter("mock", NewMockAdapter()),
		WithMiddleware(RetryMiddleware(DefaultRetryPolicy())),
	}
	return NewClient(append(base, opts...)...)
}

func (c *Client) resolveAdapter(req *Request) (ProviderAdapter, error) {
	service := strings.ToLower(req.Service)
	if service == "" {
		return nil, &ConfigurationError{Message: "request missing service"}
	}

	cacheKey := service + "\x00" + req.APIKeyID

	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.adapters[cacheKey]; ok {
		return a, nil
	}
	factory, ok := c.factories[service]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("service %q not registered", req.Service)}
	}
	key, err := c.keys.Resolve(service, req.APIKeyID)
	if err != nil {
		return nil, err
	}
	adapter := factory(key)
	c.adapters[cacheKey] = adapter
	return adapter, nil
}

// Complete sends a completion request through the middleware chain to the
// adapter for the request's service.
func (c *Client) Complete(ctx context.Context, req *Request) (*Result, error) {
	handler := func(ctx context.Context, req *Request) (*Result, error) {
		adapter, err := c.resolveAdapter(req)
		if err != nil {
			return nil, err
		}
		return adapter.Complete(ctx, req)
	}

	// Wrap in reverse order so the first middleware registered is outermost.
	chain := handler
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := chain
		chain = func(ctx context.Context, req *Request) (*Result, error) {
			return mw(ctx, req, next)
		}
	}

	return chain(ctx, req)
}

// Close shuts down all cached adapters, combining any errors.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for key, adapter := range c.adapters {
		if err := adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing adapter %q: %w", key, err))
		}
	}
	c.adapters = make(map[string]ProviderAdapter)
	if len(errs) > 0 {
		combined := errs[0]
		for _, e := range errs[1:] {
			combined = fmt.Errorf("%w; %v", combined, e)
		}
		return combined
	}
	return nil
}
