// ABOUTME: Integrated API handler: named provider operations resolved onto HTTP mechanics.
// ABOUTME: A small catalog maps provider/operation pairs to method, base URL, and path templates.

package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
)

// catalogOp describes one operation of an integrated provider. Path is a
// template rendered against the node's config map.
type catalogOp struct {
	Method string
	Base   string
	Path   string
}

// integratedCatalog maps provider → operation → HTTP shape. All three
// providers authenticate with a bearer token.
var integratedCatalog = map[string]map[string]catalogOp{
	"slack": {
		"post_message":  {Method: http.MethodPost, Base: "https://slack.com/api", Path: "/chat.postMessage"},
		"list_channels": {Method: http.MethodGet, Base: "https://slack.com/api", Path: "/conversations.list"},
	},
	"github": {
		"create_issue": {Method: http.MethodPost, Base: "https://api.github.com", Path: "/repos/{{owner}}/{{repo}}/issues"},
		"get_repo":     {Method: http.MethodGet, Base: "https://api.github.com", Path: "/repos/{{owner}}/{{repo}}"},
		"list_issues":  {Method: http.MethodGet, Base: "https://api.github.com", Path: "/repos/{{owner}}/{{repo}}/issues"},
	},
	"notion": {
		"create_page":    {Method: http.MethodPost, Base: "https://api.notion.com", Path: "/v1/pages"},
		"query_database": {Method: http.MethodPost, Base: "https://api.notion.com", Path: "/v1/databases/{{database_id}}/query"},
		"get_page":       {Method: http.MethodGet, Base: "https://api.notion.com", Path: "/v1/pages/{{page_id}}"},
	},
}

// reservedIntegratedKeys are config entries consumed by the handler itself
// rather than forwarded to the provider.
var reservedIntegratedKeys = map[string]bool{"token": true, "base_url": true}

// IntegratedAPIHandler handles integrated_api nodes.
type IntegratedAPIHandler struct {
	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient *http.Client
}

// Kind returns the node kind this handler serves.
func (h *IntegratedAPIHandler) Kind() diagram.NodeKind { return diagram.KindIntegratedAPI }

// Execute resolves the provider operation from the catalog and performs it
// with the api_job call machinery. The token comes from the node config or
// from <PROVIDER>_TOKEN in the environment.
func (h *IntegratedAPIHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.IntegratedAPIConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing integrated_api config")}
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	ops, ok := integratedCatalog[provider]
	if !ok {
		return nil, &NotFoundError{What: "integrated provider", Name: cfg.Provider}
	}
	op, ok := ops[strings.ToLower(strings.TrimSpace(cfg.Operation))]
	if !ok {
		return nil, &NotFoundError{What: "operation for " + provider, Name: cfg.Operation}
	}

	// The config map doubles as the path-template scope and the payload.
	params := make(map[string]any, len(cfg.Config))
	payload := make(map[string]any)
	for k, v := range cfg.Config {
		params[k] = v
		if !reservedIntegratedKeys[k] {
			payload[k] = v
		}
	}
	tctx := envelope.NewTemplateContext(req.Variables, req.Inputs, params)

	base := op.Base
	if override, ok := cfg.Config["base_url"].(string); ok && override != "" {
		base = override
	}
	path, err := envelope.Render(op.Path, tctx)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("render path: %w", err)}
	}

	call := apiCall{
		Method:     op.Method,
		URL:        base + path,
		Headers:    providerHeaders(provider),
		Auth:       diagram.AuthConfig{Type: AuthBearer, Token: providerToken(provider, cfg.Config)},
		MaxRetries: cfg.MaxRetries,
	}
	switch op.Method {
	case http.MethodGet, http.MethodDelete:
		call.Query = stringifyMap(payload)
	default:
		if body, ok := payload["body"]; ok {
			call.Body = body
		} else if len(payload) > 0 {
			call.Body = payload
		}
	}

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := doAPICall(ctx, client, call)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}
	return apiEnvelope(req, resp).
		WithMeta("provider", provider).
		WithMeta("operation", cfg.Operation), nil
}

// providerToken reads the API token from config, falling back to the
// provider's conventional environment variable.
func providerToken(provider string, config map[string]any) string {
	if t, ok := config["token"].(string); ok && t != "" {
		return t
	}
	return os.Getenv(strings.ToUpper(provider) + "_TOKEN")
}

// providerHeaders returns provider-mandated headers beyond authentication.
func providerHeaders(provider string) map[string]string {
	switch provider {
	case "notion":
		return map[string]string{"Notion-Version": "2022-06-28"}
	case "github":
		return map[string]string{"Accept": "application/vnd.github+json"}
	default:
		return nil
	}
}

func stringifyMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = envelope.Stringify(v)
	}
	return out
}
