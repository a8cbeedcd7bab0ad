// ABOUTME: API job handler: templated HTTP requests with auth and retry.
// ABOUTME: Retries transport errors and retriable statuses with exponential backoff.

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
)

// Auth types accepted by api_job nodes.
const (
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthAPIKey = "api_key"
	AuthQuery  = "query"
)

// apiBodyLimit caps how much of an HTTP response is retained.
const apiBodyLimit = 4 * 1024 * 1024

// apiBackoffBase is the first retry delay; each attempt doubles it.
const apiBackoffBase = 500 * time.Millisecond

// apiCall is one fully resolved HTTP request plus its retry budget.
type apiCall struct {
	Method     string
	URL        string
	Headers    map[string]string
	Query      map[string]string
	Body       any
	Auth       diagram.AuthConfig
	MaxRetries int
}

// apiResponse is the decoded outcome of an apiCall.
type apiResponse struct {
	Status int
	Body   any
	Text   string
}

// APIJobHandler handles api_job nodes.
type APIJobHandler struct {
	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient *http.Client
}

// Kind returns the node kind this handler serves.
func (h *APIJobHandler) Kind() diagram.NodeKind { return diagram.KindAPIJob }

// Execute renders the request from config and context, performs it with
// retries, and wraps the response body in an envelope.
func (h *APIJobHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.APIJobConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing api config")}
	}
	if cfg.URL == "" {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("api_job requires a url")}
	}

	tctx := req.TemplateContext(nil)
	target, err := envelope.Render(cfg.URL, tctx)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("render url: %w", err)}
	}
	headers, err := renderStringMap(cfg.Headers, tctx)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}
	query, err := renderStringMap(cfg.Params, tctx)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}
	body := cfg.Body
	if s, ok := body.(string); ok {
		if body, err = envelope.Render(s, tctx); err != nil {
			return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("render body: %w", err)}
		}
	}

	call := apiCall{
		Method:     cfg.Method,
		URL:        target,
		Headers:    headers,
		Query:      query,
		Body:       body,
		Auth:       cfg.Auth,
		MaxRetries: cfg.MaxRetries,
	}
	resp, err := doAPICall(ctx, h.client(), call)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}
	return apiEnvelope(req, resp).WithMeta("url", target).WithMeta("method", call.Method), nil
}

func (h *APIJobHandler) client() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	return http.DefaultClient
}

// apiEnvelope wraps a response body: parsed JSON as an object envelope,
// anything else as text.
func apiEnvelope(req *Request, resp *apiResponse) *envelope.Envelope {
	var env *envelope.Envelope
	if resp.Body != nil {
		env = req.Factory.JSON(resp.Body).WithRepresentation(envelope.RepText, resp.Text)
	} else {
		env = req.Factory.Text(resp.Text)
	}
	return env.WithMeta("status_code", resp.Status)
}

// doAPICall performs the request with exponential backoff on transport
// errors and retriable statuses (429 and 5xx). The final failure carries
// the last status observed.
func doAPICall(ctx context.Context, client *http.Client, call apiCall) (*apiResponse, error) {
	attempts := call.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := backoffWait(ctx, attempt); err != nil {
				return nil, err
			}
		}
		resp, retriable, err := doOnce(ctx, client, call)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retriable || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func doOnce(ctx context.Context, client *http.Client, call apiCall) (*apiResponse, bool, error) {
	method := strings.ToUpper(call.Method)
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	contentType := ""
	switch b := call.Body.(type) {
	case nil:
	case string:
		if b != "" {
			reader = strings.NewReader(b)
		}
	default:
		blob, err := json.Marshal(b)
		if err != nil {
			return nil, false, err
		}
		reader = bytes.NewReader(blob)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, call.URL, reader)
	if err != nil {
		return nil, false, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range call.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(call.Query) > 0 {
		q := httpReq.URL.Query()
		for k, v := range call.Query {
			q.Set(k, v)
		}
		httpReq.URL.RawQuery = q.Encode()
	}
	applyAuth(httpReq, call.Auth)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, apiBodyLimit))
	if err != nil {
		return nil, true, err
	}

	if resp.StatusCode >= 400 {
		retriable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retriable, fmt.Errorf("%s %s returned %d: %s", method, call.URL, resp.StatusCode, excerpt(string(data), 256))
	}

	out := &apiResponse{Status: resp.StatusCode, Text: string(data)}
	trimmed := strings.TrimSpace(out.Text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if json.Unmarshal([]byte(trimmed), &parsed) == nil {
			out.Body = parsed
		}
	}
	return out, false, nil
}

// applyAuth attaches the configured authentication to the request.
func applyAuth(req *http.Request, auth diagram.AuthConfig) {
	switch strings.ToLower(auth.Type) {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.Token)
	case AuthQuery:
		param := auth.QueryParam
		if param == "" {
			param = "api_key"
		}
		q := req.URL.Query()
		q.Set(param, auth.Token)
		req.URL.RawQuery = q.Encode()
	}
}

// backoffWait sleeps for the attempt's backoff delay, aborting on ctx.
func backoffWait(ctx context.Context, attempt int) error {
	delay := apiBackoffBase << (attempt - 1)
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// renderStringMap renders every value of a header/param map as a template.
func renderStringMap(in map[string]string, tctx *envelope.TemplateContext) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		rendered, err := envelope.Render(v, tctx)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}
