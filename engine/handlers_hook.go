// ABOUTME: Hook node handler: fire side effects without transforming the data flow.
// ABOUTME: Supports shell commands, webhooks, and file writes; the payload passes through.

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
)

// Hook types.
const (
	HookShell   = "shell"
	HookWebhook = "webhook"
	HookFile    = "file"
)

// hookBodyLimit caps how much of a webhook response is kept.
const hookBodyLimit = 64 * 1024

// HookHandler handles hook nodes. Hooks are side effects: the incoming
// payload flows through unchanged and failures of the effect fail the node.
type HookHandler struct {
	// HTTPClient overrides the webhook client, primarily for tests.
	HTTPClient *http.Client
}

// Kind returns the node kind this handler serves.
func (h *HookHandler) Kind() diagram.NodeKind { return diagram.KindHook }

// Execute dispatches on hook_type and echoes the incoming payload with meta
// describing the effect.
func (h *HookHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.HookConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing hook config")}
	}

	var meta map[string]any
	var err error
	switch strings.ToLower(strings.TrimSpace(cfg.HookType)) {
	case HookShell, "":
		meta, err = h.runShellHook(ctx, req, cfg)
	case HookWebhook:
		meta, err = h.runWebhook(ctx, req, cfg)
	case HookFile:
		meta, err = h.runFileHook(req, cfg)
	default:
		err = fmt.Errorf("unsupported hook_type %q", cfg.HookType)
	}
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}

	value, _ := req.FirstInput()
	var env *envelope.Envelope
	if s, ok := value.(string); ok {
		env = req.Factory.Text(s)
	} else if value == nil {
		env = req.Factory.Text("")
	} else {
		env = req.Factory.JSON(value)
	}
	for k, v := range meta {
		env = env.WithMeta(k, v)
	}
	return env, nil
}

func (h *HookHandler) runShellHook(ctx context.Context, req *Request, cfg *diagram.HookConfig) (map[string]any, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("shell hook requires a command")
	}
	extraEnv := inputEnvVars(req.Inputs)
	for k, v := range cfg.Env {
		extraEnv[k] = v
	}

	var res *shellResult
	var err error
	if len(cfg.Args) > 0 {
		res, err = runCommand(ctx, cfg.Command, cfg.Args, req.Runtime.BaseDir, extraEnv)
	} else {
		res, err = runShell(ctx, cfg.Command, req.Runtime.BaseDir, extraEnv)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"hook": HookShell, "exit_code": res.ExitCode, "stdout": excerpt(res.Stdout, hookBodyLimit)}, nil
}

func (h *HookHandler) runWebhook(ctx context.Context, req *Request, cfg *diagram.HookConfig) (map[string]any, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook hook requires a url")
	}
	url, err := envelope.Render(cfg.URL, req.TemplateContext(nil))
	if err != nil {
		return nil, fmt.Errorf("render url: %w", err)
	}

	payload := map[string]any{
		"execution_id": string(req.Runtime.ExecutionID),
		"node_id":      string(req.Node.ID),
		"inputs":       req.Inputs,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, hookBodyLimit))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook %s returned %d: %s", url, resp.StatusCode, excerpt(string(respBody), 256))
	}
	return map[string]any{"hook": HookWebhook, "status_code": resp.StatusCode}, nil
}

func (h *HookHandler) runFileHook(req *Request, cfg *diagram.HookConfig) (map[string]any, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("file hook requires a file_path")
	}
	value, _ := req.FirstInput()

	var data []byte
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		data = []byte(envelope.Stringify(value) + "\n")
	case "json", "jsonl":
		blob, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		data = append(blob, '\n')
	case "yaml":
		blob, err := yaml.Marshal(value)
		if err != nil {
			return nil, err
		}
		data = blob
	default:
		return nil, fmt.Errorf("unsupported file hook format %q", cfg.Format)
	}

	path := fs.ResolveUnder(req.Runtime.BaseDir, cfg.FilePath)
	if err := req.Runtime.FS.Append(path, data); err != nil {
		return nil, &IOError{Op: "append", Path: path, Err: err}
	}
	return map[string]any{"hook": HookFile, "path": path}, nil
}
