// ABOUTME: Code job handler: runs user code with node inputs as named variables.
// ABOUTME: Supports the expression sandbox (default) and shell commands.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
)

// CodeJobHandler handles code_job nodes. The expression language evaluates
// a single expression over inputs and variables inside the expr sandbox;
// shell runs the code through `sh -c` with inputs exported as environment
// variables.
type CodeJobHandler struct {
	programs *programCache
	initOnce sync.Once
}

// Kind returns the node kind this handler serves.
func (h *CodeJobHandler) Kind() diagram.NodeKind { return diagram.KindCodeJob }

// Execute loads the code (inline or from file_path) and runs it in the
// configured language sandbox.
func (h *CodeJobHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.CodeJobConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing code config")}
	}

	source := cfg.Code
	if cfg.FilePath != "" {
		path := fs.ResolveUnder(req.Runtime.BaseDir, cfg.FilePath)
		data, err := req.Runtime.FS.Read(path)
		if err != nil {
			return nil, &IOError{Op: "read", Path: path, Err: err}
		}
		source = string(data)
	}
	if strings.TrimSpace(source) == "" {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("no code to run")}
	}

	switch lang := strings.ToLower(strings.TrimSpace(cfg.Language)); lang {
	case "", "expr", "expression":
		return h.runExpression(req, source)
	case "shell", "bash", "sh":
		return h.runShellCode(ctx, req, source)
	default:
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("unsupported language %q", lang)}
	}
}

func (h *CodeJobHandler) runExpression(req *Request, source string) (*envelope.Envelope, error) {
	h.initOnce.Do(func() { h.programs = newProgramCache() })

	program, err := h.programs.compile(source)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("compile code: %w", err)}
	}
	result, err := expr.Run(program, exprEnv(req))
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("run code: %w", err)}
	}
	if s, ok := result.(string); ok {
		return req.Factory.Text(s), nil
	}
	return req.Factory.JSON(result), nil
}

func (h *CodeJobHandler) runShellCode(ctx context.Context, req *Request, source string) (*envelope.Envelope, error) {
	res, err := runShell(ctx, source, req.Runtime.BaseDir, inputEnvVars(req.Inputs))
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}
	out := strings.TrimRight(res.Stdout, "\n")
	return req.Factory.Text(out).WithMeta("exit_code", res.ExitCode), nil
}

// inputEnvVars exports node inputs to a shell child: each input becomes
// INPUT_<NAME> (upper-cased, stringified) and the whole map rides along as
// compact JSON under INPUTS.
func inputEnvVars(inputs map[string]any) map[string]string {
	env := make(map[string]string, len(inputs)+1)
	for name, value := range inputs {
		env["INPUT_"+strings.ToUpper(name)] = envelope.Stringify(value)
	}
	if blob, err := json.Marshal(inputs); err == nil {
		env["INPUTS"] = string(blob)
	}
	return env
}
