// ABOUTME: JSON-schema validator handler: checks a payload against an inline or file schema.
// ABOUTME: Strict mode fails the node on violations; otherwise an error envelope flows downstream.

package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

// JSONSchemaValidatorHandler handles json_schema_validator nodes.
type JSONSchemaValidatorHandler struct{}

// Kind returns the node kind this handler serves.
func (h *JSONSchemaValidatorHandler) Kind() diagram.NodeKind {
	return diagram.KindJSONSchemaValidator
}

// Execute validates the payload (data_path file or node input) against the
// schema (inline json_schema or schema_path file). A valid payload passes
// through; violations fail the node in strict mode and otherwise produce an
// error envelope so a condition can route on it.
func (h *JSONSchemaValidatorHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.JSONSchemaValidatorConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing validator config")}
	}

	schema, err := h.loadSchema(req, cfg)
	if err != nil {
		return nil, err
	}
	value, err := h.loadValue(req, cfg)
	if err != nil {
		return nil, err
	}

	if err := llm.ValidateAgainstSchema(value, schema); err != nil {
		if cfg.Strict {
			return nil, &ValidationError{Subject: string(req.Node.ID), Violations: []string{err.Error()}}
		}
		req.Runtime.Logger.Warn("schema validation failed",
			"node_id", string(req.Node.ID), "error", err)
		return req.Factory.Error(err.Error(), ErrKindValidation).WithMeta("valid", false), nil
	}
	return req.Factory.JSON(value).WithMeta("valid", true), nil
}

func (h *JSONSchemaValidatorHandler) loadSchema(req *Request, cfg *diagram.JSONSchemaValidatorConfig) (map[string]any, error) {
	if len(cfg.Schema) > 0 {
		return cfg.Schema, nil
	}
	if cfg.SchemaPath == "" {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("validator requires json_schema or schema_path")}
	}
	path := fs.ResolveUnder(req.Runtime.BaseDir, cfg.SchemaPath)
	data, err := req.Runtime.FS.Read(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("parse schema %s: %w", path, err)}
	}
	return schema, nil
}

func (h *JSONSchemaValidatorHandler) loadValue(req *Request, cfg *diagram.JSONSchemaValidatorConfig) (any, error) {
	if cfg.DataPath != "" {
		path := fs.ResolveUnder(req.Runtime.BaseDir, cfg.DataPath)
		data, err := req.Runtime.FS.Read(path)
		if err != nil {
			return nil, &IOError{Op: "read", Path: path, Err: err}
		}
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("parse data %s: %w", path, err)}
		}
		return value, nil
	}

	value, _ := req.FirstInput()
	// Text payloads that look like JSON validate as their parsed form.
	if s, ok := value.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return parsed, nil
		}
	}
	return value, nil
}
