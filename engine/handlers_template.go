// ABOUTME: Template job handler: renders a template against the merged request context.
// ABOUTME: Inline content or a template file; the result can be written to output_path.

package engine

import (
	"context"
	"fmt"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
)

// TemplateJobHandler handles template_job nodes.
type TemplateJobHandler struct{}

// Kind returns the node kind this handler serves.
func (h *TemplateJobHandler) Kind() diagram.NodeKind { return diagram.KindTemplateJob }

// Execute renders the template with execution variables as globals, node
// inputs as inputs, and the config's variables map as locals.
func (h *TemplateJobHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.TemplateJobConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing template config")}
	}

	source := cfg.TemplateContent
	if source == "" && cfg.TemplatePath != "" {
		path := fs.ResolveUnder(req.Runtime.BaseDir, cfg.TemplatePath)
		data, err := req.Runtime.FS.Read(path)
		if err != nil {
			return nil, &IOError{Op: "read", Path: path, Err: err}
		}
		source = string(data)
	}
	if source == "" {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("template_job requires template_content or template_path")}
	}

	tctx := req.TemplateContext(cfg.Variables)
	rendered, err := envelope.Render(source, tctx)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("render template: %w", err)}
	}

	env := req.Factory.Text(rendered)
	if cfg.OutputPath != "" {
		outPath, err := envelope.Render(cfg.OutputPath, tctx)
		if err != nil {
			return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("render output_path: %w", err)}
		}
		path := fs.ResolveUnder(req.Runtime.BaseDir, outPath)
		if err := req.Runtime.FS.Write(path, []byte(rendered)); err != nil {
			return nil, &IOError{Op: "write", Path: path, Err: err}
		}
		env = env.WithMeta("output_path", path)
	}
	return env, nil
}
