// ABOUTME: DB node handler: file-backed read/write/append/update in several formats.
// ABOUTME: Supports dot-path key traversal, line-range reads, and json/yaml/csv/text/xml codecs.

package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
)

// DB operations.
const (
	DBRead   = "read"
	DBWrite  = "write"
	DBAppend = "append"
	DBUpdate = "update"
)

// DBHandler handles db nodes: a thin data layer over the filesystem port.
type DBHandler struct{}

// Kind returns the node kind this handler serves.
func (h *DBHandler) Kind() diagram.NodeKind { return diagram.KindDB }

// Execute performs the configured operation against the configured file.
// The file path may contain template placeholders resolved against the
// request context.
func (h *DBHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.DBConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing db config")}
	}
	if cfg.File == "" {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("db node requires a file")}
	}

	name, err := envelope.Render(cfg.File, req.TemplateContext(nil))
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("render file: %w", err)}
	}
	path := fs.ResolveUnder(req.Runtime.BaseDir, name)
	format := cfg.Format
	if format == "" {
		format = formatForExt(path)
	}

	op := strings.ToLower(strings.TrimSpace(cfg.Operation))
	if op == "" {
		op = DBRead
	}

	var env *envelope.Envelope
	switch op {
	case DBRead:
		env, err = h.read(req, cfg, path, format)
	case DBWrite:
		env, err = h.write(req, cfg, path, format)
	case DBAppend:
		env, err = h.append(req, cfg, path, format)
	case DBUpdate:
		env, err = h.update(req, cfg, path, format)
	default:
		err = fmt.Errorf("unsupported db operation %q", op)
	}
	if err != nil {
		var ioErr *IOError
		var nfErr *NotFoundError
		if errors.As(err, &ioErr) || errors.As(err, &nfErr) {
			return nil, err
		}
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}
	return env.WithMeta("path", path).WithMeta("operation", op), nil
}

func (h *DBHandler) read(req *Request, cfg *diagram.DBConfig, path, format string) (*envelope.Envelope, error) {
	data, err := req.Runtime.FS.Read(path)
	if err != nil {
		return nil, &NotFoundError{What: "db file", Name: path}
	}

	if format == "text" {
		content := string(data)
		if len(cfg.Lines) > 0 {
			content, err = selectLines(content, cfg.Lines)
			if err != nil {
				return nil, err
			}
		}
		return req.Factory.Text(content), nil
	}

	doc, err := decodeDB(format, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	switch len(cfg.Keys) {
	case 0:
		return req.Factory.JSON(doc), nil
	case 1:
		value, ok := pathGet(doc, cfg.Keys[0])
		if !ok {
			return nil, &NotFoundError{What: "key", Name: cfg.Keys[0]}
		}
		return req.Factory.JSON(value), nil
	default:
		out := make(map[string]any, len(cfg.Keys))
		for _, key := range cfg.Keys {
			if value, ok := pathGet(doc, key); ok {
				out[key] = value
			}
		}
		return req.Factory.JSON(out), nil
	}
}

func (h *DBHandler) write(req *Request, cfg *diagram.DBConfig, path, format string) (*envelope.Envelope, error) {
	value := h.payload(req, cfg)

	var out any = value
	if len(cfg.Keys) > 0 {
		doc := h.existingDoc(req, path, format)
		for _, key := range cfg.Keys {
			doc = pathSet(doc, key, value)
		}
		out = doc
	}

	data, err := encodeDB(format, out)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	if err := req.Runtime.FS.Write(path, data); err != nil {
		return nil, &IOError{Op: "write", Path: path, Err: err}
	}
	return req.Factory.JSON(out), nil
}

func (h *DBHandler) append(req *Request, cfg *diagram.DBConfig, path, format string) (*envelope.Envelope, error) {
	value := h.payload(req, cfg)
	fsys := req.Runtime.FS

	switch format {
	case "text":
		if err := fsys.Append(path, []byte(envelope.Stringify(value)+"\n")); err != nil {
			return nil, &IOError{Op: "append", Path: path, Err: err}
		}
	case "json", "yaml":
		var list []any
		if fsys.Exists(path) {
			data, err := fsys.Read(path)
			if err != nil {
				return nil, &IOError{Op: "read", Path: path, Err: err}
			}
			doc, err := decodeDB(format, data)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", format, err)
			}
			var ok bool
			if list, ok = doc.([]any); !ok {
				return nil, fmt.Errorf("append target %s is not a list", path)
			}
		}
		list = append(list, value)
		data, err := encodeDB(format, list)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", format, err)
		}
		if err := fsys.Write(path, data); err != nil {
			return nil, &IOError{Op: "write", Path: path, Err: err}
		}
	case "csv":
		if err := appendCSVRecord(fsys, path, value); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("append not supported for format %q", format)
	}
	return req.Factory.JSON(value), nil
}

func (h *DBHandler) update(req *Request, cfg *diagram.DBConfig, path, format string) (*envelope.Envelope, error) {
	value := h.payload(req, cfg)
	doc := h.existingDoc(req, path, format)

	if len(cfg.Keys) > 0 {
		for _, key := range cfg.Keys {
			doc = pathSet(doc, key, value)
		}
	} else if dst, ok := doc.(map[string]any); ok {
		if src, ok := value.(map[string]any); ok {
			for k, v := range src {
				dst[k] = v
			}
			doc = dst
		} else {
			doc = value
		}
	} else {
		doc = value
	}

	data, err := encodeDB(format, doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	if err := req.Runtime.FS.Write(path, data); err != nil {
		return nil, &IOError{Op: "write", Path: path, Err: err}
	}
	return req.Factory.JSON(doc), nil
}

// payload picks the value a mutating operation stores: configured data
// first, otherwise the node's resolved input.
func (h *DBHandler) payload(req *Request, cfg *diagram.DBConfig) any {
	if cfg.Data != nil {
		return cfg.Data
	}
	value, _ := req.FirstInput()
	return value
}

// existingDoc loads and decodes the current file contents, or returns an
// empty object when the file does not exist or cannot be decoded.
func (h *DBHandler) existingDoc(req *Request, path, format string) any {
	fsys := req.Runtime.FS
	if !fsys.Exists(path) {
		return map[string]any{}
	}
	data, err := fsys.Read(path)
	if err != nil {
		return map[string]any{}
	}
	doc, err := decodeDB(format, data)
	if err != nil || doc == nil {
		return map[string]any{}
	}
	return doc
}

// formatForExt infers the storage format from the file extension.
func formatForExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".csv":
		return "csv"
	case ".xml":
		return "xml"
	default:
		return "text"
	}
}
