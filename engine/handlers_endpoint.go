// ABOUTME: Endpoint node handler: the terminal node of a diagram branch.
// ABOUTME: Echoes its incoming payload and optionally persists it under the base directory.

package engine

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
)

// resultsSubdir is where endpoint nodes persist payloads, relative to the
// execution base directory.
const resultsSubdir = "files/results"

// EndpointHandler handles endpoint nodes. The envelope passes through
// unchanged in content; when save_to_file is set the payload is also
// written beneath the base directory.
type EndpointHandler struct{}

// Kind returns the node kind this handler serves.
func (h *EndpointHandler) Kind() diagram.NodeKind { return diagram.KindEndpoint }

// Execute echoes the incoming payload. With save_to_file set, the payload
// is first serialized and written to files/results/<file_name> under the
// base directory; a write failure fails the node.
func (h *EndpointHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, _ := req.FirstInput()

	cfg, _ := req.Node.Config.(*diagram.EndpointConfig)
	if cfg != nil && cfg.SaveToFile {
		name := cfg.FileName
		if name == "" {
			name = string(req.Runtime.ExecutionID) + ".txt"
		}
		path := fs.ResolveUnder(req.Runtime.BaseDir, filepath.Join(resultsSubdir, name))
		data, err := serializePayload(value)
		if err != nil {
			return nil, &IOError{Op: "serialize", Path: path, Err: err}
		}
		if err := req.Runtime.FS.Write(path, data); err != nil {
			return nil, &IOError{Op: "write", Path: path, Err: err}
		}
		req.Runtime.Logger.Debug("endpoint saved result", "node", req.Node.ID, "path", path)
	}

	if s, ok := value.(string); ok {
		return req.Factory.Text(s), nil
	}
	if value == nil {
		return req.Factory.Text(""), nil
	}
	return req.Factory.JSON(value), nil
}

// serializePayload renders a payload for file storage: strings verbatim,
// anything else as indented JSON.
func serializePayload(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.MarshalIndent(v, "", "  ")
	}
}
