// ABOUTME: Start node handler: the entry point of every diagram run.
// ABOUTME: Emits the node's configured custom data so downstream nodes have a seed payload.

package engine

import (
	"context"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
)

// StartHandler handles start nodes. It performs no work beyond wrapping the
// configured custom data; scheduling makes start nodes the first wave.
type StartHandler struct{}

// Kind returns the node kind this handler serves.
func (h *StartHandler) Kind() diagram.NodeKind { return diagram.KindStart }

// Execute wraps the node's custom_data in an object envelope. An absent or
// empty custom_data map yields an empty object so consumers can always
// treat the start output as a mapping.
func (h *StartHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data := map[string]any{}
	if cfg, ok := req.Node.Config.(*diagram.StartConfig); ok && cfg.CustomData != nil {
		data = cfg.CustomData
	}
	return req.Factory.JSON(data), nil
}
