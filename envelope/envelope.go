// ABOUTME: Envelope is the typed, immutable carrier of inter-node data.
// ABOUTME: A Factory stamps every envelope with its producing node and trace id.

package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// Representation keys for alternative views of a body.
const (
	RepText         = "text"
	RepObject       = "object"
	RepConversation = "conversation"
)

// Envelope carries one node output. Treat instances as immutable: derive
// changed copies with WithMeta / WithRepresentation instead of mutating.
type Envelope struct {
	ID              string              `json:"id"`
	TraceID         string              `json:"trace_id"`
	ProducedBy      diagram.NodeID      `json:"produced_by"`
	ContentType     diagram.ContentType `json:"content_type"`
	Body            any                 `json:"body"`
	Meta            map[string]any      `json:"meta,omitempty"`
	Representations map[string]any      `json:"representations,omitempty"`
}

// Factory builds envelopes for one producing node within one trace.
type Factory struct {
	producedBy diagram.NodeID
	traceID    string
}

// NewFactory returns a factory stamping envelopes with the producer and trace.
func NewFactory(producedBy diagram.NodeID, traceID string) *Factory {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return &Factory{producedBy: producedBy, traceID: traceID}
}

func (f *Factory) base(ct diagram.ContentType, body any) *Envelope {
	return &Envelope{
		ID:          uuid.New().String(),
		TraceID:     f.traceID,
		ProducedBy:  f.producedBy,
		ContentType: ct,
		Body:        body,
	}
}

// Text builds a raw-text envelope.
func (f *Factory) Text(body string) *Envelope {
	return f.base(diagram.ContentRawText, body)
}

// JSON builds an object envelope.
func (f *Factory) JSON(body any) *Envelope {
	return f.base(diagram.ContentObject, body)
}

// Conversation builds a conversation-state envelope.
func (f *Factory) Conversation(state any) *Envelope {
	return f.base(diagram.ContentConversationState, state)
}

// Error builds an error envelope. Kind names the error class so consumers
// can branch without string matching.
func (f *Factory) Error(message, kind string) *Envelope {
	e := f.base(diagram.ContentError, message)
	e.Meta = map[string]any{"error_type": kind}
	return e
}

// WithMeta returns a copy with the given meta key set.
func (e *Envelope) WithMeta(key string, value any) *Envelope {
	out := *e
	out.Meta = make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		out.Meta[k] = v
	}
	out.Meta[key] = value
	return &out
}

// WithRepresentation returns a copy carrying an alternative view of the body.
func (e *Envelope) WithRepresentation(key string, value any) *Envelope {
	out := *e
	out.Representations = make(map[string]any, len(e.Representations)+1)
	for k, v := range e.Representations {
		out.Representations[k] = v
	}
	out.Representations[key] = value
	return &out
}

// IsError reports whether this envelope carries an error payload.
func (e *Envelope) IsError() bool {
	return e.ContentType == diagram.ContentError
}

// AsText returns the best text view: the text representation when present,
// otherwise the stringified body.
func (e *Envelope) AsText() string {
	if e.Representations != nil {
		if t, ok := e.Representations[RepText].(string); ok {
			return t
		}
	}
	return Stringify(e.Body)
}

// AsObject returns the best object view: the object representation when
// present, a parsed body when the body is JSON text, otherwise the body.
func (e *Envelope) AsObject() any {
	if e.Representations != nil {
		if o, ok := e.Representations[RepObject]; ok {
			return o
		}
	}
	if s, ok := e.Body.(string); ok {
		if parsed, err := parseJSONText(s); err == nil {
			return parsed
		}
	}
	return e.Body
}

// AsConversation returns the conversation representation, or nil.
func (e *Envelope) AsConversation() any {
	if e.Representations != nil {
		if c, ok := e.Representations[RepConversation]; ok {
			return c
		}
	}
	if e.ContentType == diagram.ContentConversationState {
		return e.Body
	}
	return nil
}

// Stringify renders an arbitrary value for text contexts. Structured values
// become compact JSON; scalars use their natural rendering.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", v)
}
