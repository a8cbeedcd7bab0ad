// ABOUTME: User response handler: asks a human a question through the runtime interviewer.
// ABOUTME: Owns its own deadline from the node timeout; falls back to the default answer on expiry.

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
)

// defaultQuestionTimeout bounds questions whose config sets none. A node
// waiting on a human should never hold an execution open forever.
const defaultQuestionTimeout = 10 * time.Minute

// UserResponseHandler handles user_response nodes.
type UserResponseHandler struct{}

// Kind returns the node kind this handler serves.
func (h *UserResponseHandler) Kind() diagram.NodeKind { return diagram.KindUserResponse }

// Execute renders the prompt, asks the runtime interviewer, and returns the
// answer as text. When the question times out and a default answer is
// configured, the default is the answer.
func (h *UserResponseHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.UserResponseConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing user_response config")}
	}
	if req.Runtime.Interviewer == nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("no interviewer available")}
	}

	prompt, err := envelope.Render(cfg.Prompt, req.TemplateContext(nil))
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("render prompt: %w", err)}
	}

	timeout := defaultQuestionTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	askCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q := Question{
		ExecutionID: req.Runtime.ExecutionID,
		NodeID:      req.Node.ID,
		Prompt:      prompt,
		Default:     cfg.Default,
		Timeout:     timeout,
		AskedAt:     time.Now().UTC(),
	}
	answer, err := req.Runtime.Interviewer.Ask(askCtx, q)
	if err != nil {
		// The parent context ending means the execution is going away;
		// only this node's own deadline degrades to the default answer.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && cfg.Default != "" {
			req.Runtime.Logger.Warn("question timed out, using default answer",
				"node_id", req.Node.ID,
				"timeout", timeout)
			return req.Factory.Text(cfg.Default).WithMeta("timed_out", true), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("ask: %w", err)}
	}
	return req.Factory.Text(answer), nil
}
