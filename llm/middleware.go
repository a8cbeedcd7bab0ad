// ABOUTME: Stock middleware for the LLM client: retry, structured logging, and request defaults.
// ABOUTME: Install via WithMiddleware; order matters (outermost first).

package llm

import (
	"context"
	"log/slog"
	"time"
)

// RetryMiddleware re-attempts retryable provider failures per policy.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req *Request, next NextFunc) (*Result, error) {
		return Retry(ctx, policy, func(ctx context.Context) (*Result, error) {
			return next(ctx, req)
		})
	}
}

// LoggingMiddleware logs each completion call with service, model, phase,
// duration, and token usage.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req *Request, next NextFunc) (*Result, error) {
		start := time.Now()
		result, err := next(ctx, req)
		elapsed := time.Since(start)

		attrs := []any{
			"service", req.Service,
			"model", req.Model,
			"phase", string(req.Phase),
			"duration", elapsed.Round(time.Millisecond).String(),
		}
		if err != nil {
			logger.Warn("llm call failed", append(attrs, "error", err)...)
			return nil, err
		}
		attrs = append(attrs,
			"input_tokens", result.Usage.InputTokens,
			"output_tokens", result.Usage.OutputTokens,
		)
		logger.Debug("llm call completed", attrs...)
		return result, nil
	}
}

// DefaultsMiddleware fills unset temperature and max_tokens on direct
// completion requests. Selection and decision phases set their own bounds.
func DefaultsMiddleware(temperature float64, maxTokens int) Middleware {
	return func(ctx context.Context, req *Request, next NextFunc) (*Result, error) {
		if req.Phase == PhaseDirect || req.Phase == "" {
			if req.Temperature == nil {
				t := temperature
				req.Temperature = &t
			}
			if req.MaxTokens == nil && maxTokens > 0 {
				m := maxTokens
				req.MaxTokens = &m
			}
		}
		return next(ctx, req)
	}
}
