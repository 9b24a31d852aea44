package refine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noahbclarkson/gemini-structured-output/internal/schemaval"
)

// networkBackoffBase is the first exponential backoff step used when a
// transient backend error carries no retry-delay hint.
const networkBackoffBase = 200 * time.Millisecond

// patchResponseSchema is the structured-output schema sent to backends that
// support schema enforcement. It exposes a single top-level "patch" array of
// RFC6902 operations.
const patchResponseSchema = `{
  "type": "object",
  "properties": {
    "patch": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "op": {
            "type": "string",
            "enum": ["add", "remove", "replace", "move", "copy", "test"]
          },
          "path": {"type": "string"},
          "from": {"type": "string"},
          "value": {}
        },
        "required": ["op", "path"]
      }
    }
  },
  "required": ["patch"]
}`

// Engine drives iterative JSON Patch refinement against one or two backends.
//
// An Engine is immutable after construction and safe for concurrent Refine
// calls; each call keeps its own working document and conversation.
type Engine struct {
	primary    Backend
	fallback   Backend
	config     Config
	logger     *zap.Logger
	validators *schemaval.Cache
}

// New builds an Engine with the default configuration. fallback may be nil
// when no escalation target exists.
func New(primary, fallback Backend) *Engine {
	return &Engine{
		primary:    primary,
		fallback:   fallback,
		config:     DefaultConfig(),
		logger:     zap.NewNop(),
		validators: schemaval.NewCache(),
	}
}

// WithConfig returns a copy of the engine using cfg.
func (e *Engine) WithConfig(cfg Config) *Engine {
	out := *e
	out.config = cfg
	return &out
}

// WithLogger returns a copy of the engine logging through l.
func (e *Engine) WithLogger(l *zap.Logger) *Engine {
	out := *e
	out.logger = l
	return &out
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.config
}

// selectBackend picks the active backend for the given attempt. Once the
// escalation threshold is crossed the fallback serves every remaining attempt;
// the switch is logged once and never reversed within a call.
func (e *Engine) selectBackend(attemptIdx int, escalated *bool, log *zap.Logger) Backend {
	if e.config.Fallback.Kind == FallbackEscalate &&
		attemptIdx > e.config.Fallback.AfterAttempts &&
		e.fallback != nil {
		if !*escalated {
			log.Info("escalating refinement to fallback backend",
				zap.Int("attempt", attemptIdx),
				zap.Int("after_attempts", e.config.Fallback.AfterAttempts),
				zap.String("backend", e.fallback.Name()))
			*escalated = true
		}
		return e.fallback
	}
	return e.primary
}

// send performs one generation call with transient-failure retry. Rate-limit
// and unavailable responses are retried up to NetworkRetries times, sleeping
// the server-suggested delay when one is present and exponential backoff
// otherwise. Any other backend error is returned immediately.
func (e *Engine) send(ctx context.Context, backend Backend, req GenerateRequest, log *zap.Logger) (string, error) {
	var lastErr error

	for i := 0; i <= e.config.NetworkRetries; i++ {
		text, err := backend.GenerateText(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err

		var be *BackendError
		if !errors.As(err, &be) || !be.Retryable() {
			return "", err
		}
		if i == e.config.NetworkRetries {
			break
		}

		delay, ok := be.RetryDelay()
		if !ok {
			delay = networkBackoffBase * (1 << uint(i))
		}
		log.Warn("transient backend error, retrying",
			zap.Int("status", be.Status),
			zap.Int("network_retry", i+1),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	return "", lastErr
}

// buildSystemPrompt assembles the patch-generation system instruction with the
// array-handling guidance for the configured strategy.
func (e *Engine) buildSystemPrompt() string {
	base := "You are a JSON Patch generator. Given the current JSON value and the target schema, " +
		"return a JSON object with a 'patch' key containing an array of valid RFC6902 " +
		"operations that transforms the current value to satisfy the instruction and schema. " +
		"Do not wrap in code fences or prose."

	switch e.config.ArrayStrategy {
	case ReplaceWhole:
		return base + "\n\nIMPORTANT: When modifying arrays, prefer using a single 'replace' operation " +
			"on the entire array (e.g., {\"op\": \"replace\", \"path\": \"/items\", \"value\": [...]}) " +
			"rather than individual add/remove operations on array indices. This prevents index " +
			"shift issues when patches are applied sequentially."
	case ReorderRemovals:
		return base + "\n\nWhen removing multiple array elements, list removals in reverse index order " +
			"(highest index first) to prevent index shift issues."
	default:
		return base
	}
}
