package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noahbclarkson/gemini-structured-output/internal/normalize"
	"github.com/noahbclarkson/gemini-structured-output/internal/patching"
)

// ContextGenerator produces extra prompt text from the current typed value,
// rebuilt fresh for every iteration.
type ContextGenerator[T any] func(T) string

// Validator checks a structurally valid value against external constraints.
// A nil return accepts the value.
type Validator[T any] func(T) error

// AsyncValidator is a Validator that may block (simulations, remote checks).
type AsyncValidator[T any] func(context.Context, T) error

// Refine runs a refinement call with no per-call extensions. It is shorthand
// for NewRequest(...).Execute(ctx).
func Refine[T Refinable](ctx context.Context, e *Engine, current T, instruction string) (*Outcome[T], error) {
	return NewRequest(e, current, instruction).Execute(ctx)
}

// Request configures a single refinement call. Zero or more extensions may be
// chained before Execute; the builder is not safe for concurrent mutation but
// a built request may be executed while others run on the same engine.
type Request[T Refinable] struct {
	engine         *Engine
	current        T
	instruction    string
	documents      []Document
	history        []Message
	contextGen     ContextGenerator[T]
	validator      Validator[T]
	asyncValidator AsyncValidator[T]
}

// NewRequest starts a refinement request for current under instruction.
func NewRequest[T Refinable](e *Engine, current T, instruction string) *Request[T] {
	return &Request[T]{engine: e, current: current, instruction: instruction}
}

// WithDocuments attaches reference documents to every prompt of the call.
func (r *Request[T]) WithDocuments(docs ...Document) *Request[T] {
	r.documents = append(r.documents, docs...)
	return r
}

// WithHistory seeds the conversation with prior messages.
func (r *Request[T]) WithHistory(msgs ...Message) *Request[T] {
	r.history = append(r.history, msgs...)
	return r
}

// WithContextGenerator registers a per-iteration dynamic context source.
func (r *Request[T]) WithContextGenerator(gen ContextGenerator[T]) *Request[T] {
	r.contextGen = gen
	return r
}

// WithValidator registers a synchronous external-constraint validator. It runs
// only after schema and domain validation pass.
func (r *Request[T]) WithValidator(v Validator[T]) *Request[T] {
	r.validator = v
	return r
}

// WithAsyncValidator registers a blocking validator, run last in the chain.
func (r *Request[T]) WithAsyncValidator(v AsyncValidator[T]) *Request[T] {
	r.asyncValidator = v
	return r
}

// Execute runs the refinement loop to completion. It returns an Outcome on
// success, *ExhaustedError when MaxRetries attempts all failed, and other
// errors only for non-recoverable conditions (fatal backend errors, context
// cancellation, unusable schema).
func (r *Request[T]) Execute(ctx context.Context) (*Outcome[T], error) {
	e := r.engine
	if r.instruction == "" {
		return nil, fmt.Errorf("refine: instruction must not be empty")
	}

	schema := r.current.Schema()
	validator, err := e.validators.Get(schema)
	if err != nil {
		return nil, fmt.Errorf("refine: %w", err)
	}
	var schemaTree any
	if err := json.Unmarshal(schema, &schemaTree); err != nil {
		return nil, fmt.Errorf("refine: target schema is not valid JSON: %w", err)
	}
	prettySchema, err := json.MarshalIndent(schemaTree, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("refine: %w", err)
	}

	working, err := json.Marshal(r.current)
	if err != nil {
		return nil, fmt.Errorf("refine: marshaling current value: %w", err)
	}

	log := e.logger.With(zap.String("call_id", uuid.NewString()))
	systemPrompt := e.buildSystemPrompt()

	conversation := append([]Message(nil), r.history...)
	var attempts []Attempt
	escalated := false

	log.Debug("starting refinement loop",
		zap.Int("max_retries", e.config.MaxRetries),
		zap.Stringer("patch_strategy", e.config.PatchStrategy),
		zap.Stringer("array_strategy", e.config.ArrayStrategy))

	for attemptIdx := 1; attemptIdx <= e.config.MaxRetries; attemptIdx++ {
		previousValid := working

		prompt, err := r.buildPrompt(working, prettySchema)
		if err != nil {
			return nil, fmt.Errorf("refine: %w", err)
		}

		backend := e.selectBackend(attemptIdx, &escalated, log)
		messages := append(append([]Message(nil), conversation...), Message{
			Role:      RoleUser,
			Text:      prompt,
			Documents: r.documents,
		})

		patchText, err := e.send(ctx, backend, GenerateRequest{
			System:             systemPrompt,
			Messages:           messages,
			Temperature:        e.config.Temperature,
			ResponseMIMEType:   "application/json",
			ResponseJSONSchema: []byte(patchResponseSchema),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("refine: backend %s: %w", backend.Name(), err)
		}

		conversation = append(conversation, Message{Role: RoleModel, Text: patchText})

		patch, err := patching.ParseText(patchText)
		if err != nil {
			msg := err.Error()
			log.Warn("invalid patch from model", zap.Int("attempt", attemptIdx), zap.String("error", msg))
			attempts = append(attempts, failureAttempt(patchText, msg))
			conversation = append(conversation, corrective(
				fmt.Sprintf("The patch could not be parsed: %s. Return a JSON object {\"patch\": [...]}.", msg),
				r.instruction,
				"Fix the errors while ensuring the original instruction is still met."))
			continue
		}

		if e.config.ArrayStrategy == ReorderRemovals {
			patch = patching.Reorder(patch)
		}

		next, patchErrs := patching.Apply(working, patch, e.config.PatchStrategy == Atomic)
		if len(patchErrs) > 0 {
			msg := strings.Join(patchErrs, "; ")
			log.Warn("patch application had failures",
				zap.Int("attempt", attemptIdx), zap.String("errors", msg))
			attempts = append(attempts, failureAttempt(patchText, msg))
			conversation = append(conversation, corrective(
				fmt.Sprintf("Some patch operations failed: %s.", msg),
				r.instruction,
				"Fix the errors while ensuring the original instruction is still met."))
			if e.config.PatchStrategy == PartialApply {
				working = next
			}
			continue
		}

		candidate, err := normalizeCandidate(next, schemaTree)
		if err != nil {
			return nil, fmt.Errorf("refine: %w", err)
		}

		schemaErrs, err := validator.Validate(candidate)
		if err != nil {
			return nil, fmt.Errorf("refine: %w", err)
		}
		if len(schemaErrs) > 0 {
			msg := strings.Join(schemaErrs, "; ")
			log.Warn("patch produced schema-invalid document",
				zap.Int("attempt", attemptIdx), zap.String("errors", msg))
			attempts = append(attempts, failureAttempt(patchText, msg))
			conversation = append(conversation, corrective(
				fmt.Sprintf("Patch failed validation: %s.", msg),
				r.instruction,
				"Return a corrected JSON Patch while keeping the instruction in mind."))
			switch e.config.ValidationFailure {
			case IterateForward:
				working = candidate
			case Rollback:
				working = previousValid
				conversation = append(conversation, Message{Role: RoleUser,
					Text: "The previous patch resulted in invalid data. Changes were reverted; try a different approach while honoring the original instruction."})
			}
			continue
		}

		var value T
		if err := json.Unmarshal(candidate, &value); err != nil {
			msg := fmt.Sprintf("candidate does not decode into the target type: %v", err)
			log.Warn("schema-valid candidate failed to decode",
				zap.Int("attempt", attemptIdx), zap.String("error", msg))
			attempts = append(attempts, failureAttempt(patchText, msg))
			conversation = append(conversation, corrective(
				fmt.Sprintf("Patch failed validation: %s.", msg),
				r.instruction,
				"Return a corrected JSON Patch while keeping the instruction in mind."))
			switch e.config.ValidationFailure {
			case IterateForward:
				working = candidate
			case Rollback:
				working = previousValid
				conversation = append(conversation, Message{Role: RoleUser,
					Text: "The previous patch resulted in invalid data. Changes were reverted; try a different approach while honoring the original instruction."})
			}
			continue
		}

		if err := value.Validate(); err != nil {
			msg := err.Error()
			log.Warn("candidate passed schema but failed logic validation",
				zap.Int("attempt", attemptIdx), zap.String("error", msg))
			attempts = append(attempts, failureAttempt(patchText, msg))
			conversation = append(conversation, corrective(
				fmt.Sprintf("JSON is valid, but logic failed: %s.", msg),
				r.instruction,
				"Fix the data while preserving the original intent."))
			switch e.config.ValidationFailure {
			case IterateForward:
				working = candidate
			case Rollback:
				working = previousValid
				conversation = append(conversation, Message{Role: RoleUser,
					Text: "Logic validation failed. Reverted to last valid state; try a different patch that still meets the original instruction."})
			}
			continue
		}

		if r.validator != nil {
			if err := r.validator(value); err != nil {
				msg := err.Error()
				log.Warn("context validation failed",
					zap.Int("attempt", attemptIdx), zap.String("error", msg))
				attempts = append(attempts, failureAttempt(patchText, msg))
				conversation = append(conversation, corrective(
					fmt.Sprintf("The data structure is valid, but it violates external constraints: %s.", msg),
					r.instruction,
					"Please adjust the values to satisfy this constraint while honoring the instruction."))
				switch e.config.ValidationFailure {
				case IterateForward:
					working = candidate
				case Rollback:
					working = previousValid
					conversation = append(conversation, Message{Role: RoleUser,
						Text: "Context validation failed. Reverted to last valid state; try a different approach that still satisfies the instruction."})
				}
				continue
			}
		}

		if r.asyncValidator != nil {
			if err := r.asyncValidator(ctx, value); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				msg := err.Error()
				log.Warn("async validation failed",
					zap.Int("attempt", attemptIdx), zap.String("error", msg))
				attempts = append(attempts, failureAttempt(patchText, msg))
				conversation = append(conversation, corrective(
					fmt.Sprintf("The data structure is valid, but the async check failed: %s.", msg),
					r.instruction,
					"Please adjust the values to satisfy this constraint while preserving the instruction."))
				switch e.config.ValidationFailure {
				case IterateForward:
					working = candidate
				case Rollback:
					working = previousValid
					conversation = append(conversation, Message{Role: RoleUser,
						Text: "Async validation failed. Reverted to last valid state; try a different approach that still satisfies the instruction."})
				}
				continue
			}
		}

		log.Debug("refinement successful", zap.Int("attempt", attemptIdx))
		attempts = append(attempts, successAttempt(patchText))
		applied, err := json.Marshal(patch)
		if err != nil {
			return nil, fmt.Errorf("refine: %w", err)
		}
		return &Outcome[T]{Value: value, Attempts: attempts, Applied: applied}, nil
	}

	lastErr := "unknown error"
	if len(attempts) > 0 && attempts[len(attempts)-1].Err != "" {
		lastErr = attempts[len(attempts)-1].Err
	}
	log.Warn("refinement exhausted",
		zap.Int("retries", e.config.MaxRetries),
		zap.String("last_error", lastErr))
	return nil, &ExhaustedError{Retries: e.config.MaxRetries, LastError: lastErr}
}

// buildPrompt renders the per-iteration user prompt from the working document,
// the target schema, and optional dynamic context.
func (r *Request[T]) buildPrompt(working, prettySchema []byte) (string, error) {
	var tree any
	if err := json.Unmarshal(working, &tree); err != nil {
		return "", fmt.Errorf("working document is not valid JSON: %w", err)
	}
	prettyWorking, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return "", err
	}

	dynamic := ""
	if r.contextGen != nil {
		// The generator needs the typed view. A working document that no
		// longer decodes (possible under IterateForward) just skips the
		// dynamic context for this iteration.
		var typed T
		if err := json.Unmarshal(working, &typed); err == nil {
			if text := r.contextGen(typed); text != "" {
				dynamic = fmt.Sprintf("Additional context:\n%s\n\n", text)
			}
		}
	}

	return fmt.Sprintf(
		"Current JSON:\n%s\n\nTarget schema:\n%s\n\n%sInstruction:\n%s\n\nReturn a JSON object with a 'patch' array:",
		prettyWorking, prettySchema, dynamic, r.instruction), nil
}

// normalizeCandidate runs the normalization passes over the raw candidate
// bytes with the schema tree in hand.
func normalizeCandidate(candidate []byte, schemaTree any) ([]byte, error) {
	var tree any
	if err := json.Unmarshal(candidate, &tree); err != nil {
		return nil, fmt.Errorf("candidate is not valid JSON: %w", err)
	}
	return json.Marshal(normalize.Candidate(tree, schemaTree))
}

// corrective builds the failure follow-up message pushed into the
// conversation. Every corrective restates the original instruction so the
// model cannot drift onto fixing errors alone.
func corrective(lead, instruction, tail string) Message {
	return Message{
		Role: RoleUser,
		Text: fmt.Sprintf("%s\n\nREMINDER - Original Instruction: %s\n%s", lead, instruction, tail),
	}
}
