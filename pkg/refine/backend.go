package refine

import "context"

// Message roles used in the refinement conversation.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is a single role-tagged turn in the refinement conversation.
type Message struct {
	Role string
	Text string
	// Documents holds reference attachments carried by this message.
	// Backends that cannot transport binary data may ignore them.
	Documents []Document
}

// Document is a reference attachment (PDF, image, CSV, ...) injected into the
// refinement context so the model can ground its patches in source material.
type Document struct {
	Name     string
	MIMEType string
	Data     []byte
}

// GenerateRequest describes one text-generation call to a backend.
//
// When ResponseJSONSchema is set the backend should request schema-enforced
// structured output (response_mime_type: application/json plus the schema);
// backends that do not support schema enforcement fall back to prompted JSON.
type GenerateRequest struct {
	System             string
	Messages           []Message
	Temperature        float64
	ResponseMIMEType   string
	ResponseJSONSchema []byte
}

// Backend abstracts a text-generation endpoint. Implementations must be safe
// for concurrent use; the engine never serializes calls across Refine calls.
type Backend interface {
	// GenerateText sends the request and returns the raw response text.
	// A successful return is never empty; empty or error responses must be
	// reported as an error (wrapped in *BackendError for HTTP-level failures
	// so the engine can classify retryability).
	GenerateText(ctx context.Context, req GenerateRequest) (string, error)

	// Name identifies the backend in logs (e.g. model name).
	Name() string
}

// Refinable is the contract a target type must satisfy to be refined.
//
// Schema returns the JSON Schema document describing the type; it must be
// stable across calls because the compiled validator is cached by schema
// hash. Validate performs domain-logic checks beyond what the schema can
// express and returns nil when the value is acceptable.
type Refinable interface {
	Schema() []byte
	Validate() error
}
