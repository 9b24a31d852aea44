// Package schemaval wraps JSON Schema compilation and validation. Schemas are
// compiled once per distinct document and reused across refinement calls.
package schemaval

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Validator is a compiled JSON Schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// Compile builds a Validator from a raw JSON Schema document.
func Compile(schema []byte) (*Validator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate checks doc against the schema and returns the collected error
// messages, or nil when the document is valid.
func (v *Validator) Validate(doc []byte) ([]string, error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validating document: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return errs, nil
}

// Cache holds compiled validators keyed by schema content hash. Safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[[sha256.Size]byte]*Validator
}

// NewCache returns an empty validator cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[[sha256.Size]byte]*Validator)}
}

// Get returns the compiled validator for schema, compiling and memoizing it on
// first use.
func (c *Cache) Get(schema []byte) (*Validator, error) {
	key := sha256.Sum256(schema)

	c.mu.Lock()
	v, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return v, nil
	}

	v, err := Compile(schema)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = v
	c.mu.Unlock()
	return v, nil
}
