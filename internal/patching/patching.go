// Package patching parses RFC6902 JSON Patch payloads out of raw model
// output and applies them to a working document under a chosen strategy.
//
// Model output is treated as hostile: it may be wrapped in markdown fences,
// surrounded by prose, emitted as a bare operation array instead of the
// requested {"patch": [...]} wrapper, or address paths that traverse null
// values. All of that is handled here so the refinement loop above only has
// to deal with well-formed patches and human-readable error strings.
package patching

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Operation is a single RFC6902 operation.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch is an ordered sequence of operations. Order is significant and is
// preserved except under removal reordering.
type Patch []Operation

var validOps = map[string]bool{
	"add":     true,
	"remove":  true,
	"replace": true,
	"move":    true,
	"copy":    true,
	"test":    true,
}

// wrapper matches the schema-enforced structured output shape.
type wrapper struct {
	Patch []Operation `json:"patch"`
}

// ParseText extracts and decodes a patch from raw model output. Both the
// {"patch": [...]} wrapper and a bare operation array are accepted.
func ParseText(raw string) (Patch, error) {
	span := extractJSONSpan(raw)
	if span == "" {
		return nil, fmt.Errorf("no JSON found in model response")
	}

	var ops []Operation
	if strings.HasPrefix(span, "{") {
		var w wrapper
		if err := json.Unmarshal([]byte(span), &w); err != nil {
			return nil, fmt.Errorf("model response was not valid JSON Patch: %w", err)
		}
		if w.Patch == nil {
			return nil, fmt.Errorf("model response was not valid JSON Patch: object has no \"patch\" array")
		}
		ops = w.Patch
	} else {
		if err := json.Unmarshal([]byte(span), &ops); err != nil {
			return nil, fmt.Errorf("model response was not valid JSON Patch: %w", err)
		}
	}

	for i, op := range ops {
		if !validOps[op.Op] {
			return nil, fmt.Errorf("model response was not valid JSON Patch: operation %d has unknown op %q", i, op.Op)
		}
		if op.Path == "" && op.Op != "add" && op.Op != "replace" && op.Op != "test" {
			// add/replace/test on "" target the whole document; the other ops
			// need a concrete path.
			return nil, fmt.Errorf("model response was not valid JSON Patch: operation %d (%s) is missing a path", i, op.Op)
		}
	}

	return Patch(ops), nil
}

// extractJSONSpan strips markdown fences and surrounding prose, returning the
// outermost JSON object or array span. Arrays win when they open first so a
// bare operation array is not mistaken for its first element.
func extractJSONSpan(raw string) string {
	t := strings.TrimSpace(raw)
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	t = strings.TrimSpace(t)

	objStart := strings.Index(t, "{")
	arrStart := strings.Index(t, "[")

	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		if end := strings.LastIndex(t, "]"); end > arrStart {
			return t[arrStart : end+1]
		}
		return ""
	}
	if objStart != -1 {
		if end := strings.LastIndex(t, "}"); end > objStart {
			return t[objStart : end+1]
		}
		return ""
	}
	return ""
}

// Apply applies the patch to doc and returns the resulting document plus a
// list of human-readable per-operation errors (empty on full success).
//
// Atomic mode applies everything as one transaction: any failure returns the
// original document untouched with a single error. Partial mode applies
// operations one at a time, skipping operations whose parent path is missing
// or null, and keeps the effects of every operation that succeeded.
func Apply(doc []byte, p Patch, atomic bool) ([]byte, []string) {
	if atomic {
		return applyAtomic(doc, p)
	}
	return applyPartial(doc, p)
}

func applyAtomic(doc []byte, p Patch) ([]byte, []string) {
	decoded, err := decodePatch(p)
	if err != nil {
		return doc, []string{fmt.Sprintf("Atomic failure: %v", err)}
	}
	out, err := decoded.Apply(doc)
	if err != nil {
		return doc, []string{fmt.Sprintf("Atomic failure: %v", err)}
	}
	return out, nil
}

func applyPartial(doc []byte, p Patch) ([]byte, []string) {
	var errs []string

	var tree any
	if err := json.Unmarshal(doc, &tree); err != nil {
		return doc, []string{fmt.Sprintf("working document is not valid JSON: %v", err)}
	}

	for _, op := range p {
		// Guard against the common model mistake of patching a nested field
		// through a value that is still null.
		if !parentPathValid(tree, op.Path) {
			errs = append(errs, fmt.Sprintf(
				"Skipped op (path: %s): parent path is null or missing - you may need to set the parent object first before setting nested fields",
				op.Path))
			continue
		}

		single, err := decodePatch(Patch{op})
		if err != nil {
			errs = append(errs, fmt.Sprintf("Op failed (path: %s): %v", op.Path, err))
			continue
		}
		next, err := single.Apply(doc)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Op failed (path: %s): %v", op.Path, err))
			continue
		}
		doc = next
		if err := json.Unmarshal(doc, &tree); err != nil {
			errs = append(errs, fmt.Sprintf("Op produced invalid JSON (path: %s): %v", op.Path, err))
			break
		}
	}

	return doc, errs
}

func decodePatch(p Patch) (jsonpatch.Patch, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return jsonpatch.DecodePatch(raw)
}

// Reorder partitions removal operations away from the rest and sorts them by
// trailing array index descending, so that removing multiple elements of the
// same array by index behaves as if all indices referred to the original,
// unshifted array. Non-removal operations keep their relative order and run
// first.
func Reorder(p Patch) Patch {
	var removals, others Patch
	for _, op := range p {
		if op.Op == "remove" {
			removals = append(removals, op)
		} else {
			others = append(others, op)
		}
	}

	sort.SliceStable(removals, func(i, j int) bool {
		a, aok := trailingIndex(removals[i].Path)
		b, bok := trailingIndex(removals[j].Path)
		if aok != bok {
			return aok
		}
		return a > b
	})

	return append(others, removals...)
}

// trailingIndex extracts the last path segment as an array index, if any.
func trailingIndex(path string) (int, bool) {
	seg := path
	if i := strings.LastIndex(path, "/"); i != -1 {
		seg = path[i+1:]
	}
	n, err := strconv.Atoi(seg)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parentPathValid walks the JSON-Pointer parent segments of path through the
// document. For "/a/b/c" it checks that "/a/b" exists and is traversable;
// a missing segment, a null, or a primitive in the middle fails the check.
func parentPathValid(doc any, path string) bool {
	segments := pointerSegments(path)
	if len(segments) == 0 {
		return true
	}

	current := doc
	for _, seg := range segments[:len(segments)-1] {
		switch node := current.(type) {
		case map[string]any:
			child, ok := node[seg]
			if !ok || child == nil {
				return false
			}
			current = child
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return false
			}
			if node[idx] == nil {
				return false
			}
			current = node[idx]
		default:
			return false
		}
	}
	return true
}

// pointerSegments splits a JSON Pointer into unescaped segments.
func pointerSegments(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		out = append(out, p)
	}
	return out
}
