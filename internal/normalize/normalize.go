// Package normalize repairs raw model candidates so they deserialize into the
// target type. JSON Schema can only approximate tagged sum types, so models
// frequently emit a flattened variant object (all fields merged, nulls for the
// inapplicable ones) or a bare discriminator string where a tagged wrapper is
// required. The fixed pass pipeline here bridges that gap.
//
// Every pass is a pure function of (candidate, schema) implemented as a
// stateless recursive visitor that walks the schema in lockstep with the
// value. Pass order matters: tag recovery assumes nulls are already pruned.
package normalize

import (
	"strings"
)

// Candidate runs the four normalization passes in order and returns the
// repaired value. The input trees are treated as immutable; callers get a new
// tree wherever a repair happened.
func Candidate(value, schema any) any {
	value = pruneNulls(value)
	value = unflattenExternal(value, schema)
	value = coerceEnumStrings(value, schema)
	value = recoverInternalTags(value, schema)
	return value
}

// pruneNulls removes object keys whose value is null and drops null array
// elements. This undoes the flattened-enum padding models emit when a schema
// lists every variant's fields as optional.
func pruneNulls(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			if child == nil {
				continue
			}
			out[k] = pruneNulls(child)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, child := range v {
			if child == nil {
				continue
			}
			out = append(out, pruneNulls(child))
		}
		return out
	default:
		return value
	}
}

// unflattenExternal rebuilds externally-tagged wrappers. Where the schema
// expects {"VariantName": {...}} but the candidate holds a flat object of
// variant fields (or a bare array for a tuple-like variant), the candidate is
// wrapped under the best-matching variant name. Exact field-set matches win;
// single-key objects whose key matches a variant name case-insensitively get
// their key canonicalized in place.
func unflattenExternal(value, schema any) any {
	variants := schemaVariants(schema)
	if len(variants) > 0 {
		value = matchExternalVariant(value, variants)
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = unflattenExternal(child, propertySchema(schema, k))
		}
		return out
	case []any:
		item := itemSchema(schema)
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = unflattenExternal(child, item)
		}
		return out
	default:
		return value
	}
}

func matchExternalVariant(value any, variants []map[string]any) any {
	switch v := value.(type) {
	case string:
		// Bare discriminator for a unit variant.
		for _, variant := range variants {
			for _, allowed := range enumValues(variant) {
				if strings.EqualFold(v, allowed) {
					return allowed
				}
			}
		}
		return value

	case map[string]any:
		// Already wrapped, possibly with the wrong key case.
		if len(v) == 1 {
			for key, payload := range v {
				for _, variant := range variants {
					name, payloadSchema, ok := externalVariantShape(variant)
					if !ok {
						continue
					}
					if strings.EqualFold(key, name) {
						return map[string]any{name: unflattenExternal(payload, payloadSchema)}
					}
				}
			}
		}

		// Flat object of variant fields. Prefer the variant whose property
		// set covers every candidate key, tightest field count first.
		bestName := ""
		var bestSchema any
		bestExtra := -1
		for _, variant := range variants {
			name, payloadSchema, ok := externalVariantShape(variant)
			if !ok {
				continue
			}
			props := schemaProperties(payloadSchema)
			if props == nil || !coversKeys(props, v) {
				continue
			}
			extra := len(props) - len(v)
			if bestExtra == -1 || extra < bestExtra {
				bestName, bestSchema, bestExtra = name, payloadSchema, extra
			}
		}
		if bestName != "" {
			return map[string]any{bestName: unflattenExternal(v, bestSchema)}
		}
		return v

	case []any:
		// Bare array for the sole array-shaped variant.
		for _, variant := range variants {
			name, payloadSchema, ok := externalVariantShape(variant)
			if !ok {
				continue
			}
			if schemaType(payloadSchema) == "array" {
				return map[string]any{name: unflattenExternal(v, payloadSchema)}
			}
		}
		return v

	default:
		return value
	}
}

// coerceEnumStrings maps near-miss strings onto their canonical enum value.
// Case differences, whitespace and punctuation are ignored, and a candidate
// that extends an allowed value ("Operating Activities" for "Operating") is
// accepted as a prefix match.
func coerceEnumStrings(value, schema any) any {
	if s, ok := value.(string); ok {
		if allowed := enumValues(schema); len(allowed) > 0 {
			return coerceString(s, allowed)
		}
		for _, variant := range schemaVariants(schema) {
			if vs := enumValues(variant); len(vs) > 0 {
				if out := coerceString(s, vs); out != s {
					return out
				}
			}
		}
		return s
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = coerceEnumStrings(child, propertySchema(schema, k))
		}
		return out
	case []any:
		item := itemSchema(schema)
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = coerceEnumStrings(child, item)
		}
		return out
	default:
		return value
	}
}

func coerceString(s string, allowed []string) string {
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	for _, a := range allowed {
		if strings.EqualFold(s, a) {
			return a
		}
	}
	ns := normalizeToken(s)
	for _, a := range allowed {
		if ns == normalizeToken(a) {
			return a
		}
	}
	for _, a := range allowed {
		na := normalizeToken(a)
		if na != "" && strings.HasPrefix(ns, na) {
			return a
		}
	}
	return s
}

// normalizeToken lowercases and strips everything that is not a letter or
// digit.
func normalizeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// recoverInternalTags repairs internally-tagged unions, where the schema
// expects {"type": "X", ...fields}. A bare string becomes {"type": canonical},
// an object missing the tag gets it injected by matching its present fields
// against each variant, and a tag with the wrong case is canonicalized.
func recoverInternalTags(value, schema any) any {
	variants := schemaVariants(schema)
	tagged := internalVariants(variants)

	if len(tagged) > 0 {
		switch v := value.(type) {
		case string:
			for _, variant := range tagged {
				if strings.EqualFold(v, variant.tag) {
					return map[string]any{"type": variant.tag}
				}
			}
		case map[string]any:
			value = repairInternalTag(v, tagged)
		}
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = recoverInternalTags(child, propertySchema(schema, k))
		}
		return out
	case []any:
		item := itemSchema(schema)
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = recoverInternalTags(child, item)
		}
		return out
	default:
		return value
	}
}

type internalVariant struct {
	tag    string
	schema any
}

// internalVariants extracts the variants of an internally-tagged union: each
// variant schema carries a "type" property constrained to a single value.
func internalVariants(variants []map[string]any) []internalVariant {
	var out []internalVariant
	for _, variant := range variants {
		props := schemaProperties(variant)
		typeSchema, ok := props["type"]
		if !ok {
			continue
		}
		vals := enumValues(typeSchema)
		if len(vals) != 1 {
			continue
		}
		out = append(out, internalVariant{tag: vals[0], schema: variant})
	}
	return out
}

func repairInternalTag(obj map[string]any, tagged []internalVariant) map[string]any {
	if raw, ok := obj["type"]; ok {
		if tag, ok := raw.(string); ok {
			for _, variant := range tagged {
				if tag == variant.tag {
					return obj
				}
			}
			for _, variant := range tagged {
				if strings.EqualFold(tag, variant.tag) {
					out := cloneMap(obj)
					out["type"] = variant.tag
					return out
				}
			}
		}
		return obj
	}

	// Tag missing: match present fields against each variant's property set.
	bestTag := ""
	bestExtra := -1
	for _, variant := range tagged {
		props := schemaProperties(variant.schema)
		if !coversKeys(props, obj) {
			continue
		}
		extra := len(props) - len(obj)
		if bestExtra == -1 || extra < bestExtra {
			bestTag, bestExtra = variant.tag, extra
		}
	}
	if bestTag == "" {
		return obj
	}
	out := cloneMap(obj)
	out["type"] = bestTag
	return out
}

// schemaVariants collects union variants from anyOf/oneOf, including the
// x-anyOf-original list that schema cleaning stashes aside for providers that
// reject anyOf.
func schemaVariants(schema any) []map[string]any {
	m, ok := schema.(map[string]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, key := range []string{"anyOf", "oneOf", "x-anyOf-original"} {
		list, ok := m[key].([]any)
		if !ok {
			continue
		}
		for _, raw := range list {
			if variant, ok := raw.(map[string]any); ok {
				out = append(out, variant)
			}
		}
	}
	return out
}

// externalVariantShape recognizes an externally-tagged variant: an object
// schema with exactly one property, whose name is the variant discriminator.
// A sole constrained-string property is an internal tag, not a wrapper.
func externalVariantShape(variant map[string]any) (name string, payload any, ok bool) {
	props := schemaProperties(variant)
	if len(props) != 1 {
		return "", nil, false
	}
	for k, v := range props {
		if len(enumValues(v)) > 0 {
			return "", nil, false
		}
		return k, v, true
	}
	return "", nil, false
}

func schemaProperties(schema any) map[string]any {
	m, ok := schema.(map[string]any)
	if !ok {
		return nil
	}
	props, _ := m["properties"].(map[string]any)
	return props
}

func propertySchema(schema any, key string) any {
	if props := schemaProperties(schema); props != nil {
		if sub, ok := props[key]; ok {
			return sub
		}
	}
	if m, ok := schema.(map[string]any); ok {
		if ap, ok := m["additionalProperties"].(map[string]any); ok {
			return ap
		}
	}
	return nil
}

func itemSchema(schema any) any {
	m, ok := schema.(map[string]any)
	if !ok {
		return nil
	}
	return m["items"]
}

func schemaType(schema any) string {
	m, ok := schema.(map[string]any)
	if !ok {
		return ""
	}
	t, _ := m["type"].(string)
	return t
}

// enumValues returns the string members of a schema's enum (or single const).
func enumValues(schema any) []string {
	m, ok := schema.(map[string]any)
	if !ok {
		return nil
	}
	if c, ok := m["const"].(string); ok {
		return []string{c}
	}
	list, ok := m["enum"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, raw := range list {
		if s, ok := raw.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// coversKeys reports whether every key of obj is declared in props.
func coversKeys(props map[string]any, obj map[string]any) bool {
	if len(obj) == 0 {
		return false
	}
	for k := range obj {
		if _, ok := props[k]; !ok {
			return false
		}
	}
	return true
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
