// Package schema resolves, sources and validates the JSON schemas that
// describe Singer streams.
package schema

import (
	"strconv"
	"strings"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// Document is a decoded JSON schema object.
type Document = map[string]interface{}

// subschemaMaps are keywords whose value maps names to schemas.
var subschemaMaps = []string{"properties", "patternProperties", "definitions", "$defs", "dependentSchemas"}

// subschemaLists are keywords whose value is a list of schemas.
var subschemaLists = []string{"anyOf", "oneOf", "allOf", "prefixItems"}

// subschemaSingles are keywords whose value is a single schema.
var subschemaSingles = []string{"additionalProperties", "not", "if", "then", "else", "contains", "propertyNames", "additionalItems"}

// Resolve expands every $ref in document. Refs of the form "#/path" point
// into the document holding them; any other ref names a document in external,
// optionally followed by "#/path". Targets are resolved recursively, so chains
// across several external documents end at a concrete schema.
//
// A ref that re-enters a ref already being expanded resolves to an empty
// schema, which terminates self referential schemas. The input is never
// modified.
func Resolve(document Document, external map[string]Document) (Document, error) {
	r := &resolver{external: external}
	// the root is being expanded, so "#" re-enters it
	out, err := r.resolveSchema(document, scope{doc: document}, []string{"#"})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scope is the document that local "#/..." refs are resolved against.
type scope struct {
	id  string
	doc Document
}

type resolver struct {
	external map[string]Document
}

func (r *resolver) resolveSchema(node Document, sc scope, chain []string) (Document, error) {
	if ref, ok := node["$ref"].(string); ok {
		return r.resolveRef(ref, node, sc, chain)
	}

	out := make(Document, len(node))
	for k, v := range node {
		out[k] = jsonpool.CloneValue(v)
	}

	for _, key := range subschemaMaps {
		children, ok := node[key].(map[string]interface{})
		if !ok {
			continue
		}
		resolved := make(map[string]interface{}, len(children))
		for name, child := range children {
			value, err := r.resolveValue(child, sc, chain)
			if err != nil {
				return nil, err
			}
			resolved[name] = value
		}
		out[key] = resolved
	}

	for _, key := range subschemaLists {
		items, ok := node[key].([]interface{})
		if !ok {
			continue
		}
		resolved := make([]interface{}, len(items))
		for i, item := range items {
			value, err := r.resolveValue(item, sc, chain)
			if err != nil {
				return nil, err
			}
			resolved[i] = value
		}
		out[key] = resolved
	}

	for _, key := range subschemaSingles {
		if child, ok := node[key]; ok {
			value, err := r.resolveValue(child, sc, chain)
			if err != nil {
				return nil, err
			}
			out[key] = value
		}
	}

	// items is either one schema or a tuple of schemas
	if items, ok := node["items"]; ok {
		value, err := r.resolveValue(items, sc, chain)
		if err != nil {
			return nil, err
		}
		out["items"] = value
	}

	return out, nil
}

// resolveValue resolves schema shaped values and copies everything else.
func (r *resolver) resolveValue(v interface{}, sc scope, chain []string) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		return r.resolveSchema(t, sc, chain)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			value, err := r.resolveValue(item, sc, chain)
			if err != nil {
				return nil, err
			}
			out[i] = value
		}
		return out, nil
	}
	return jsonpool.CloneValue(v), nil
}

func (r *resolver) resolveRef(ref string, node Document, sc scope, chain []string) (Document, error) {
	docID, pointer, _ := strings.Cut(ref, "#")

	target := sc
	if docID != "" {
		doc, ok := r.external[docID]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeSchemaNotFound, "schema not found for %q", ref).
				WithDetail("document", docID)
		}
		target = scope{id: docID, doc: doc}
	}

	key := target.id + "#" + strings.TrimSuffix(pointer, "/")
	for _, seen := range chain {
		if seen == key {
			return Document{}, nil
		}
	}

	fragment, err := lookupPointer(target.doc, pointer)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeSchemaNotFound, "schema not found for %q", ref)
	}
	fragmentDoc, ok := fragment.(map[string]interface{})
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeSchemaNotValid, "schema at %q must be a JSON object", ref)
	}

	nextChain := make([]string, len(chain), len(chain)+1)
	copy(nextChain, chain)
	nextChain = append(nextChain, key)

	out, err := r.resolveSchema(fragmentDoc, target, nextChain)
	if err != nil {
		return nil, err
	}

	// siblings of $ref are kept on top of the expanded target
	for k, v := range node {
		if k == "$ref" {
			continue
		}
		value, err := r.resolveValue(v, sc, chain)
		if err != nil {
			return nil, err
		}
		out[k] = value
	}
	return out, nil
}

// lookupPointer follows an RFC 6901 JSON pointer such as "/definitions/a".
func lookupPointer(doc Document, pointer string) (interface{}, error) {
	var current interface{} = doc
	if pointer == "" || pointer == "/" {
		return current, nil
	}
	for _, token := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[token]
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeNotFound, "pointer %q: %q not found", pointer, token)
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, errors.Newf(errors.ErrorTypeNotFound, "pointer %q: bad index %q", pointer, token)
			}
			current = node[idx]
		default:
			return nil, errors.Newf(errors.ErrorTypeNotFound, "pointer %q: cannot descend into %q", pointer, token)
		}
	}
	return current, nil
}
