package schema

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

const validatorResource = "stream.json"

// Validator checks decoded JSON values against a compiled schema. Format
// keywords are annotations only, as in the Singer SDK.
type Validator struct {
	compiled *jsonschema.Schema
}

// NewValidator compiles doc. A document that does not compile yields a
// SchemaNotValid error.
func NewValidator(doc Document) (*Validator, error) {
	data, err := jsonpool.Marshal(withoutFormats(doc))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaNotValid, "failed to encode schema")
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	compiler.AssertFormat = false
	if err := compiler.AddResource(validatorResource, bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaNotValid, "failed to load schema")
	}
	compiled, err := compiler.Compile(validatorResource)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaNotValid, "failed to compile schema")
	}
	return &Validator{compiled: compiled}, nil
}

// schemaMaps hold subschemas keyed by name rather than keywords.
var schemaMaps = map[string]bool{"properties": true, "patternProperties": true, "definitions": true, "$defs": true, "dependencies": true}

// withoutFormats copies a schema dropping every format keyword. Draft 7
// validators assert formats unconditionally.
func withoutFormats(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == "format" {
			if _, ok := v.(string); ok {
				continue
			}
		}
		if schemaMaps[k] {
			if named, ok := v.(map[string]interface{}); ok {
				sub := make(map[string]interface{}, len(named))
				for name, s := range named {
					sub[name] = stripFormatsValue(s)
				}
				out[k] = sub
				continue
			}
		}
		out[k] = stripFormatsValue(v)
	}
	return out
}

func stripFormatsValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return withoutFormats(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = stripFormatsValue(item)
		}
		return out
	}
	return v
}

// Validate returns a RecordValidation error describing the first failing
// location, with every violation listed under Details["errors"].
func (v *Validator) Validate(instance interface{}) error {
	violations := v.Violations(instance)
	if len(violations) == 0 {
		return nil
	}
	return errors.Newf(errors.ErrorTypeRecordValidation, "record failed validation: %s", violations[0]).
		WithDetail("errors", violations)
}

// Violations lists every leaf validation failure as "<location>: <message>".
func (v *Validator) Violations(instance interface{}) []string {
	err := v.compiled.Validate(normalizeInstance(instance))
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}

	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			location := e.InstanceLocation
			if location == "" {
				location = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", location, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	sort.Strings(out)
	return out
}

// normalizeInstance converts decoded values into the types the validator
// understands.
func normalizeInstance(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeInstance(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeInstance(val)
		}
		return out
	case jsonpool.Number:
		return stdjson.Number(string(t))
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return v
}
