package mapper

import (
	"sort"

	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

// DefaultSeparator joins parent and child property names.
const DefaultSeparator = "__"

// Flattening lifts nested object properties to the top level.
type Flattening struct {
	Enabled   bool
	MaxDepth  int
	Separator string
}

func (f Flattening) active() bool {
	return f.Enabled && f.MaxDepth > 0
}

func (f Flattening) separator() string {
	if f.Separator == "" {
		return DefaultSeparator
	}
	return f.Separator
}

// FlattenSchema returns a copy of doc with object properties lifted up to
// MaxDepth levels. Objects and arrays that are not lifted become nullable
// strings; FlattenRecord serializes their values as JSON.
func (f Flattening) FlattenSchema(doc schema.Document) schema.Document {
	out := jsonpool.CloneMap(doc)
	if !f.active() {
		return out
	}
	props := schema.Properties(doc)
	flat := schema.Document{}
	f.flattenProperties(props, "", 0, flat)
	out["properties"] = flat
	if required, ok := doc["required"].([]interface{}); ok {
		var kept []interface{}
		for _, r := range required {
			if s, ok := r.(string); ok {
				if _, exists := flat[s]; exists {
					kept = append(kept, s)
				}
			}
		}
		if len(kept) > 0 {
			out["required"] = kept
		} else {
			delete(out, "required")
		}
	}
	return out
}

func (f Flattening) flattenProperties(props map[string]interface{}, parent string, level int, out schema.Document) {
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		key := k
		if parent != "" {
			key = parent + f.separator() + k
		}
		prop, _ := props[k].(map[string]interface{})
		if prop == nil {
			out[key] = props[k]
			continue
		}
		nested, hasNested := prop["properties"].(map[string]interface{})
		isObject := schema.HasType(prop, "object")
		switch {
		case isObject && hasNested && level < f.MaxDepth:
			f.flattenProperties(nested, key, level+1, out)
		case isObject || schema.HasType(prop, "array"):
			out[key] = schema.Document{"type": []interface{}{"string", "null"}}
		default:
			out[key] = jsonpool.CloneValue(prop)
		}
	}
}

// FlattenRecord lifts nested values the same way FlattenSchema lifts
// properties.
func (f Flattening) FlattenRecord(record map[string]interface{}) map[string]interface{} {
	if !f.active() {
		return record
	}
	out := make(map[string]interface{}, len(record))
	f.flattenValues(record, "", 0, out)
	return out
}

func (f Flattening) flattenValues(values map[string]interface{}, parent string, level int, out map[string]interface{}) {
	for k, v := range values {
		key := k
		if parent != "" {
			key = parent + f.separator() + k
		}
		if nested, ok := v.(map[string]interface{}); ok && level < f.MaxDepth {
			f.flattenValues(nested, key, level+1, out)
			continue
		}
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			data, err := jsonpool.Marshal(v)
			if err != nil {
				out[key] = v
				continue
			}
			out[key] = string(data)
		default:
			out[key] = v
		}
	}
}
