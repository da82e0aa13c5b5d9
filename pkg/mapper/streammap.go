package mapper

import (
	"sort"
	"strings"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

// Reserved stream map keys.
const (
	ElseOption          = "__else__"
	FilterOption        = "__filter__"
	SourceOption        = "__source__"
	AliasOption         = "__alias__"
	KeyPropertiesOption = "__key_properties__"
	// NullString removes a property or stream, like a JSON null
	NullString = "__NULL__"
)

type propertyMap struct {
	name string
	// expr is nil when the property is removed
	expr *expression
}

// StreamMap turns the records of a source stream into the records of one
// output stream.
type StreamMap struct {
	// Alias is the output stream name
	Alias string
	// Source is the registered stream the map reads from
	Source string
	// Schema is the output schema
	Schema schema.Document
	// KeyProperties are the output key properties
	KeyProperties []string

	rawSchema        schema.Document
	rawKeys          []string
	remove           bool
	includeByDefault bool
	properties       []propertyMap
	filter           *expression
	config           map[string]interface{}
	flattening       Flattening
}

// Removed reports whether the map drops every record of its stream.
func (s *StreamMap) Removed() bool {
	return s.remove
}

func newSameMap(stream string, doc schema.Document, keys []string, flattening Flattening) *StreamMap {
	return &StreamMap{
		Alias:            stream,
		Source:           stream,
		Schema:           flattening.FlattenSchema(doc),
		KeyProperties:    keys,
		rawSchema:        jsonpool.CloneMap(doc),
		rawKeys:          keys,
		includeByDefault: true,
		flattening:       flattening,
	}
}

func newRemoveMap(alias, stream string, doc schema.Document) *StreamMap {
	return &StreamMap{
		Alias:     alias,
		Source:    stream,
		Schema:    jsonpool.CloneMap(doc),
		rawSchema: jsonpool.CloneMap(doc),
		remove:    true,
	}
}

func newCustomMap(alias, stream string, doc schema.Document, keys []string, def map[string]interface{}, mapConfig map[string]interface{}, flattening Flattening) (*StreamMap, error) {
	s := &StreamMap{
		Alias:            alias,
		Source:           stream,
		KeyProperties:    keys,
		rawSchema:        jsonpool.CloneMap(doc),
		rawKeys:          keys,
		includeByDefault: true,
		config:           mapConfig,
		flattening:       flattening,
	}

	def = shallowCopy(def)
	if rule, ok := def[FilterOption]; ok {
		switch r := rule.(type) {
		case nil:
		case string:
			filter, err := compileExpression(r)
			if err != nil {
				return nil, err
			}
			s.filter = filter
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"unexpected filter rule type %T in '%s'; expected string or null", rule, alias)
		}
		delete(def, FilterOption)
	}
	if raw, ok := def[KeyPropertiesOption]; ok {
		keys, err := stringList(raw)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid %s for '%s'", KeyPropertiesOption, alias)
		}
		s.KeyProperties = keys
		delete(def, KeyPropertiesOption)
	}
	if raw, ok := def[ElseOption]; ok {
		if !isNull(raw) {
			return nil, errors.Newf(errors.ErrorTypeConfig, "option '%s=%v' is not supported", ElseOption, raw)
		}
		s.includeByDefault = false
		delete(def, ElseOption)
	}

	out := jsonpool.CloneMap(doc)
	if !s.includeByDefault {
		// Unmapped properties are dropped but key properties are kept.
		out = schema.PropertiesList()
		for _, k := range s.KeyProperties {
			if prop := schema.PropertySchema(doc, k); prop != nil {
				schema.Properties(out)[k] = jsonpool.CloneValue(prop)
			}
		}
	}
	if _, ok := out["properties"].(map[string]interface{}); !ok {
		out["properties"] = map[string]interface{}{}
	}
	props := out["properties"].(map[string]interface{})

	names := make([]string, 0, len(def))
	for k := range def {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, prop := range names {
		raw := def[prop]
		if isNull(raw) {
			if contains(s.KeyProperties, prop) {
				return nil, errors.Newf(errors.ErrorTypeConfig,
					"removing key property '%s' is not permitted in '%s' stream map config; use %s to replace the key properties",
					prop, alias, KeyPropertiesOption)
			}
			delete(props, prop)
			removeRequired(out, prop)
			s.properties = append(s.properties, propertyMap{name: prop})
			continue
		}
		src, ok := raw.(string)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig, "unexpected type %T in stream map for '%s:%s'", raw, alias, prop)
		}
		expr, err := compileExpression(src)
		if err != nil {
			return nil, err
		}

		defaultType := schema.StringType()
		existing, _ := props[prop].(map[string]interface{})
		if existing == nil {
			existing = schema.PropertySchema(doc, src)
		}
		if existing != nil {
			defaultType = schema.CustomType(existing)
		}
		props[prop] = schema.Property{Name: prop, Type: inferType(src, doc, defaultType)}.Dict()
		s.properties = append(s.properties, propertyMap{name: prop, expr: expr})
	}

	for _, k := range s.KeyProperties {
		if _, ok := props[k]; !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"invalid key properties for '%s': [%s]; property '%s' was not detected in schema",
				alias, strings.Join(s.KeyProperties, ","), k)
		}
	}

	s.Schema = flattening.FlattenSchema(out)
	return s, nil
}

// inferType guesses the output type of an expression from its shape.
func inferType(src string, raw schema.Document, fallback schema.Type) schema.Type {
	switch {
	case src == "record":
		return schema.CustomType(raw)
	case strings.HasPrefix(src, "float("):
		return schema.NumberType()
	case strings.HasPrefix(src, "int("), strings.HasPrefix(src, "len("):
		return schema.IntegerType()
	case strings.HasPrefix(src, "str("), strings.HasPrefix(src, "string("), strings.HasPrefix(src, "json("),
		strings.HasPrefix(src, "md5("), strings.HasPrefix(src, "sha256("):
		return schema.StringType()
	case strings.HasPrefix(src, "bool("):
		return schema.BooleanType()
	case len(src) >= 2 && src[0] == '\'' && src[len(src)-1] == '\'':
		return schema.StringType()
	}
	return fallback
}

// Transform returns the mapped record. ok is false when the record is
// dropped, either by the stream being removed or by its filter.
func (s *StreamMap) Transform(record map[string]interface{}) (out map[string]interface{}, ok bool, err error) {
	if s.remove {
		return nil, false, nil
	}
	var env map[string]interface{}
	if s.filter != nil || len(s.properties) > 0 {
		env = recordEnv(record, s.config, s.Alias, s.Source)
	}
	if s.filter != nil {
		keep, err := s.filter.eval(env)
		if err != nil {
			return nil, false, errors.Wrapf(err, errors.ErrorTypeData, "failed to evaluate filter '%s' for stream '%s'", s.filter.src, s.Alias)
		}
		if !truthy(keep) {
			return nil, false, nil
		}
	}
	if s.includeByDefault {
		out = shallowCopy(record)
	} else {
		out = make(map[string]interface{}, len(s.KeyProperties)+len(s.properties))
		for _, k := range s.KeyProperties {
			if v, present := record[k]; present {
				out[k] = v
			}
		}
	}

	for _, p := range s.properties {
		if p.expr == nil {
			delete(out, p.name)
			continue
		}
		bindSelf(env, p.name)
		v, err := p.expr.eval(env)
		if err != nil {
			return nil, false, errors.Wrapf(err, errors.ErrorTypeData, "failed to evaluate '%s' for stream '%s'", p.name, s.Alias)
		}
		out[p.name] = v
	}
	return s.flattening.FlattenRecord(out), true, nil
}

func isNull(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == NullString
}

func stringList(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return []string{}, nil
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeConfig, "expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "expected a list of strings, got %T", v)
}

func removeRequired(doc schema.Document, prop string) {
	required, ok := doc["required"].([]interface{})
	if !ok {
		return
	}
	kept := required[:0:0]
	for _, r := range required {
		if r != prop {
			kept = append(kept, r)
		}
	}
	doc["required"] = kept
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func shallowCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
