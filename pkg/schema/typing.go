package schema

import jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"

// Type renders a JSON schema fragment.
type Type interface {
	TypeDict() Document
}

type scalarType struct {
	name   string
	format string
}

func (s scalarType) TypeDict() Document {
	d := Document{"type": []interface{}{s.name}}
	if s.format != "" {
		d["format"] = s.format
	}
	return d
}

// StringType is a JSON string.
func StringType() Type { return scalarType{name: "string"} }

// DateTimeType is a string with the date-time format.
func DateTimeType() Type { return scalarType{name: "string", format: "date-time"} }

// DateType is a string with the date format.
func DateType() Type { return scalarType{name: "string", format: "date"} }

// URIType is a string with the uri format.
func URIType() Type { return scalarType{name: "string", format: "uri"} }

// IntegerType is a JSON integer.
func IntegerType() Type { return scalarType{name: "integer"} }

// NumberType is a JSON number.
func NumberType() Type { return scalarType{name: "number"} }

// BooleanType is a JSON boolean.
func BooleanType() Type { return scalarType{name: "boolean"} }

type arrayType struct{ items Type }

func (a arrayType) TypeDict() Document {
	return Document{"type": "array", "items": a.items.TypeDict()}
}

// ArrayType is an array of items.
func ArrayType(items Type) Type { return arrayType{items: items} }

type customType struct{ doc Document }

func (c customType) TypeDict() Document {
	clone, _ := jsonpool.CloneValue(c.doc).(map[string]interface{})
	if clone == nil {
		return Document{}
	}
	return clone
}

// CustomType wraps an existing schema fragment. TypeDict returns a copy.
func CustomType(doc Document) Type { return customType{doc: doc} }

// Property is a named member of an object type. Optional properties are
// nullable.
type Property struct {
	Name          string
	Type          Type
	Required      bool
	Secret        bool
	Description   string
	Default       interface{}
	AllowedValues []interface{}
}

// Dict renders the property's schema.
func (p Property) Dict() Document {
	d := p.Type.TypeDict()
	if !p.Required {
		d = appendType(d, "null")
	}
	if p.Default != nil {
		d["default"] = p.Default
	}
	if p.Description != "" {
		d["description"] = p.Description
	}
	if p.Secret {
		d["secret"] = true
		d["writeOnly"] = true
	}
	if len(p.AllowedValues) > 0 {
		d["enum"] = p.AllowedValues
	}
	return d
}

type objectType struct {
	properties []Property
}

func (o objectType) TypeDict() Document {
	props := Document{}
	var required []interface{}
	for _, p := range o.properties {
		props[p.Name] = p.Dict()
		if p.Required {
			required = append(required, p.Name)
		}
	}
	d := Document{"type": "object", "properties": props}
	if len(required) > 0 {
		d["required"] = required
	}
	return d
}

// ObjectType is an object with the given properties.
func ObjectType(properties ...Property) Type { return objectType{properties: properties} }

// PropertiesList renders a top level object schema.
func PropertiesList(properties ...Property) Document {
	return ObjectType(properties...).TypeDict()
}

func appendType(d Document, extra string) Document {
	switch t := d["type"].(type) {
	case string:
		if t != extra {
			d["type"] = []interface{}{t, extra}
		}
	case []interface{}:
		for _, existing := range t {
			if existing == extra {
				return d
			}
		}
		d["type"] = append(t, extra)
	}
	return d
}

// Types returns the declared types of a property, following anyOf.
func Types(prop Document) []string {
	var out []string
	switch t := prop["type"].(type) {
	case string:
		out = append(out, t)
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, t...)
	}
	if alternatives, ok := prop["anyOf"].([]interface{}); ok {
		for _, alt := range alternatives {
			if m, ok := alt.(map[string]interface{}); ok {
				out = append(out, Types(m)...)
			}
		}
	}
	return out
}

// HasType reports whether prop accepts any of types.
func HasType(prop Document, types ...string) bool {
	for _, declared := range Types(prop) {
		for _, want := range types {
			if declared == want {
				return true
			}
		}
	}
	return false
}

// PrimaryType returns the first non-null declared type, or "" when the
// property is untyped.
func PrimaryType(prop Document) string {
	for _, t := range Types(prop) {
		if t != "null" {
			return t
		}
	}
	return ""
}

// DatelikeFormat returns "date-time", "date" or "time" when prop is a string
// with one of those formats.
func DatelikeFormat(prop Document) string {
	if !HasType(prop, "string") {
		return ""
	}
	if format, ok := prop["format"].(string); ok {
		switch format {
		case "date-time", "date", "time":
			return format
		}
	}
	if alternatives, ok := prop["anyOf"].([]interface{}); ok {
		for _, alt := range alternatives {
			if m, ok := alt.(map[string]interface{}); ok {
				if f := DatelikeFormat(m); f != "" {
					return f
				}
			}
		}
	}
	return ""
}

// Properties returns the properties map of an object schema.
func Properties(doc Document) map[string]interface{} {
	props, _ := doc["properties"].(map[string]interface{})
	if props == nil {
		return map[string]interface{}{}
	}
	return props
}

// PropertySchema returns a named property schema or nil.
func PropertySchema(doc Document, name string) Document {
	p, _ := Properties(doc)[name].(map[string]interface{})
	return p
}
