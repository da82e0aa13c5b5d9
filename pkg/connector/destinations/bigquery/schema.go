package bigquery

import (
	"regexp"
	"sort"
	"strings"

	"cloud.google.com/go/bigquery"

	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

var invalidField = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// FieldName maps a property name to a BigQuery column name.
func FieldName(name string) string {
	out := invalidField.ReplaceAllString(name, "_")
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// TableID maps a stream name to a table id.
func TableID(prefix, stream string) string {
	return strings.ToLower(FieldName(prefix + stream))
}

// Schema converts a stream schema to a BigQuery table schema. Objects with
// properties become RECORD fields, arrays become REPEATED fields and
// anything else that is not a single scalar type becomes JSON.
func Schema(doc schema.Document) bigquery.Schema {
	props := schema.Properties(doc)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(bigquery.Schema, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]interface{})
		out = append(out, field(FieldName(name), prop))
	}
	return out
}

func field(name string, prop schema.Document) *bigquery.FieldSchema {
	f := &bigquery.FieldSchema{Name: name}
	if desc, ok := prop["description"].(string); ok {
		f.Description = desc
	}
	types := concreteTypes(prop)
	if len(types) != 1 {
		if len(types) == 2 && contains(types, "integer") && contains(types, "number") {
			f.Type = bigquery.FloatFieldType
			return f
		}
		f.Type = bigquery.JSONFieldType
		return f
	}
	switch types[0] {
	case "array":
		items, _ := prop["items"].(map[string]interface{})
		if contains(concreteTypes(items), "array") || len(concreteTypes(items)) != 1 {
			f.Type = bigquery.JSONFieldType
			return f
		}
		f = field(name, items)
		f.Repeated = true
		return f
	case "object":
		if len(schema.Properties(prop)) == 0 {
			f.Type = bigquery.JSONFieldType
			return f
		}
		f.Type = bigquery.RecordFieldType
		f.Schema = Schema(prop)
		return f
	case "integer":
		f.Type = bigquery.IntegerFieldType
	case "number":
		f.Type = bigquery.FloatFieldType
	case "boolean":
		f.Type = bigquery.BooleanFieldType
	case "string":
		switch schema.DatelikeFormat(prop) {
		case "date-time":
			f.Type = bigquery.TimestampFieldType
		case "date":
			f.Type = bigquery.DateFieldType
		case "time":
			f.Type = bigquery.TimeFieldType
		default:
			f.Type = bigquery.StringFieldType
		}
	default:
		f.Type = bigquery.JSONFieldType
	}
	return f
}

func concreteTypes(prop schema.Document) []string {
	var out []string
	for _, t := range schema.Types(prop) {
		if t != "null" {
			out = append(out, t)
		}
	}
	return out
}

// MissingFields returns the fields of want whose names are absent from have.
func MissingFields(have, want bigquery.Schema) bigquery.Schema {
	existing := make(map[string]bool, len(have))
	for _, f := range have {
		existing[strings.ToLower(f.Name)] = true
	}
	var missing bigquery.Schema
	for _, f := range want {
		if !existing[strings.ToLower(f.Name)] {
			missing = append(missing, f)
		}
	}
	return missing
}

// Row prepares a record for BigQuery: keys become column names and numbers
// become int64 or float64. Streaming inserts take JSON column values as
// encoded text, which jsonText selects.
func Row(s bigquery.Schema, record map[string]interface{}, jsonText bool) map[string]bigquery.Value {
	fields := make(map[string]*bigquery.FieldSchema, len(s))
	for _, f := range s {
		fields[f.Name] = f
	}
	out := make(map[string]bigquery.Value, len(record))
	for k, v := range record {
		name := FieldName(k)
		out[name] = rowValue(fields[name], v, jsonText)
	}
	return out
}

func rowValue(f *bigquery.FieldSchema, v interface{}, jsonText bool) bigquery.Value {
	if v == nil {
		return nil
	}
	if jsonText && f != nil && f.Type == bigquery.JSONFieldType {
		data, err := jsonpool.Marshal(v)
		if err != nil {
			return nil
		}
		return string(data)
	}
	switch t := v.(type) {
	case jsonpool.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if x, err := t.Float64(); err == nil {
			return x
		}
		return string(t)
	case map[string]interface{}:
		var nested bigquery.Schema
		if f != nil {
			nested = f.Schema
		}
		if f != nil && f.Type == bigquery.JSONFieldType {
			return t
		}
		return Row(nested, t, jsonText)
	case []interface{}:
		if f != nil && f.Type == bigquery.JSONFieldType {
			return t
		}
		out := make([]bigquery.Value, len(t))
		for i, item := range t {
			out[i] = rowValue(f, item, jsonText)
		}
		return out
	}
	return v
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
