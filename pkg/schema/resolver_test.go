package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
)

type doc = map[string]interface{}
type list = []interface{}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		schema   Document
		external map[string]Document
		want     Document
	}{
		{
			name: "local definition",
			schema: doc{
				"type":        "object",
				"definitions": doc{"string_type": doc{"type": "string"}},
				"properties":  doc{"name": doc{"$ref": "#/definitions/string_type"}},
			},
			want: doc{
				"type":        "object",
				"definitions": doc{"string_type": doc{"type": "string"}},
				"properties":  doc{"name": doc{"type": "string"}},
			},
		},
		{
			name:     "external document",
			schema:   doc{"type": "object", "properties": doc{"name": doc{"$ref": "references.json#/definitions/string_type"}}},
			external: map[string]Document{"references.json": {"definitions": doc{"string_type": doc{"type": "string"}}}},
			want:     doc{"type": "object", "properties": doc{"name": doc{"type": "string"}}},
		},
		{
			name: "pattern properties",
			schema: doc{
				"definitions":       doc{"s": doc{"type": "string"}},
				"patternProperties": doc{".+": doc{"$ref": "#/definitions/s"}},
			},
			want: doc{
				"definitions":       doc{"s": doc{"type": "string"}},
				"patternProperties": doc{".+": doc{"type": "string"}},
			},
		},
		{
			name:   "array items",
			schema: doc{"properties": doc{"dogs": doc{"type": "array", "items": doc{"$ref": "doggie.json#/dogs"}}}},
			external: map[string]Document{"doggie.json": {"dogs": doc{
				"type":       "object",
				"properties": doc{"breed": doc{"type": "string"}},
			}}},
			want: doc{"properties": doc{"dogs": doc{"type": "array", "items": doc{
				"type":       "object",
				"properties": doc{"breed": doc{"type": "string"}},
			}}}},
		},
		{
			name:   "indirect chain",
			schema: doc{"properties": doc{"name": doc{"$ref": "references.json#/definitions/string_type"}}},
			external: map[string]Document{
				"references.json":        {"definitions": doc{"string_type": doc{"$ref": "second_reference.json"}}},
				"second_reference.json": {"type": "string"},
			},
			want: doc{"properties": doc{"name": doc{"type": "string"}}},
		},
		{
			name:     "ref siblings are preserved",
			schema:   doc{"properties": doc{"name": doc{"$ref": "references.json#/definitions/string_type", "still_here": "yep"}}},
			external: map[string]Document{"references.json": {"definitions": doc{"string_type": doc{"type": "string"}}}},
			want:     doc{"properties": doc{"name": doc{"type": "string", "still_here": "yep"}}},
		},
		{
			name: "oneOf keeps title",
			schema: doc{
				"oneOf": list{doc{"$ref": "r.json#/a"}, doc{"$ref": "r.json#/b"}},
				"title": "A Title",
			},
			external: map[string]Document{"r.json": {"a": doc{"type": "string"}, "b": doc{"type": "integer"}}},
			want: doc{
				"oneOf": list{doc{"type": "string"}, doc{"type": "integer"}},
				"title": "A Title",
			},
		},
		{
			name: "same reference twice",
			schema: doc{"properties": doc{
				"min": doc{"$ref": "components#/schemas/ComputeUnit"},
				"max": doc{"$ref": "components#/schemas/ComputeUnit"},
			}},
			external: map[string]Document{"components": {"schemas": doc{"ComputeUnit": doc{"type": "number"}}}},
			want: doc{"properties": doc{
				"min": doc{"type": "number"},
				"max": doc{"type": "number"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.schema, tt.external)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveCircularReference(t *testing.T) {
	schema := doc{
		"type":       "object",
		"properties": doc{"filter": doc{"$ref": "components#/schemas/Filter"}},
	}
	external := map[string]Document{"components": {"schemas": doc{
		"Filter": doc{"properties": doc{
			"name":    doc{"type": "string", "title": "Name"},
			"clauses": doc{"type": "array", "items": doc{"$ref": "components#/schemas/Filter"}, "title": "Clauses"},
		}},
	}}}

	got, err := Resolve(schema, external)
	require.NoError(t, err)
	assert.Equal(t, doc{
		"type": "object",
		"properties": doc{"filter": doc{"properties": doc{
			"name":    doc{"type": "string", "title": "Name"},
			"clauses": doc{"type": "array", "items": doc{}, "title": "Clauses"},
		}}},
	}, got)
}

func TestResolveRootReference(t *testing.T) {
	schema := doc{
		"type":       "object",
		"properties": doc{"child": doc{"$ref": "#"}, "id": doc{"type": "integer"}},
	}
	got, err := Resolve(schema, nil)
	require.NoError(t, err)
	assert.Equal(t, doc{
		"type":       "object",
		"properties": doc{"child": doc{}, "id": doc{"type": "integer"}},
	}, got)

	got, err = Resolve(doc{"properties": doc{"child": doc{"$ref": "#/"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, doc{"properties": doc{"child": doc{}}}, got)
}

func TestResolveIsIdempotent(t *testing.T) {
	schema := doc{
		"definitions": doc{"id": doc{"type": "integer"}},
		"properties": doc{
			"id":   doc{"$ref": "#/definitions/id"},
			"tags": doc{"type": "array", "items": doc{"$ref": "#/definitions/id"}},
		},
	}
	once, err := Resolve(schema, nil)
	require.NoError(t, err)
	twice, err := Resolve(once, nil)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	// the input is left untouched
	assert.Equal(t, "#/definitions/id", schema["properties"].(doc)["id"].(doc)["$ref"])
}

func TestResolveErrors(t *testing.T) {
	_, err := Resolve(doc{"properties": doc{"a": doc{"$ref": "missing.json#/x"}}}, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaNotFound))

	_, err = Resolve(doc{"properties": doc{"a": doc{"$ref": "#/definitions/nope"}}}, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaNotFound))

	_, err = Resolve(doc{"definitions": doc{"n": 3}, "properties": doc{"a": doc{"$ref": "#/definitions/n"}}}, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaNotValid))
}
