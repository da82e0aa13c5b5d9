package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

func TestValidator(t *testing.T) {
	v, err := NewValidator(PropertiesList(
		Property{Name: "id", Type: IntegerType(), Required: true},
		Property{Name: "name", Type: StringType()},
		Property{Name: "updated_at", Type: DateTimeType()},
	))
	require.NoError(t, err)

	tests := []struct {
		name    string
		record  map[string]interface{}
		wantErr bool
	}{
		{"valid", map[string]interface{}{"id": jsonpool.Number("1"), "name": "a"}, false},
		{"null optional", map[string]interface{}{"id": 2, "name": nil}, false},
		{"format is not asserted", map[string]interface{}{"id": 3, "updated_at": "yesterday"}, false},
		{"space separated timestamp", map[string]interface{}{"id": 4, "updated_at": "2024-01-01 10:00:00"}, false},
		{"missing required", map[string]interface{}{"name": "a"}, true},
		{"wrong type", map[string]interface{}{"id": "one"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.record)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeRecordValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatorKeepsPropertyNamedFormat(t *testing.T) {
	v, err := NewValidator(Document{
		"type":     "object",
		"required": []interface{}{"format"},
		"properties": map[string]interface{}{
			"format": map[string]interface{}{"type": "string"},
			"email":  map[string]interface{}{"type": "string", "format": "email"},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, v.Validate(map[string]interface{}{"format": "csv", "email": "not an address"}))
	assert.Error(t, v.Validate(map[string]interface{}{"email": "a@b.c"}))
	assert.Error(t, v.Validate(map[string]interface{}{"format": 1}))
}

func TestNewValidatorRejectsBadSchema(t *testing.T) {
	_, err := NewValidator(Document{"type": 12})
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaNotValid))
}

func TestTypingHelpers(t *testing.T) {
	prop := Property{Name: "token", Type: StringType(), Secret: true}.Dict()
	assert.Equal(t, []interface{}{"string", "null"}, prop["type"])
	assert.Equal(t, true, prop["writeOnly"])

	assert.Equal(t, "string", PrimaryType(prop))
	assert.True(t, HasType(prop, "null"))
	assert.Equal(t, "date-time", DatelikeFormat(DateTimeType().TypeDict()))
	assert.Equal(t, "", DatelikeFormat(IntegerType().TypeDict()))
	assert.Equal(t, "integer", PrimaryType(Document{"anyOf": []interface{}{
		map[string]interface{}{"type": "null"},
		map[string]interface{}{"type": "integer"},
	}}))

	obj := PropertiesList(Property{Name: "id", Type: IntegerType(), Required: true})
	assert.Equal(t, []interface{}{"id"}, obj["required"])
	assert.Equal(t, "array", ArrayType(StringType()).TypeDict()["type"])
}
