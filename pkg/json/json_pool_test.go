package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalUseNumberKeepsPrecision(t *testing.T) {
	var out map[string]interface{}
	require.NoError(t, UnmarshalUseNumber([]byte(`{"id": 9007199254740993, "ratio": 0.5}`), &out))

	id, ok := out["id"].(Number)
	require.True(t, ok, "expected Number, got %T", out["id"])
	assert.Equal(t, "9007199254740993", id.String())
	assert.Equal(t, Number("0.5"), out["ratio"])
}

func TestMarshalLineDoesNotEscapeHTML(t *testing.T) {
	line, err := MarshalLine(map[string]interface{}{"html": "<b>&</b>"})
	require.NoError(t, err)
	assert.Equal(t, "{\"html\":\"<b>&</b>\"}\n", string(line))
}

func TestMarshalRecordsLines(t *testing.T) {
	data, err := MarshalRecordsLines([]map[string]interface{}{
		{"id": 1},
		{"id": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
}

func TestEqualIgnoresKeyOrder(t *testing.T) {
	a := map[string]interface{}{"a": 1, "b": []interface{}{"x"}}
	b := map[string]interface{}{"b": []interface{}{"x"}, "a": 1}
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, map[string]interface{}{"a": 2}))
}

func TestCloneMapIsDeep(t *testing.T) {
	original := map[string]interface{}{
		"bookmarks": map[string]interface{}{
			"users": map[string]interface{}{"partitions": []interface{}{map[string]interface{}{"context": "a"}}},
		},
	}
	clone := CloneMap(original)
	clone["bookmarks"].(map[string]interface{})["users"].(map[string]interface{})["partitions"] = nil

	partitions := original["bookmarks"].(map[string]interface{})["users"].(map[string]interface{})["partitions"]
	assert.Len(t, partitions, 1)
	assert.Nil(t, CloneMap(nil))
}
