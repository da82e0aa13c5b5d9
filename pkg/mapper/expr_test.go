package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

func TestExpressions(t *testing.T) {
	env := recordEnv(map[string]interface{}{
		"id":    jsonpool.Number("41"),
		"name":  "ada",
		"tags":  []interface{}{"x", "y"},
		"price": "9.5",
		"meta":  map[string]interface{}{"k": "v"},
	}, map[string]interface{}{"env": "prod"}, "users", "raw_users")

	tests := []struct {
		src  string
		want interface{}
	}{
		{"name", "ada"},
		{"missing", nil},
		{"'lit'", "lit"},
		{`"double"`, "double"},
		{"id + 1", 42},
		{"float(price)", 9.5},
		{"int('12')", 12},
		{"str(id)", "41"},
		{"bool(name)", true},
		{"len(tags)", 2},
		{"tags[1]", "y"},
		{"record['name']", "ada"},
		{"_['meta']['k']", "v"},
		{"record.meta.k", "v"},
		{"config['env']", "prod"},
		{"__original_stream_name__", "raw_users"},
		{"json(meta)", `{"k":"v"}`},
		{"md5(missing)", nil},
		{"upper(name)", "ADA"},
		{"id > 40 && name contains 'd'", true},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			expr, err := compileExpression(tt.src)
			require.NoError(t, err)
			got, err := expr.eval(env)
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, got)
		})
	}
}

func TestExpressionParseErrors(t *testing.T) {
	for _, src := range []string{"", "md5(", "a b", "'open", "x[1", "md5(a, b)"} {
		t.Run(src, func(t *testing.T) {
			_, err := compileExpression(src)
			assert.Error(t, err)
		})
	}
}

func TestSelfRefersToTheMappedProperty(t *testing.T) {
	expr, err := compileExpression("str(self) + '!'")
	require.NoError(t, err)
	env := recordEnv(map[string]interface{}{"n": 3}, nil, "s", "s")
	bindSelf(env, "n")
	got, err := expr.eval(env)
	require.NoError(t, err)
	assert.Equal(t, "3!", got)

	bindSelf(env, "absent")
	assert.Nil(t, env[selfName])
}
