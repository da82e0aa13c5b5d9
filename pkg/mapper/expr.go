package mapper

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// expression is a compiled property map, filter or alias expression such
// as `md5(email)`, `config.salt + name` or `'literal'`.
type expression struct {
	src     string
	program *vm.Program
}

// Names bound in every expression besides the record properties.
const (
	recordName            = "record"
	recordShortName       = "_"
	selfName              = "self"
	configName            = "config"
	streamNameVar         = "__stream_name__"
	originalStreamNameVar = "__original_stream_name__"
)

var exprOptions = []expr.Option{
	// A property absent from a sparse record evaluates to nil.
	expr.AllowUndefinedVariables(),
	expr.Function("md5", nullable(func(v interface{}) (interface{}, error) {
		digest := md5.Sum([]byte(stringify(v)))
		return hex.EncodeToString(digest[:]), nil
	}), new(func(interface{}) string)),
	expr.Function("sha256", nullable(func(v interface{}) (interface{}, error) {
		digest := sha256.Sum256([]byte(stringify(v)))
		return hex.EncodeToString(digest[:]), nil
	}), new(func(interface{}) string)),
	expr.Function("str", nullable(func(v interface{}) (interface{}, error) {
		return stringify(v), nil
	}), new(func(interface{}) string)),
	expr.Function("bool", func(params ...interface{}) (interface{}, error) {
		return truthy(params[0]), nil
	}, new(func(interface{}) bool)),
	expr.Function("json", func(params ...interface{}) (interface{}, error) {
		data, err := jsonpool.Marshal(params[0])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "json() failed")
		}
		return string(data), nil
	}, new(func(interface{}) string)),
}

// compileExpression compiles src. A malformed expression is a config error.
func compileExpression(src string) (*expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "empty expression")
	}
	program, err := expr.Compile(src, exprOptions...)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to parse expression %s", src)
	}
	return &expression{src: src, program: program}, nil
}

func (e *expression) eval(env map[string]interface{}) (interface{}, error) {
	return expr.Run(e.program, env)
}

// recordEnv binds the record properties at top level next to record, _,
// config, self and the stream names. self starts out nil; bindSelf points it
// at the mapped property.
func recordEnv(record, config map[string]interface{}, streamName, sourceName string) map[string]interface{} {
	values, _ := normalize(record).(map[string]interface{})
	if values == nil {
		values = map[string]interface{}{}
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	env := make(map[string]interface{}, len(values)+6)
	for k, v := range values {
		env[k] = v
	}
	env[recordName] = values
	env[recordShortName] = values
	env[configName] = normalize(config)
	env[streamNameVar] = streamName
	env[originalStreamNameVar] = sourceName
	env[selfName] = nil
	return env
}

func bindSelf(env map[string]interface{}, property string) {
	values, _ := env[recordName].(map[string]interface{})
	env[selfName] = values[property]
}

// normalize turns decoded JSON numbers into the int and float64 values the
// expression builtins understand.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case jsonpool.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return string(t)
	}
	return v
}

// nullable passes nil through a single argument function.
func nullable(f func(interface{}) (interface{}, error)) func(params ...interface{}) (interface{}, error) {
	return func(params ...interface{}) (interface{}, error) {
		if params[0] == nil {
			return nil, nil
		}
		return f(params[0])
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case jsonpool.Number:
		return string(t)
	case map[string]interface{}, []interface{}:
		data, _ := jsonpool.Marshal(t)
		return string(data)
	}
	return fmt.Sprint(v)
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	return true
}
