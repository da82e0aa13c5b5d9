package rest

import (
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
)

// CompilePath parses a JSONPath expression rooted at $. Recursive descent
// ("$..id") and filters ("$.items[?(@.state == 'open')]") are supported.
func CompilePath(path string) (jp.Expr, error) {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "$") {
		return nil, errors.Newf(errors.ErrorTypeConfig, "JSONPath %q must start with $", path)
	}
	x, err := jp.ParseString(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid JSONPath %q", path)
	}
	return x, nil
}

// Extract evaluates path against doc and returns every match in document
// order. A missing key yields no match rather than an error.
func Extract(path string, doc interface{}) ([]interface{}, error) {
	x, err := CompilePath(path)
	if err != nil {
		return nil, err
	}
	matches := x.Get(doc)
	if len(matches) == 0 {
		return nil, nil
	}
	return matches, nil
}
