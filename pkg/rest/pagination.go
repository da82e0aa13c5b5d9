package rest

import (
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/stream"
)

// Paginator is a stream.Paginator that advances from API responses.
type Paginator interface {
	stream.Paginator
	// Advance moves to the next page given the response of the current one
	Advance(resp *Response, records int) error
}

// HasMoreFunc reports whether pages remain after resp.
type HasMoreFunc func(resp *Response, records int) bool

// tokenFunc extracts the next page token from a response; nil or "" ends
// pagination.
type tokenFunc func(resp *Response, records int) (interface{}, error)

// paginator holds the state every pagination style shares.
type paginator struct {
	token    interface{}
	count    int
	finished bool
	next     tokenFunc
	hasMore  HasMoreFunc
}

func newPaginator(start interface{}, next tokenFunc) *paginator {
	return &paginator{token: start, next: next}
}

// HasMore implements stream.Paginator
func (p *paginator) HasMore() bool { return !p.finished }

// CurrentToken implements stream.Paginator
func (p *paginator) CurrentToken() interface{} { return p.token }

// Count implements stream.Paginator
func (p *paginator) Count() int { return p.count }

// Advance implements Paginator
func (p *paginator) Advance(resp *Response, records int) error {
	if p.finished {
		return errors.New(errors.ErrorTypeInternal, "paginator has already finished")
	}
	p.count++

	if p.hasMore != nil && !p.hasMore(resp, records) {
		p.finished = true
		return nil
	}
	next, err := p.next(resp, records)
	if err != nil {
		return err
	}
	if isEmptyToken(next) {
		p.finished = true
		return nil
	}
	if reflect.DeepEqual(next, p.token) {
		return errors.Newf(errors.ErrorTypeProtocol,
			"loop detected in pagination: token %v is identical to the prior token", next).
			WithDetail("page", p.count)
	}
	p.token = next
	return nil
}

func isEmptyToken(t interface{}) bool {
	switch v := t.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case *url.URL:
		return v == nil
	}
	return false
}

// SinglePage fetches exactly one page.
func SinglePage() Paginator {
	return newPaginator(nil, func(*Response, int) (interface{}, error) { return nil, nil })
}

// JSONPathPaginator reads the next token from the response body at path.
type JSONPathPaginator struct {
	*paginator
	path string
}

// NewJSONPathPaginator returns a paginator taking the first match of path
// in each response body as the next token.
func NewJSONPathPaginator(path string) *JSONPathPaginator {
	p := &JSONPathPaginator{path: path}
	p.paginator = newPaginator(nil, p.nextToken)
	return p
}

func (p *JSONPathPaginator) nextToken(resp *Response, _ int) (interface{}, error) {
	doc, err := resp.JSON()
	if err != nil {
		return nil, err
	}
	matches, err := Extract(p.path, doc)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 || matches[0] == nil {
		return nil, nil
	}
	return fmt.Sprint(matches[0]), nil
}

// NewHeaderPaginator reads the next token from a response header, such as
// GitLab's X-Next-Page.
func NewHeaderPaginator(key string) Paginator {
	return newPaginator(nil, func(resp *Response, _ int) (interface{}, error) {
		return resp.Header.Get(key), nil
	})
}

// NewHeaderLinkPaginator follows the rel="next" entry of the Link header
// (RFC 8288). Tokens are *url.URL values; callers merge their query into
// the next request.
func NewHeaderLinkPaginator() Paginator {
	return newPaginator(nil, func(resp *Response, _ int) (interface{}, error) {
		next := nextLink(resp.Header.Values("Link"))
		if next == "" {
			return nil, nil
		}
		u, err := url.Parse(next)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeProtocol, "invalid next link %q", next)
		}
		if resp.URL != nil {
			u = resp.URL.ResolveReference(u)
		}
		return u, nil
	})
}

// nextLink returns the target of the first rel="next" link.
func nextLink(headers []string) string {
	for _, header := range headers {
		for _, link := range strings.Split(header, ",") {
			parts := strings.Split(link, ";")
			target := strings.TrimSpace(parts[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range parts[1:] {
				k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(k), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(v), `"`)) {
					if strings.EqualFold(rel, "next") {
						return target[1 : len(target)-1]
					}
				}
			}
		}
	}
	return ""
}

// NewPageNumberPaginator counts pages from start. Pagination stops on the
// first empty page unless hasMore says otherwise.
func NewPageNumberPaginator(start int, hasMore HasMoreFunc) Paginator {
	p := newPaginator(start, nil)
	p.next = func(*Response, int) (interface{}, error) {
		return p.token.(int) + 1, nil
	}
	p.hasMore = hasMoreOrNonEmpty(hasMore)
	return p
}

// NewOffsetPaginator advances an offset by pageSize. A short page ends
// pagination unless hasMore says otherwise.
func NewOffsetPaginator(start, pageSize int, hasMore HasMoreFunc) Paginator {
	p := newPaginator(start, nil)
	p.next = func(*Response, int) (interface{}, error) {
		return p.token.(int) + pageSize, nil
	}
	if hasMore == nil {
		hasMore = func(_ *Response, records int) bool { return records >= pageSize }
	}
	p.hasMore = hasMore
	return p
}

func hasMoreOrNonEmpty(hasMore HasMoreFunc) HasMoreFunc {
	if hasMore != nil {
		return hasMore
	}
	return func(_ *Response, records int) bool { return records > 0 }
}

// TokenString renders a page token for use as a query parameter.
func TokenString(token interface{}) string {
	switch v := token.(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case *url.URL:
		return v.String()
	}
	return fmt.Sprint(token)
}
