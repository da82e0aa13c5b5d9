package rest

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/stream"
)

// StreamConfig describes a stream read from one API endpoint.
type StreamConfig struct {
	Definition stream.Definition
	Client     *Client

	// Path is relative to the client's BaseURL. "{key}" placeholders are
	// filled from the partition context.
	Path   string
	Method string
	// RecordsPath locates records in each response body; defaults to "$[*]"
	RecordsPath string

	// Parent is the parent stream type, if any
	Parent string

	// Params builds the query for one page. token is the paginator's current
	// token and startingValue the incremental bookmark, both possibly nil.
	Params func(partition stream.Context, token interface{}, startingValue interface{}) url.Values
	// NewPaginator defaults to a single page
	NewPaginator func() Paginator
	// Parse overrides record extraction with RecordsPath
	Parse func(resp *Response) ([]stream.Record, error)

	// Partitions lists the contexts to sync; nil syncs once without one
	Partitions func(ctx context.Context) ([]stream.Context, error)
	// ChildContext defaults to the partition, or the record itself when the
	// stream is unpartitioned
	ChildContext func(record stream.Record, partition stream.Context) (stream.Context, bool)
	// PostProcess defaults to emitting records unchanged
	PostProcess func(record stream.Record, partition stream.Context) (stream.Record, bool)
}

// Stream is a stream.Stream over a paginated JSON API.
type Stream struct {
	cfg     StreamConfig
	records jp.Expr
}

// NewStream validates cfg and applies defaults.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.Client == nil {
		return nil, errors.Newf(errors.ErrorTypeConfig, "stream %q has no client", cfg.Definition.Name)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.RecordsPath == "" {
		cfg.RecordsPath = "$[*]"
	}
	records, err := CompilePath(cfg.RecordsPath)
	if err != nil {
		return nil, err
	}
	if cfg.NewPaginator == nil {
		cfg.NewPaginator = SinglePage
	}
	return &Stream{cfg: cfg, records: records}, nil
}

// Definition implements stream.Stream
func (s *Stream) Definition() stream.Definition { return s.cfg.Definition }

// ParentType implements stream.HasParent
func (s *Stream) ParentType() string { return s.cfg.Parent }

// NewPaginator implements stream.Paginated
func (s *Stream) NewPaginator() stream.Paginator { return s.cfg.NewPaginator() }

// Partitions implements stream.Partitioned
func (s *Stream) Partitions(ctx context.Context) ([]stream.Context, error) {
	if s.cfg.Partitions == nil {
		return nil, nil
	}
	return s.cfg.Partitions(ctx)
}

// ChildContext implements stream.ChildContexter
func (s *Stream) ChildContext(record stream.Record, partition stream.Context) (stream.Context, bool) {
	if s.cfg.ChildContext == nil {
		if partition != nil {
			return partition, true
		}
		return record, true
	}
	return s.cfg.ChildContext(record, partition)
}

// PostProcess implements stream.PostProcessor
func (s *Stream) PostProcess(record stream.Record, partition stream.Context) (stream.Record, bool) {
	if s.cfg.PostProcess == nil {
		return record, true
	}
	return s.cfg.PostProcess(record, partition)
}

// Records implements stream.Stream. Pages are requested until the
// paginator finishes or the caller stops iterating.
func (s *Stream) Records(ctx context.Context, partition stream.Context) iter.Seq2[stream.Record, error] {
	return func(yield func(stream.Record, error) bool) {
		path, err := fillPath(s.cfg.Path, partition)
		if err != nil {
			yield(nil, err)
			return
		}
		startingValue := stream.StartingValue(ctx)
		pager := s.cfg.NewPaginator()

		for pager.HasMore() {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.Wrap(err, errors.ErrorTypeTimeout, "sync cancelled"))
				return
			}
			req := s.request(path, partition, pager.CurrentToken(), startingValue)
			resp, err := s.cfg.Client.Do(ctx, req)
			if err != nil {
				yield(nil, errors.Wrapf(err, errors.GetType(err), "stream %s: page %d", s.cfg.Definition.Name, pager.Count()+1))
				return
			}
			records, err := s.parse(resp)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, record := range records {
				if !yield(record, nil) {
					return
				}
			}
			if err := pager.Advance(resp, len(records)); err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

func (s *Stream) request(path string, partition stream.Context, token, startingValue interface{}) *Request {
	req := &Request{Method: s.cfg.Method, Path: path, Params: url.Values{}}
	if next, ok := token.(*url.URL); ok {
		// header links carry the full next request
		req.Path = next.String()
		return req
	}
	if s.cfg.Params != nil {
		req.Params = s.cfg.Params(partition, token, startingValue)
	}
	return req
}

func (s *Stream) parse(resp *Response) ([]stream.Record, error) {
	if s.cfg.Parse != nil {
		return s.cfg.Parse(resp)
	}
	doc, err := resp.JSON()
	if err != nil {
		return nil, err
	}
	matches := s.records.Get(doc)
	records := make([]stream.Record, 0, len(matches))
	for _, m := range matches {
		record, ok := m.(map[string]interface{})
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeData, "stream %s: expected an object at %s, got %T",
				s.cfg.Definition.Name, s.cfg.RecordsPath, m)
		}
		records = append(records, record)
	}
	return records, nil
}

// fillPath substitutes "{key}" placeholders with escaped partition values.
func fillPath(path string, partition stream.Context) (string, error) {
	var b strings.Builder
	for {
		start := strings.IndexByte(path, '{')
		if start < 0 {
			b.WriteString(path)
			return b.String(), nil
		}
		end := strings.IndexByte(path[start:], '}')
		if end < 0 {
			return "", errors.Newf(errors.ErrorTypeConfig, "unclosed placeholder in path %q", path)
		}
		key := path[start+1 : start+end]
		value, ok := partition[key]
		if !ok {
			return "", errors.Newf(errors.ErrorTypeConfig, "path placeholder {%s} missing from context", key)
		}
		b.WriteString(path[:start])
		b.WriteString(url.PathEscape(fmt.Sprint(value)))
		path = path[start+end+1:]
	}
}
