package schema

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/logger"
)

// Source returns the schema stored under a key.
type Source interface {
	Get(ctx context.Context, key string) (Document, error)
}

// Fetcher loads a schema without caching. Fetch errors surface as
// SchemaNotFound errors from the caching layer.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (interface{}, error)
}

// CachedSource wraps a Fetcher with per key caching: the first Get of a key
// fetches, later calls return the cached document.
type CachedSource struct {
	fetcher Fetcher
	mu      sync.Mutex
	cache   map[string]Document
	logger  *zap.Logger
}

// NewCachedSource creates a caching Source over fetcher.
func NewCachedSource(fetcher Fetcher) *CachedSource {
	return &CachedSource{
		fetcher: fetcher,
		cache:   make(map[string]Document),
		logger:  logger.With(zap.String("component", "schema_source")),
	}
}

// Get implements Source
func (s *CachedSource) Get(ctx context.Context, key string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.cache[key]; ok {
		return doc, nil
	}

	raw, err := s.fetcher.Fetch(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeSchemaNotFound, "schema not found for %q", key)
	}
	doc, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeSchemaNotValid, "schema for %q must be a JSON object", key)
	}

	s.cache[key] = doc
	s.logger.Debug("schema cached", zap.String("key", key))
	return doc, nil
}

// Cached reports whether key has already been fetched.
func (s *CachedSource) Cached(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache[key]
	return ok
}

// directoryFetcher reads <dir>/<key>.<ext> from a file system.
type directoryFetcher struct {
	fsys      fs.FS
	dir       string
	extension string
}

func (f *directoryFetcher) Fetch(_ context.Context, key string) (interface{}, error) {
	data, err := fs.ReadFile(f.fsys, path.Join(f.dir, key+"."+f.extension))
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := jsonpool.UnmarshalUseNumber(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// NewDirectorySource serves schemas stored as one JSON file per stream under
// dir of fsys. Pass an embed.FS to ship schemas inside the binary.
func NewDirectorySource(fsys fs.FS, dir string) *CachedSource {
	if dir == "" {
		dir = "."
	}
	return NewCachedSource(&directoryFetcher{fsys: fsys, dir: dir, extension: "json"})
}

// NewDirectorySourceFromPath is NewDirectorySource over a local directory.
func NewDirectorySourceFromPath(dir string) *CachedSource {
	return NewDirectorySource(os.DirFS(dir), ".")
}

// openAPIFetcher serves #/components/schemas/<key> of an OpenAPI document.
type openAPIFetcher struct {
	location string
	client   *http.Client

	once    sync.Once
	spec    Document
	loadErr error
}

// NewOpenAPISource serves component schemas from an OpenAPI specification at
// location, a local path or an http(s) URL. The specification is loaded once,
// on first use.
func NewOpenAPISource(location string) *CachedSource {
	return NewCachedSource(&openAPIFetcher{
		location: location,
		client:   &http.Client{Timeout: 30 * time.Second},
	})
}

func (f *openAPIFetcher) load(ctx context.Context) (Document, error) {
	f.once.Do(func() {
		var data []byte
		if strings.HasPrefix(f.location, "http://") || strings.HasPrefix(f.location, "https://") {
			data, f.loadErr = f.loadRemote(ctx)
		} else {
			data, f.loadErr = os.ReadFile(f.location)
		}
		if f.loadErr != nil {
			return
		}
		var spec Document
		if f.loadErr = jsonpool.UnmarshalUseNumber(data, &spec); f.loadErr == nil {
			f.spec = spec
		}
	})
	return f.spec, f.loadErr
}

func (f *openAPIFetcher) loadRemote(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, errors.Newf(errors.ErrorTypeConnection, "GET %s: %s", f.location, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (f *openAPIFetcher) Fetch(ctx context.Context, key string) (interface{}, error) {
	spec, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	components, _ := spec["components"].(map[string]interface{})
	wrapper := Document{
		"$ref":       "#/components/schemas/" + key,
		"components": components,
	}
	resolved, err := Resolve(wrapper, nil)
	if err != nil {
		return nil, err
	}
	delete(resolved, "components")
	return resolved, nil
}

// Provider supplies one stream's schema. Streams receive a Provider at
// construction; resolution happens on the first call.
type Provider interface {
	Schema(ctx context.Context) (Document, error)
}

// Static is a Provider for a schema known up front.
type Static Document

// Schema implements Provider
func (s Static) Schema(context.Context) (Document, error) {
	return Document(s), nil
}

type sourceProvider struct {
	source Source
	key    string
}

func (p sourceProvider) Schema(ctx context.Context) (Document, error) {
	return p.source.Get(ctx, p.key)
}

// FromSource returns a Provider reading key from source.
func FromSource(source Source, key string) Provider {
	return sourceProvider{source: source, key: key}
}
