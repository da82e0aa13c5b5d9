// Package gitlab is a sample tap over the GitLab REST API: the projects the
// token is a member of, and the issues of each project.
package gitlab

import (
	"context"
	"embed"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/rest"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/stream"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

var schemas = schema.NewDirectorySource(schemaFiles, "schemas")

const (
	AuthBearer       = "bearer"
	AuthPrivateToken = "private_token"

	defaultAPIURL = "https://gitlab.com/api/v4"
)

// Config holds the tap settings.
type Config struct {
	APIURL     string `json:"api_url"`
	Token      string `json:"private_token"`
	AuthMethod string `json:"auth_method"`
	// Projects limits the sync to these ids or full paths
	Projects []string `json:"projects"`
	PageSize int      `json:"page_size"`
	// RequestTimeoutSeconds bounds one HTTP request
	RequestTimeoutSeconds int `json:"request_timeout_seconds"`
	MaxRetries            int `json:"max_retries"`
}

// ParseConfig applies defaults and checks the settings.
func ParseConfig(settings config.Settings) (*Config, error) {
	cfg := &Config{APIURL: defaultAPIURL, AuthMethod: AuthBearer, PageSize: 100, RequestTimeoutSeconds: 300, MaxRetries: 5}
	if err := config.Decode(settings, cfg); err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "private_token is required")
	}
	if cfg.AuthMethod != AuthBearer && cfg.AuthMethod != AuthPrivateToken {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported auth_method %q", cfg.AuthMethod).
			WithDetail("allowed", []string{AuthBearer, AuthPrivateToken})
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "page_size must be between 1 and 100, got %d", cfg.PageSize)
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return cfg, nil
}

// Authenticator returns the authenticator for the configured method.
func (c *Config) Authenticator() rest.Authenticator {
	if c.AuthMethod == AuthPrivateToken {
		return &rest.HeaderAuthenticator{Headers: map[string]string{"PRIVATE-TOKEN": c.Token}}
	}
	return &rest.BearerTokenAuthenticator{Token: c.Token}
}

// Streams builds the tap streams.
func Streams(_ context.Context, settings config.Settings, logger *zap.Logger) ([]stream.Stream, error) {
	cfg, err := ParseConfig(settings)
	if err != nil {
		return nil, err
	}
	clientCfg := rest.DefaultConfig()
	clientCfg.BaseURL = cfg.APIURL
	clientCfg.UserAgent = "tap-gitlab"
	clientCfg.RequestTimeout = time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	clientCfg.MaxRetries = cfg.MaxRetries
	return StreamsWithClient(cfg, rest.NewClient(clientCfg, cfg.Authenticator(), logger))
}

// StreamsWithClient builds the tap streams over client.
func StreamsWithClient(cfg *Config, client *rest.Client) ([]stream.Stream, error) {
	projects, err := rest.NewStream(rest.StreamConfig{
		Definition: stream.Definition{
			Name:           "projects",
			PrimaryKeys:    []string{"id"},
			ReplicationKey: "last_activity_at",
			IsSorted:       true,
			Schema:         schema.FromSource(schemas, "projects"),
		},
		Client:       client,
		Path:         "/projects",
		NewPaginator: rest.NewHeaderLinkPaginator,
		Params: func(_ stream.Context, _ interface{}, startingValue interface{}) url.Values {
			params := url.Values{
				"membership": {"true"},
				"order_by":   {"last_activity_at"},
				"sort":       {"asc"},
				"per_page":   {strconv.Itoa(cfg.PageSize)},
			}
			if s, ok := startingValue.(string); ok && s != "" {
				params.Set("last_activity_after", s)
			}
			return params
		},
		PostProcess: projectFilter(cfg.Projects),
		ChildContext: func(record stream.Record, _ stream.Context) (stream.Context, bool) {
			return stream.Context{"project_id": record["id"]}, true
		},
	})
	if err != nil {
		return nil, err
	}

	issues, err := rest.NewStream(rest.StreamConfig{
		Definition: stream.Definition{
			Name:                  "issues",
			PrimaryKeys:           []string{"id"},
			ReplicationKey:        "updated_at",
			IsSorted:              true,
			StatePartitioningKeys: []string{"project_id"},
			Schema:                schema.FromSource(schemas, "issues"),
		},
		Client:       client,
		Parent:       "projects",
		Path:         "/projects/{project_id}/issues",
		NewPaginator: rest.NewHeaderLinkPaginator,
		Params: func(_ stream.Context, _ interface{}, startingValue interface{}) url.Values {
			params := url.Values{
				"scope":    {"all"},
				"order_by": {"updated_at"},
				"sort":     {"asc"},
				"per_page": {strconv.Itoa(cfg.PageSize)},
			}
			if s, ok := startingValue.(string); ok && s != "" {
				params.Set("updated_after", s)
			}
			return params
		},
	})
	if err != nil {
		return nil, err
	}
	return []stream.Stream{projects, issues}, nil
}

// projectFilter keeps the projects named by id or path, or all of them.
func projectFilter(wanted []string) func(stream.Record, stream.Context) (stream.Record, bool) {
	if len(wanted) == 0 {
		return nil
	}
	set := make(map[string]bool, len(wanted))
	for _, p := range wanted {
		set[strings.ToLower(p)] = true
	}
	return func(record stream.Record, _ stream.Context) (stream.Record, bool) {
		if path, ok := record["path_with_namespace"].(string); ok && set[strings.ToLower(path)] {
			return record, true
		}
		id, ok := record["id"]
		return record, ok && set[strings.ToLower(toString(id))]
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case interface{ String() string }:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}
