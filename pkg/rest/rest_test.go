package rest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/stream"
)

func testClient(t *testing.T, srv *httptest.Server, auth Authenticator) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.MaxRetries = 3
	c := NewClientWithHTTP(cfg, srv.Client(), auth, zaptest.NewLogger(t))
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestClientRetriesRetryableStatuses(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			fmt.Fprint(w, `{"ok": true}`)
		}
	}))
	defer srv.Close()

	resp, err := testClient(t, srv, nil).Do(context.Background(), &Request{Path: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	body, err := resp.JSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ok": true}, body)
}

func TestClientFailsFastOnClientErrors(t *testing.T) {
	tests := []struct {
		status  int
		errType errors.ErrorType
	}{
		{http.StatusUnauthorized, errors.ErrorTypeAuthentication},
		{http.StatusNotFound, errors.ErrorTypeNotFound},
		{http.StatusBadRequest, errors.ErrorTypeQuery},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := testClient(t, srv, nil).Do(context.Background(), &Request{Path: "x"})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType), "got %v", err)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(t, srv, nil).Do(context.Background(), &Request{Path: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestBackoffHonoursRetryAfter(t *testing.T) {
	c := NewClient(nil, nil, zaptest.NewLogger(t))
	err := errors.New(errors.ErrorTypeRateLimit, "slow down").WithDetail("retry_after", "7")
	assert.Equal(t, 7*time.Second, c.backoff(1, err))

	d := c.backoff(3, errors.New(errors.ErrorTypeConnection, "down"))
	assert.GreaterOrEqual(t, d, 4*time.Second)
	assert.LessOrEqual(t, d, 5*time.Second)

	assert.Equal(t, 60*time.Second, c.backoff(20, nil))
}

func TestAuthenticators(t *testing.T) {
	apiKey, err := NewAPIKeyAuthenticator("api_key", "secret", InQuery)
	require.NoError(t, err)
	_, err = NewAPIKeyAuthenticator("k", "v", "cookie")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	tests := []struct {
		name  string
		auth  Authenticator
		check func(t *testing.T, r *http.Request)
	}{
		{"bearer", &BearerTokenAuthenticator{Token: "tok"}, func(t *testing.T, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		}},
		{"basic", &BasicAuthenticator{Username: "u", Password: "p"}, func(t *testing.T, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "u", user)
			assert.Equal(t, "p", pass)
		}},
		{"api key query", apiKey, func(t *testing.T, r *http.Request) {
			assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		}},
		{"header", &HeaderAuthenticator{Headers: map[string]string{"Private-Token": "abc"}}, func(t *testing.T, r *http.Request) {
			assert.Equal(t, "abc", r.Header.Get("Private-Token"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.check(t, r)
			}))
			defer srv.Close()
			_, err := testClient(t, srv, tt.auth).Do(context.Background(), &Request{Path: "/"})
			require.NoError(t, err)
		})
	}
}

func TestOAuthClientCredentials(t *testing.T) {
	var tokenCalls int32
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "cc-token", "token_type": "Bearer", "expires_in": 3600}`)
	}))
	defer tokens.Close()

	auth, err := NewOAuthAuthenticator(context.Background(), OAuthConfig{
		TokenURL:     tokens.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		HTTPClient:   tokens.Client(),
	})
	require.NoError(t, err)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer cc-token", r.Header.Get("Authorization"))
	}))
	defer api.Close()

	c := testClient(t, api, auth)
	for i := 0; i < 3; i++ {
		_, err := c.Do(context.Background(), &Request{Path: "/"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token should be reused until expiry")
}

func TestJWTBearerGrant(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, JWTGrantType, r.PostForm.Get("grant_type"))

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(r.PostForm.Get("assertion"), claims, func(*jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "svc@example.com", claims["iss"])
		assert.Equal(t, "read write", claims["scope"])
		fmt.Fprint(w, `{"access_token": "jwt-token", "expires_in": "600"}`)
	}))
	defer tokens.Close()

	auth, err := NewJWTAuthenticator(context.Background(), JWTConfig{
		TokenURL:   tokens.URL,
		Issuer:     "svc@example.com",
		Scopes:     []string{"read", "write"},
		PrivateKey: string(keyPEM),
		HTTPClient: tokens.Client(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, auth.Authenticate(context.Background(), req))
	assert.Equal(t, "Bearer jwt-token", req.Header.Get("Authorization"))

	_, err = NewJWTAuthenticator(context.Background(), JWTConfig{TokenURL: tokens.URL, PrivateKey: "garbage"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestExtract(t *testing.T) {
	var doc interface{}
	require.NoError(t, jsonpool.UnmarshalUseNumber([]byte(`{
		"data": {"items": [{"id": 1, "state": "open"}, {"id": 2, "state": "closed"}], "next": "abc"},
		"meta": {"a": 1, "b": 2},
		"odd key": true
	}`), &doc))

	tests := []struct {
		path      string
		want      []interface{}
		unordered bool
	}{
		{path: "$", want: []interface{}{doc}},
		{path: "$.data.next", want: []interface{}{"abc"}},
		{path: "$.data.items[*].id", want: []interface{}{jsonpool.Number("1"), jsonpool.Number("2")}},
		{path: "$.data.items[1].id", want: []interface{}{jsonpool.Number("2")}},
		{path: "$.data.items[-1].id", want: []interface{}{jsonpool.Number("2")}},
		{path: "$['odd key']", want: []interface{}{true}},
		{path: "$.meta.*", want: []interface{}{jsonpool.Number("1"), jsonpool.Number("2")}, unordered: true},
		{path: "$..id", want: []interface{}{jsonpool.Number("1"), jsonpool.Number("2")}, unordered: true},
		{path: "$.data.items[?(@.state == 'open')].id", want: []interface{}{jsonpool.Number("1")}},
		{path: "$.missing.key"},
		{path: "$.data.items[5]"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := Extract(tt.path, doc)
			require.NoError(t, err)
			if tt.unordered {
				assert.ElementsMatch(t, tt.want, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}

	for _, bad := range []string{"data", "$[0", "$.data["} {
		_, err := Extract(bad, doc)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), bad)
	}
}

func TestRecordsPathWithFilter(t *testing.T) {
	var doc interface{}
	require.NoError(t, jsonpool.UnmarshalUseNumber([]byte(`{"groups": [
		{"items": [{"id": 1, "kind": "issue"}, {"id": 2, "kind": "note"}]},
		{"items": [{"id": 3, "kind": "issue"}]}
	]}`), &doc))

	got, err := Extract("$..items[?(@.kind == 'issue')]", doc)
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []interface{}{got[0].(map[string]interface{})["id"], got[1].(map[string]interface{})["id"]}
	assert.ElementsMatch(t, []interface{}{jsonpool.Number("1"), jsonpool.Number("3")}, ids)
}

func TestNextLink(t *testing.T) {
	headers := []string{`<https://api.example.com/items?page=1>; rel="prev", <https://api.example.com/items?page=3>; rel="next"`}
	assert.Equal(t, "https://api.example.com/items?page=3", nextLink(headers))
	assert.Equal(t, "/p2", nextLink([]string{`</p2>; rel="next last"`}))
	assert.Equal(t, "", nextLink([]string{`<https://x>; rel="last"`}))
	assert.Equal(t, "", nextLink(nil))
}

func TestPaginatorLoopDetection(t *testing.T) {
	p := NewHeaderPaginator("X-Next-Page")
	resp := &Response{Header: http.Header{"X-Next-Page": {"2"}}}

	require.NoError(t, p.Advance(resp, 10))
	assert.Equal(t, "2", p.CurrentToken())
	assert.True(t, p.HasMore())

	err := p.Advance(resp, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop detected")

	done := NewHeaderPaginator("X-Next-Page")
	require.NoError(t, done.Advance(&Response{Header: http.Header{}}, 10))
	assert.False(t, done.HasMore())
	assert.Equal(t, 1, done.Count())
}

func TestNumericPaginators(t *testing.T) {
	pages := NewPageNumberPaginator(1, nil)
	require.NoError(t, pages.Advance(&Response{}, 3))
	assert.Equal(t, 2, pages.CurrentToken())
	require.NoError(t, pages.Advance(&Response{}, 0))
	assert.False(t, pages.HasMore())

	offsets := NewOffsetPaginator(0, 50, nil)
	require.NoError(t, offsets.Advance(&Response{}, 50))
	assert.Equal(t, 50, offsets.CurrentToken())
	require.NoError(t, offsets.Advance(&Response{}, 12))
	assert.False(t, offsets.HasMore())
	assert.Equal(t, 2, offsets.Count())
}

func TestStreamFollowsHeaderLinks(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/my%2Fgroup/issues", r.URL.EscapedPath())
		switch r.URL.Query().Get("page") {
		case "":
			assert.Equal(t, "2024-01-01", r.URL.Query().Get("updated_after"))
			w.Header().Set("Link", fmt.Sprintf(`<%s/projects/my%%2Fgroup/issues?page=2>; rel="next"`, srv.URL))
			fmt.Fprint(w, `[{"id": 1}, {"id": 2}]`)
		case "2":
			fmt.Fprint(w, `[{"id": 3}]`)
		default:
			t.Errorf("unexpected page %q", r.URL.RawQuery)
		}
	}))
	defer srv.Close()

	s, err := NewStream(StreamConfig{
		Definition: stream.Definition{Name: "issues", PrimaryKeys: []string{"id"}},
		Client:     testClient(t, srv, nil),
		Path:       "/projects/{project_id}/issues",
		Parent:     "projects",
		Params: func(_ stream.Context, _ interface{}, startingValue interface{}) url.Values {
			q := url.Values{}
			if startingValue != nil {
				q.Set("updated_after", fmt.Sprint(startingValue))
			}
			return q
		},
		NewPaginator: NewHeaderLinkPaginator,
	})
	require.NoError(t, err)
	assert.Equal(t, "projects", s.ParentType())

	ctx := stream.WithStartingValue(context.Background(), "2024-01-01")
	var ids []interface{}
	for record, err := range s.Records(ctx, stream.Context{"project_id": "my/group"}) {
		require.NoError(t, err)
		ids = append(ids, record["id"])
	}
	assert.Equal(t, []interface{}{jsonpool.Number("1"), jsonpool.Number("2"), jsonpool.Number("3")}, ids)
}

func TestStreamStopsWhenCallerBreaks(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("X-Next-Page", strconv.Itoa(int(n)+1))
		fmt.Fprint(w, `{"items": [{"id": 1}, {"id": 2}]}`)
	}))
	defer srv.Close()

	s, err := NewStream(StreamConfig{
		Definition:   stream.Definition{Name: "items"},
		Client:       testClient(t, srv, nil),
		Path:         "/items",
		RecordsPath:  "$.items[*]",
		NewPaginator: func() Paginator { return NewHeaderPaginator("X-Next-Page") },
		Params: func(_ stream.Context, token interface{}, _ interface{}) url.Values {
			return url.Values{"page": {TokenString(token)}}
		},
	})
	require.NoError(t, err)

	seen := 0
	for _, err := range s.Records(context.Background(), nil) {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFillPath(t *testing.T) {
	got, err := fillPath("/a/{x}/b/{y}", stream.Context{"x": 1, "y": "c d"})
	require.NoError(t, err)
	assert.Equal(t, "/a/1/b/c%20d", got)

	_, err = fillPath("/a/{missing}", nil)
	assert.Error(t, err)
}
