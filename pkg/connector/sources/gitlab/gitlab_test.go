package gitlab

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
	"github.com/ajitpratap0/nebula-singer/pkg/tap"
	"github.com/ajitpratap0/nebula-singer/pkg/testutil"
)

// fakeGitLab serves two pages of projects and one page of issues per
// project, recording the queries it saw.
type fakeGitLab struct {
	*httptest.Server
	mu      sync.Mutex
	queries map[string][]string
	auth    []string
}

func newFakeGitLab(t *testing.T) *fakeGitLab {
	f := &fakeGitLab{queries: map[string][]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"id": 2, "path_with_namespace": "acme/web", "last_activity_at": "2024-03-02T00:00:00Z"}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/projects?page=2&per_page=100>; rel="next"`, f.URL))
		fmt.Fprint(w, `[{"id": 1, "path_with_namespace": "acme/api", "last_activity_at": "2024-03-01T00:00:00Z"}]`)
	})
	for _, id := range []int{1, 2} {
		id := id
		mux.HandleFunc(fmt.Sprintf("/projects/%d/issues", id), func(w http.ResponseWriter, r *http.Request) {
			f.record(r)
			fmt.Fprintf(w, `[{"id": %d, "iid": 1, "project_id": %d, "title": "bug", "updated_at": "2024-02-0%dT00:00:00Z"}]`, id*10, id, id)
		})
	}
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeGitLab) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[r.URL.Path] = append(f.queries[r.URL.Path], r.URL.RawQuery)
	f.auth = append(f.auth, r.Header.Get("Authorization")+r.Header.Get("PRIVATE-TOKEN"))
}

func runTap(t *testing.T, settings config.Settings, cfg *config.TapConfig) []singer.Message {
	t.Helper()
	ctx := testutil.TestContext(t)
	streams, err := Streams(ctx, settings, testutil.TestLogger(t))
	require.NoError(t, err)

	var out bytes.Buffer
	tp, err := tap.New(ctx, tap.Options{
		Name:    "tap-gitlab",
		Streams: streams,
		Config:  cfg,
		Output:  &out,
		Logger:  testutil.TestLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, tp.Sync(ctx))
	return testutil.ReadMessages(t, out.Bytes())
}

func TestSyncProjectsAndIssues(t *testing.T) {
	srv := newFakeGitLab(t)
	cfg := config.NewTapConfig()
	cfg.StartDate = "2024-01-01T00:00:00Z"

	msgs := runTap(t, config.Settings{"api_url": srv.URL, "private_token": "secret"}, cfg)

	projects := testutil.Records(msgs, "projects")
	require.Len(t, projects, 2, "both pages are followed")
	assert.Equal(t, "acme/api", projects[0]["path_with_namespace"])
	assert.Equal(t, "acme/web", projects[1]["path_with_namespace"])

	issues := testutil.Records(msgs, "issues")
	require.Len(t, issues, 2, "one issue per project")
	assert.Equal(t, 2, testutil.CountType(msgs, singer.SchemaType))

	first := srv.queries["/projects"][0]
	assert.Contains(t, first, "last_activity_after=2024-01-01T00%3A00%3A00Z")
	assert.Contains(t, first, "order_by=last_activity_at")
	assert.Contains(t, srv.queries["/projects/1/issues"][0], "updated_after=")
	assert.Equal(t, "Bearer secret", srv.auth[0])

	bookmarks := testutil.LastState(msgs)["bookmarks"].(map[string]interface{})
	assert.Equal(t, "2024-03-02T00:00:00Z", bookmarks["projects"].(map[string]interface{})["replication_key_value"])
	assert.Len(t, bookmarks["issues"].(map[string]interface{})["partitions"], 2)
}

func TestProjectFilterAndPrivateToken(t *testing.T) {
	srv := newFakeGitLab(t)
	msgs := runTap(t, config.Settings{
		"api_url":       srv.URL,
		"private_token": "secret",
		"auth_method":   AuthPrivateToken,
		"projects":      []interface{}{"ACME/web"},
	}, config.NewTapConfig())

	projects := testutil.Records(msgs, "projects")
	require.Len(t, projects, 1)
	assert.Equal(t, "acme/web", projects[0]["path_with_namespace"])
	assert.Empty(t, srv.queries["/projects/1/issues"], "filtered projects have no children synced")
	assert.Equal(t, "secret", srv.auth[0])
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(config.Settings{"private_token": "x", "api_url": "https://gitlab.example.com/api/v4/"})
	require.NoError(t, err)
	assert.Equal(t, "https://gitlab.example.com/api/v4", cfg.APIURL)
	assert.Equal(t, AuthBearer, cfg.AuthMethod)
	assert.Equal(t, 100, cfg.PageSize)

	for name, settings := range map[string]config.Settings{
		"no token":    {},
		"bad auth":    {"private_token": "x", "auth_method": "oauth"},
		"page size":   {"private_token": "x", "page_size": 500},
		"wrong types": {"private_token": 5},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig(settings)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestRegistered(t *testing.T) {
	info, err := registry.GetInfo(registry.TypeTap, Name)
	require.NoError(t, err)
	assert.Equal(t, "Projects and issues from the GitLab REST API", info.Description)

	streams, err := registry.CreateTap(context.Background(), Name, config.Settings{"private_token": "x"}, nil)
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, "issues", streams[1].Definition().Name)
}
