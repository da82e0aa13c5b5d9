package cli

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-singer/pkg/catalog"
	_ "github.com/ajitpratap0/nebula-singer/pkg/connector/destinations/files"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/sources/gitlab"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
	"github.com/ajitpratap0/nebula-singer/pkg/testutil"
)

func gitlabServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"id": 7, "path_with_namespace": "acme/api", "last_activity_at": "2024-03-01T00:00:00Z"}]`)
	})
	mux.HandleFunc("/projects/7/issues", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"id": 70, "iid": 1, "project_id": 7, "title": "bug", "updated_at": "2024-02-01T00:00:00Z"}]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runTapCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewTapCommand(TapOptions{Info: gitlab.Info(), Streams: gitlab.Streams, Stdout: &out})
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(testutil.TestContext(t))
	return out.String(), err
}

func tapConfig(t *testing.T, srv *httptest.Server) string {
	return testutil.WriteFile(t, "config.json", []byte(fmt.Sprintf(
		`{"api_url": %q, "private_token": "secret", "observability": {"log_level": "error"}}`, srv.URL)))
}

func TestTapAbout(t *testing.T) {
	out, err := runTapCommand(t, "--about")
	require.NoError(t, err)

	var about map[string]interface{}
	require.NoError(t, jsonpool.Unmarshal([]byte(out), &about))
	assert.Equal(t, "gitlab", about["name"])
	props := about["settings"].(map[string]interface{})["properties"].(map[string]interface{})
	assert.Contains(t, props, "private_token")
	assert.Contains(t, props, "storage")
	assert.Contains(t, props, "observability")

	md, err := runTapCommand(t, "--about", "--format", "markdown")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(md, "# `gitlab`"))
}

func TestTapDiscover(t *testing.T) {
	srv := gitlabServer(t)
	out, err := runTapCommand(t, "--config", tapConfig(t, srv), "--discover")
	require.NoError(t, err)

	cat, err := catalog.Parse([]byte(out))
	require.NoError(t, err)
	assert.NotNil(t, cat.Get("projects"))
	assert.NotNil(t, cat.Get("issues"))
}

func TestTapSyncWithState(t *testing.T) {
	srv := gitlabServer(t)
	state := testutil.WriteFile(t, "state.json", []byte(`{"bookmarks": {}}`))
	out, err := runTapCommand(t, "--config", tapConfig(t, srv), "--state", state)
	require.NoError(t, err)

	msgs := testutil.ReadMessages(t, []byte(out))
	assert.Len(t, testutil.Records(msgs, "projects"), 1)
	assert.Len(t, testutil.Records(msgs, "issues"), 1)
	bookmarks := testutil.LastState(msgs)["bookmarks"].(map[string]interface{})
	assert.Contains(t, bookmarks, "projects")
}

func TestTapTestModes(t *testing.T) {
	srv := gitlabServer(t)
	cfg := tapConfig(t, srv)

	out, err := runTapCommand(t, "--config", cfg, "--test=schema")
	require.NoError(t, err)
	msgs := testutil.ReadMessages(t, []byte(out))
	assert.Equal(t, 2, testutil.CountType(msgs, singer.SchemaType))
	assert.Zero(t, testutil.CountType(msgs, singer.RecordType))

	out, err = runTapCommand(t, "--config", cfg, "--test")
	require.NoError(t, err)
	assert.Positive(t, testutil.CountType(testutil.ReadMessages(t, []byte(out)), singer.RecordType))

	_, err = runTapCommand(t, "--config", cfg, "--test=everything")
	assert.Error(t, err)
}

func TestTapConfigErrors(t *testing.T) {
	_, err := runTapCommand(t, "--config", testutil.WriteFile(t, "config.json", []byte(`{"page_size": 5}`)))
	assert.Error(t, err, "private_token is required")

	_, err = runTapCommand(t, "--config", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestTapSettingsFromEnv(t *testing.T) {
	srv := gitlabServer(t)
	t.Setenv("TAP_GITLAB_API_URL", srv.URL)
	t.Setenv("TAP_GITLAB_PRIVATE_TOKEN", "secret")
	out, err := runTapCommand(t, "--config", "ENV", "--discover")
	require.NoError(t, err)
	assert.Contains(t, out, `"streams"`)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "TAP_GITLAB_", EnvPrefix("tap-gitlab"))
	assert.Equal(t, "TARGET_NEBULA_", EnvPrefix("target-nebula"))
}

func runTargetCommand(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewTargetCommand(TargetOptions{
		Name:        "target-nebula",
		Description: "Loads Singer streams into the registered destinations",
		Version:     "0.1.0",
		Stdin:       strings.NewReader(input),
		Stdout:      &out,
	})
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(testutil.TestContext(t))
	return out.String(), err
}

func TestTargetRun(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.WriteFile(t, "config.json", []byte(fmt.Sprintf(
		`{"loader": "jsonl", "destination": {"root": %q}, "observability": {"log_level": "error"}}`, dir)))
	input := strings.Join([]string{
		`{"type": "SCHEMA", "stream": "users", "schema": {"type": "object", "properties": {"id": {"type": "integer"}}}, "key_properties": ["id"]}`,
		`{"type": "RECORD", "stream": "users", "record": {"id": 1}}`,
		`{"type": "RECORD", "stream": "users", "record": {"id": 2}}`,
		`{"type": "STATE", "value": {"bookmarks": {"users": {"replication_key_value": 2}}}}`,
	}, "\n") + "\n"

	out, err := runTargetCommand(t, input, "--config", cfg)
	require.NoError(t, err)

	msgs := testutil.ReadMessages(t, []byte(out))
	require.NotNil(t, testutil.LastState(msgs))
	assert.Contains(t, testutil.LastState(msgs)["bookmarks"], "users")

	files, err := filepath.Glob(filepath.Join(dir, "users", "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestTargetInputFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.WriteFile(t, "config.json", []byte(fmt.Sprintf(
		`{"loader": "jsonl", "destination": {"root": %q}, "primary_key_required": false}`, dir)))
	input := testutil.WriteFile(t, "input.jsonl", []byte(
		`{"type": "SCHEMA", "stream": "users", "schema": {"type": "object", "properties": {"id": {"type": "integer"}}}, "key_properties": []}`+"\n"+
			`{"type": "RECORD", "stream": "users", "record": {"id": 1}}`+"\n"))

	_, err := runTargetCommand(t, "", "--config", cfg, "--input", input)
	require.NoError(t, err)
	files, _ := filepath.Glob(filepath.Join(dir, "users", "*.jsonl"))
	assert.Len(t, files, 1)
}

func TestTargetConfigErrors(t *testing.T) {
	unknown := testutil.WriteFile(t, "config.json", []byte(`{"loader": "nowhere"}`))
	_, err := runTargetCommand(t, "", "--config", unknown)
	assert.Error(t, err)

	noRoot := testutil.WriteFile(t, "config.json", []byte(`{"loader": "jsonl", "destination": {}}`))
	_, err = runTargetCommand(t, "", "--config", noRoot)
	assert.Error(t, err)
}

func TestTargetAbout(t *testing.T) {
	out, err := runTargetCommand(t, "", "--about")
	require.NoError(t, err)

	var about map[string]interface{}
	require.NoError(t, jsonpool.Unmarshal([]byte(out), &about))
	assert.Equal(t, "target-nebula", about["name"])
	loader := about["settings"].(map[string]interface{})["properties"].(map[string]interface{})["loader"].(map[string]interface{})
	assert.Contains(t, loader["enum"], "jsonl")
	assert.Contains(t, loader["enum"], "parquet")
}

func TestStorageOptions(t *testing.T) {
	opts, err := storageOptions(map[string]interface{}{
		"storage": map[string]interface{}{"s3_region": "eu-west-1", "s3_part_size": 8388608},
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", opts.S3Region)
	assert.Equal(t, int64(8388608), opts.S3PartSize)
}
