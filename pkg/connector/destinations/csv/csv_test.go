package csv

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

var versionedSchema = schema.Document{
	"type": "object",
	"properties": map[string]interface{}{
		"id":                   map[string]interface{}{"type": "integer"},
		"tags":                 map[string]interface{}{"type": []interface{}{"array", "null"}},
		target.SDCTableVersion: map[string]interface{}{"type": []interface{}{"integer", "null"}},
		target.SDCDeletedAt:    map[string]interface{}{"type": []interface{}{"string", "null"}},
	},
}

func newLoader(t *testing.T, dir string, hardDelete bool) *Loader {
	t.Helper()
	l, err := New(context.Background(), target.LoaderOptions{
		Settings:   config.Settings{"path": dir},
		HardDelete: hardDelete,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return l
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func batchOf(version int64, ids ...int) *target.Batch {
	b := &target.Batch{Stream: "users", Schema: versionedSchema, LoadMethod: config.LoadMethodAppendOnly}
	for _, id := range ids {
		b.Records = append(b.Records, map[string]interface{}{
			"id":                   id,
			"tags":                 []interface{}{"a", "b"},
			target.SDCTableVersion: version,
		})
	}
	return b
}

func TestLoadAppendsWithHeader(t *testing.T) {
	dir := t.TempDir()
	l := newLoader(t, dir, false)
	require.NoError(t, l.Load(context.Background(), batchOf(1, 1, 2)))
	require.NoError(t, l.Load(context.Background(), batchOf(1, 3)))
	require.NoError(t, l.Close(context.Background()))

	rows := readCSV(t, filepath.Join(dir, "users.csv"))
	require.Len(t, rows, 4)
	assert.Equal(t, []string{target.SDCDeletedAt, target.SDCTableVersion, "id", "tags"}, rows[0])
	assert.Equal(t, []string{"", "1", "1", `["a","b"]`}, rows[1])
}

func TestOverwriteTruncatesOnFirstBatch(t *testing.T) {
	dir := t.TempDir()
	l := newLoader(t, dir, false)
	require.NoError(t, l.Load(context.Background(), batchOf(1, 1, 2)))
	require.NoError(t, l.Close(context.Background()))

	l = newLoader(t, dir, false)
	b := batchOf(2, 9)
	b.LoadMethod, b.First = config.LoadMethodOverwrite, true
	require.NoError(t, l.Load(context.Background(), b))
	require.NoError(t, l.Close(context.Background()))

	rows := readCSV(t, filepath.Join(dir, "users.csv"))
	require.Len(t, rows, 2)
	assert.Equal(t, "9", rows[1][2])
}

func TestActivateVersion(t *testing.T) {
	for _, hard := range []bool{true, false} {
		dir := t.TempDir()
		l := newLoader(t, dir, hard)
		require.NoError(t, l.Load(context.Background(), batchOf(1, 1, 2)))
		require.NoError(t, l.Load(context.Background(), batchOf(2, 3)))
		require.NoError(t, l.ActivateVersion(context.Background(), "users", 2))
		require.NoError(t, l.Load(context.Background(), batchOf(2, 4)))
		require.NoError(t, l.Close(context.Background()))

		rows := readCSV(t, filepath.Join(dir, "users.csv"))
		if hard {
			require.Len(t, rows, 3)
			assert.Equal(t, "3", rows[1][2])
			assert.Equal(t, "4", rows[2][2])
			continue
		}
		require.Len(t, rows, 5)
		assert.NotEmpty(t, rows[1][0], "old rows are marked deleted")
		assert.Empty(t, rows[3][0])
	}
}

func TestColumnChangeStartsNewFile(t *testing.T) {
	dir := t.TempDir()
	l := newLoader(t, dir, false)
	require.NoError(t, l.Load(context.Background(), batchOf(1, 1)))

	wider := &target.Batch{Stream: "users", Schema: schema.Document{
		"type":       "object",
		"properties": map[string]interface{}{"id": map[string]interface{}{}, "email": map[string]interface{}{}},
	}, Records: []map[string]interface{}{{"id": 2, "email": "x@example.com"}}}
	require.NoError(t, l.Load(context.Background(), wider))
	require.NoError(t, l.Close(context.Background()))

	matches, err := filepath.Glob(filepath.Join(dir, "users*.csv"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestRejectsBadDelimiter(t *testing.T) {
	_, err := New(context.Background(), target.LoaderOptions{Settings: config.Settings{"path": t.TempDir(), "delimiter": ";;"}})
	assert.Error(t, err)
}
