package files

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-singer/pkg/batch"
	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
	"github.com/ajitpratap0/nebula-singer/pkg/storage"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

var usersSchema = schema.Document{
	"type": "object",
	"properties": map[string]interface{}{
		"id":   map[string]interface{}{"type": "integer"},
		"name": map[string]interface{}{"type": []interface{}{"string", "null"}},
	},
}

func usersBatch() *target.Batch {
	return &target.Batch{
		Stream:        "users",
		Schema:        usersSchema,
		KeyProperties: []string{"id"},
		Records: []map[string]interface{}{
			{"id": 1, "name": "a"},
			{"id": 2, "name": "b"},
		},
		LoadMethod:    config.LoadMethodAppendOnly,
		First:         true,
		SyncStartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func readBack(t *testing.T, url string, enc singer.BatchEncoding) []map[string]interface{} {
	t.Helper()
	rc, err := storage.OpenURL(context.Background(), url, storage.Options{})
	require.NoError(t, err)
	defer rc.Close()
	r, err := batch.NewReader(enc, usersSchema, rc)
	require.NoError(t, err)
	defer r.Close()

	var out []map[string]interface{}
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestLoadWritesOneFilePerFlush(t *testing.T) {
	for _, tt := range []struct {
		format      batch.Format
		compression string
	}{
		{batch.JSONL, "gzip"},
		{batch.JSONL, "none"},
		{batch.Parquet, "snappy"},
		{batch.Avro, "none"},
	} {
		t.Run(fmt.Sprintf("%s-%s", tt.format, tt.compression), func(t *testing.T) {
			opts := target.LoaderOptions{
				Settings: config.Settings{"root": t.TempDir(), "prefix": "out/", "compression": tt.compression},
				Logger:   zaptest.NewLogger(t),
			}
			loader, err := New(context.Background(), tt.format, opts)
			require.NoError(t, err)

			require.NoError(t, loader.Load(context.Background(), usersBatch()))
			require.NoError(t, loader.Load(context.Background(), usersBatch()))
			urls := loader.Written("users")
			require.Len(t, urls, 2)
			assert.NotEqual(t, urls[0], urls[1])
			assert.Contains(t, urls[0], "/out/users/users-20240501T120000-")

			rows := readBack(t, urls[0], loader.encoding)
			require.Len(t, rows, 2)
			assert.Equal(t, "1", fmt.Sprint(rows[0]["id"]))
			assert.Equal(t, "b", rows[1]["name"])

			require.NoError(t, loader.ActivateVersion(context.Background(), "users", 1))
			require.NoError(t, loader.Close(context.Background()))
		})
	}
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(context.Background(), batch.JSONL, target.LoaderOptions{Settings: config.Settings{}})
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{"jsonl", "parquet", "avro"} {
		info, err := registry.GetInfo(registry.TypeLoader, name)
		require.NoError(t, err)
		assert.Contains(t, info.ConfigSchema["properties"], "root")
	}
}
