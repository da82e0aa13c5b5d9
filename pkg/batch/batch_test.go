package batch

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
	"github.com/ajitpratap0/nebula-singer/pkg/storage"
)

func usersSchema() schema.Document {
	return schema.Document{
		"type": "object",
		"properties": map[string]interface{}{
			"id":         map[string]interface{}{"type": "integer"},
			"name":       map[string]interface{}{"type": []interface{}{"string", "null"}},
			"score":      map[string]interface{}{"type": []interface{}{"number", "null"}},
			"active":     map[string]interface{}{"type": "boolean"},
			"tags":       map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"address":    map[string]interface{}{"type": "object"},
			"created-at": map[string]interface{}{"type": "string", "format": "date-time"},
		},
	}
}

func usersRecords() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"id": int64(1), "name": "alice", "score": 9.5, "active": true,
			"tags":       []interface{}{"a", "b"},
			"address":    map[string]interface{}{"city": "Lisbon"},
			"created-at": "2024-01-01T00:00:00Z",
		},
		{
			"id": int64(2), "name": nil, "score": nil, "active": false,
			"tags":       []interface{}{},
			"address":    map[string]interface{}{"city": "Porto", "zip": "4000"},
			"created-at": "2024-01-02T00:00:00Z",
		},
	}
}

func readAll(t *testing.T, r Reader) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
	require.NoError(t, r.Close())
	return out
}

// normalize round-trips through JSON so numbers compare regardless of the
// Go type a format decodes them to.
func normalize(t *testing.T, v interface{}) interface{} {
	t.Helper()
	data, err := jsonpool.Marshal(v)
	require.NoError(t, err)
	var out interface{}
	require.NoError(t, jsonpool.Unmarshal(data, &out))
	return out
}

func TestRoundTrip(t *testing.T) {
	encodings := []singer.BatchEncoding{
		{Format: "jsonl"},
		{Format: "jsonl", Compression: "gzip"},
		{Format: "jsonl", Compression: "zstd"},
		{Format: "jsonl", Compression: "lz4"},
		{Format: "parquet"},
		{Format: "parquet", Compression: "snappy"},
		{Format: "parquet", Compression: "zstd"},
		{Format: "parquet", Compression: "gzip"},
		{Format: "avro"},
		{Format: "avro", Compression: "gzip"},
		{Format: "avro", Compression: "snappy"},
	}
	for _, enc := range encodings {
		t.Run(enc.Format+"/"+enc.Compression, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(enc, usersSchema(), &buf)
			require.NoError(t, err)
			for _, rec := range usersRecords() {
				require.NoError(t, w.Write(rec))
			}
			require.NoError(t, w.Close())

			r, err := NewReader(enc, usersSchema(), &buf)
			require.NoError(t, err)
			got := readAll(t, r)
			assert.Equal(t, normalize(t, usersRecords()), normalize(t, got))
		})
	}
}

func TestColumnarDropsUnknownProperties(t *testing.T) {
	for _, format := range []string{"parquet", "avro"} {
		t.Run(format, func(t *testing.T) {
			enc := singer.BatchEncoding{Format: format}
			doc := schema.Document{"type": "object", "properties": map[string]interface{}{
				"id": map[string]interface{}{"type": "integer"},
			}}
			var buf bytes.Buffer
			w, err := NewWriter(enc, doc, &buf)
			require.NoError(t, err)
			require.NoError(t, w.Write(map[string]interface{}{"id": jsonpool.Number("7"), "extra": "x"}))
			require.NoError(t, w.Close())

			r, err := NewReader(enc, doc, &buf)
			require.NoError(t, err)
			got := readAll(t, r)
			require.Len(t, got, 1)
			assert.Equal(t, int64(7), got[0]["id"])
			assert.NotContains(t, got[0], "extra")
		})
	}
}

func TestWriterErrors(t *testing.T) {
	_, err := NewWriter(singer.BatchEncoding{Format: "xml"}, usersSchema(), io.Discard)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewWriter(singer.BatchEncoding{Format: "avro", Compression: "zstd"}, usersSchema(), io.Discard)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewWriter(singer.BatchEncoding{Format: "parquet"}, schema.Document{"type": "object"}, io.Discard)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaNotValid))

	var buf bytes.Buffer
	w, err := NewWriter(singer.BatchEncoding{Format: "parquet"}, usersSchema(), &buf)
	require.NoError(t, err)
	err = w.Write(map[string]interface{}{"id": "not a number"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	w.Close()
}

func TestSanitizeAvroName(t *testing.T) {
	assert.Equal(t, "created_at", sanitizeAvroName("created-at"))
	assert.Equal(t, "_1st", sanitizeAvroName("1st"))
	assert.Equal(t, "_", sanitizeAvroName(""))

	fields := avroFields([]column{{name: "a-b"}, {name: "a_b"}, {name: "a.b"}})
	assert.Equal(t, "a_b", fields[0].avroName)
	assert.Equal(t, "a_b_1", fields[1].avroName)
	assert.Equal(t, "a_b_2", fields[2].avroName)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".jsonl", Extension(singer.BatchEncoding{Format: "jsonl"}))
	assert.Equal(t, ".jsonl.gz", Extension(singer.BatchEncoding{Format: "jsonl", Compression: "gzip"}))
	assert.Equal(t, ".parquet", Extension(singer.BatchEncoding{Format: "parquet", Compression: "gzip"}))
	assert.Equal(t, ".avro", Extension(singer.BatchEncoding{Format: "avro"}))
}

func TestBatcherAndRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := &config.BatchConfig{
		Encoding:  config.BatchEncodingConfig{Format: "jsonl", Compression: "gzip"},
		Storage:   config.BatchStorageConfig{Root: "file://" + dir, Prefix: "out/"},
		BatchSize: 2,
	}
	b, err := NewBatcher(ctx, cfg, storage.Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	sb := b.Stream("users", usersSchema())
	var messages []*singer.BatchMessage
	for i := 0; i < 5; i++ {
		msg, err := sb.Add(ctx, map[string]interface{}{"id": int64(i)})
		require.NoError(t, err)
		if msg != nil {
			messages = append(messages, msg)
		}
	}
	msg, err := sb.Flush(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	messages = append(messages, msg)

	msg, err = sb.Flush(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)

	require.Len(t, messages, 3)
	for _, m := range messages {
		assert.Equal(t, "users", m.Stream)
		assert.Equal(t, singer.BatchEncoding{Format: "jsonl", Compression: "gzip"}, m.Encoding)
		require.Len(t, m.Manifest, 1)
		assert.True(t, strings.HasPrefix(m.Manifest[0], "file://"+dir+"/out/users-"), m.Manifest[0])
		assert.True(t, strings.HasSuffix(m.Manifest[0], ".jsonl.gz"))
	}

	var ids []int64
	for _, m := range messages {
		for rec, err := range Records(ctx, m, usersSchema(), storage.Options{}) {
			require.NoError(t, err)
			n, err := rec["id"].(jsonpool.Number).Int64()
			require.NoError(t, err)
			ids = append(ids, n)
		}
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, ids)
}

func TestRecordsMissingFile(t *testing.T) {
	msg := &singer.BatchMessage{
		Stream:   "users",
		Encoding: singer.BatchEncoding{Format: "jsonl"},
		Manifest: []string{"file://" + t.TempDir() + "/missing.jsonl"},
	}
	var errs []error
	for rec, err := range Records(context.Background(), msg, usersSchema(), storage.Options{}) {
		assert.Nil(t, rec)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, errors.IsType(errs[0], errors.ErrorTypeNotFound))
}
