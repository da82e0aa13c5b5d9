package compression

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
)

var sample = []byte(strings.Repeat(`{"type":"RECORD","stream":"users","record":{"id":1,"name":"ada"}}`+"\n", 200))

func TestStreamRoundTrip(t *testing.T) {
	for _, a := range []Algorithm{None, Gzip, Zstd, LZ4, Snappy, S2} {
		t.Run(string(a), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(a, &buf)
			require.NoError(t, err)
			_, err = w.Write(sample)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			if a != None {
				assert.Less(t, buf.Len(), len(sample))
			}

			r, err := NewReader(a, &buf)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, sample, got)
		})
	}
}

func TestWriterLevels(t *testing.T) {
	for _, a := range []Algorithm{Gzip, Zstd, LZ4} {
		for _, level := range []Level{Fastest, Default, Best} {
			var buf bytes.Buffer
			w, err := NewWriterLevel(a, level, &buf)
			require.NoError(t, err)
			_, err = w.Write(sample)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := NewReader(a, &buf)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, sample, got, "%s level %d", a, level)
		}
	}
}

func TestParseAndExtensions(t *testing.T) {
	a, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, None, a)

	a, err = Parse(" GZIP ")
	require.NoError(t, err)
	assert.Equal(t, Gzip, a)

	_, err = Parse("brotli")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewWriter("brotli", io.Discard)
	assert.Error(t, err)

	assert.Equal(t, ".gz", Gzip.Extension())
	assert.Equal(t, "", None.Extension())
	assert.Equal(t, Zstd, FromExtension("users-1.jsonl.zst"))
	assert.Equal(t, None, FromExtension("users-1.jsonl"))
}

func TestCorruptInput(t *testing.T) {
	_, err := NewReader(Gzip, bytes.NewReader([]byte("not gzip")))
	assert.True(t, errors.IsType(err, errors.ErrorTypeFile))

	r, err := NewReader(Zstd, bytes.NewReader([]byte("not zstd")))
	require.NoError(t, err)
	defer r.Close()
	_, err = io.ReadAll(r)
	assert.Error(t, err)
}

func BenchmarkCompress(b *testing.B) {
	for _, a := range []Algorithm{Gzip, Zstd, LZ4, Snappy, S2} {
		b.Run(string(a), func(b *testing.B) {
			b.SetBytes(int64(len(sample)))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				w, err := NewWriter(a, io.Discard)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := w.Write(sample); err != nil {
					b.Fatal(err)
				}
				if err := w.Close(); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
