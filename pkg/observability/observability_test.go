package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	nerrors "github.com/ajitpratap0/nebula-singer/pkg/errors"
)

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Initialize(context.Background(), TracingConfig{
		ServiceName:    "tap-test",
		ServiceVersion: "0.0.1",
		Exporter:       ExporterStdout,
		SampleRate:     1.0,
		Writer:         &buf,
	})
	require.NoError(t, err)

	err = Trace(context.Background(), "tap.sync", "users", func(ctx context.Context) error {
		_, child := NewSpan(ctx, "tap.page")
		child.SetAttribute("page", 2)
		child.End(nil)
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"tap.sync"`)
	assert.Contains(t, out, `"Name":"tap.page"`)
	assert.Contains(t, out, "singer.stream")
	assert.Contains(t, out, "boom")
}

func TestNoneExporter(t *testing.T) {
	shutdown, err := Initialize(context.Background(), TracingConfigFrom("target-test", "0.0.1", config.ObservabilityConfig{
		TracingExporter: ExporterNone,
	}))
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, span := StreamSpan(context.Background(), "target.flush", "users")
	assert.False(t, span.span.SpanContext().IsValid())
	span.End(nil)
}

func TestUnknownExporter(t *testing.T) {
	_, err := Initialize(context.Background(), TracingConfig{Exporter: "jaeger"})
	assert.True(t, nerrors.IsType(err, nerrors.ErrorTypeConfig))
}
