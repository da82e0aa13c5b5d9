package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/stream"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

type nopLoader struct{}

func (nopLoader) Load(context.Context, *target.Batch) error { return nil }
func (nopLoader) ActivateVersion(context.Context, string, int64) error { return nil }
func (nopLoader) Close(context.Context) error { return nil }

func TestRegisterAndCreateLoader(t *testing.T) {
	r := NewRegistry()
	var got target.LoaderOptions
	require.NoError(t, r.RegisterLoader(&ConnectorInfo{Name: "nop", Version: "1.0.0"},
		func(_ context.Context, opts target.LoaderOptions) (target.Loader, error) {
			got = opts
			return nopLoader{}, nil
		}))

	loader, err := r.CreateLoader(context.Background(), "nop", target.LoaderOptions{LoadMethod: config.LoadMethodUpsert})
	require.NoError(t, err)
	assert.NotNil(t, loader)
	assert.Equal(t, config.LoadMethodUpsert, got.LoadMethod)

	info, err := r.Info(TypeLoader, "nop")
	require.NoError(t, err)
	assert.Equal(t, TypeLoader, info.Type)
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	factory := func(context.Context, target.LoaderOptions) (target.Loader, error) { return nopLoader{}, nil }
	require.NoError(t, r.RegisterLoader(&ConnectorInfo{Name: "nop"}, factory))
	err := r.RegisterLoader(&ConnectorInfo{Name: "nop"}, factory)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestUnknownConnectors(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateLoader(context.Background(), "missing", target.LoaderOptions{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	_, err = r.CreateTap(context.Background(), "missing", nil, zap.NewNop())
	assert.Error(t, err)
	_, err = r.Info(TypeTap, "missing")
	assert.Error(t, err)
}

func TestFactoryErrorKeepsType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTap(&ConnectorInfo{Name: "broken"},
		func(context.Context, config.Settings, *zap.Logger) ([]stream.Stream, error) {
			return nil, errors.New(errors.ErrorTypeAuthentication, "no token")
		}))
	_, err := r.CreateTap(context.Background(), "broken", nil, zap.NewNop())
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestListSortedAndAbout(t *testing.T) {
	r := NewRegistry()
	factory := func(context.Context, target.LoaderOptions) (target.Loader, error) { return nopLoader{}, nil }
	for _, name := range []string{"sql", "csv", "jsonl"} {
		require.NoError(t, r.RegisterLoader(&ConnectorInfo{Name: name}, factory))
	}
	assert.Equal(t, []string{"csv", "jsonl", "sql"}, r.ListLoaders())
	assert.Empty(t, r.ListTaps())

	info := &ConnectorInfo{Name: "csv", Version: "1.0.0", Capabilities: []capabilities.Capability{capabilities.About}}
	about := info.About()
	assert.Equal(t, "csv", about.Name)
	assert.Equal(t, []capabilities.Capability{capabilities.About}, about.Capabilities)
}
