// Package registry maps connector names to factories. Taps and loaders
// register themselves from init() so that importing a connector package is
// enough to make it available to the CLI.
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/logger"
	"github.com/ajitpratap0/nebula-singer/pkg/stream"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

// Connector types.
const (
	TypeTap    = "tap"
	TypeLoader = "loader"
)

// TapFactory returns the streams of a tap for the given settings.
type TapFactory func(ctx context.Context, settings config.Settings, logger *zap.Logger) ([]stream.Stream, error)

// LoaderFactory returns a loader for a target run.
type LoaderFactory func(ctx context.Context, opts target.LoaderOptions) (target.Loader, error)

// Registry manages connector registration and instantiation
type Registry struct {
	taps    map[string]TapFactory
	loaders map[string]LoaderFactory
	infos   map[string]*ConnectorInfo
	mu      sync.RWMutex
	logger  *zap.Logger
}

// ConnectorInfo provides information about a connector
type ConnectorInfo struct {
	Name         string                    `json:"name"`
	Type         string                    `json:"type"`
	Description  string                    `json:"description"`
	Version      string                    `json:"version"`
	Capabilities []capabilities.Capability `json:"capabilities"`
	// ConfigSchema is the JSON schema of the connector specific settings
	ConfigSchema map[string]interface{} `json:"config_schema"`
}

// About returns the --about description of the connector.
func (i *ConnectorInfo) About() *capabilities.AboutInfo {
	return capabilities.NewAboutInfo(i.Name, i.Description, i.Version, i.Capabilities, i.ConfigSchema)
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		taps:    make(map[string]TapFactory),
		loaders: make(map[string]LoaderFactory),
		infos:   make(map[string]*ConnectorInfo),
		logger:  logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// RegisterTap registers a tap factory and its description. The name is
// taken from info.
func (r *Registry) RegisterTap(info *ConnectorInfo, factory TapFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.taps[info.Name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "tap %s already registered", info.Name)
	}
	info.Type = TypeTap
	r.taps[info.Name] = factory
	r.infos[TypeTap+"/"+info.Name] = info
	r.logger.Debug("tap registered", zap.String("name", info.Name))
	return nil
}

// RegisterLoader registers a loader factory and its description.
func (r *Registry) RegisterLoader(info *ConnectorInfo, factory LoaderFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.loaders[info.Name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "loader %s already registered", info.Name)
	}
	info.Type = TypeLoader
	r.loaders[info.Name] = factory
	r.infos[TypeLoader+"/"+info.Name] = info
	r.logger.Debug("loader registered", zap.String("name", info.Name))
	return nil
}

// CreateTap returns the streams of the named tap.
func (r *Registry) CreateTap(ctx context.Context, name string, settings config.Settings, log *zap.Logger) ([]stream.Stream, error) {
	r.mu.RLock()
	factory, exists := r.taps[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "tap %s not found", name)
	}
	streams, err := factory(ctx, settings, log)
	if err != nil {
		return nil, errors.Wrapf(err, errors.GetType(err), "failed to create tap %s", name)
	}
	return streams, nil
}

// CreateLoader returns a loader of the named type.
func (r *Registry) CreateLoader(ctx context.Context, name string, opts target.LoaderOptions) (target.Loader, error) {
	r.mu.RLock()
	factory, exists := r.loaders[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "loader %s not found, registered loaders: %v", name, r.ListLoaders())
	}
	loader, err := factory(ctx, opts)
	if err != nil {
		return nil, errors.Wrapf(err, errors.GetType(err), "failed to create loader %s", name)
	}
	return loader, nil
}

// Info returns the description of a connector.
func (r *Registry) Info(connectorType, name string) (*ConnectorInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.infos[connectorType+"/"+name]
	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "%s %s not found", connectorType, name)
	}
	return info, nil
}

// ListTaps returns the registered tap names, sorted
func (r *Registry) ListTaps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.taps)
}

// ListLoaders returns the registered loader names, sorted
func (r *Registry) ListLoaders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.loaders)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Global registry functions

// RegisterTap registers a tap in the global registry
func RegisterTap(info *ConnectorInfo, factory TapFactory) error {
	return globalRegistry.RegisterTap(info, factory)
}

// RegisterLoader registers a loader in the global registry
func RegisterLoader(info *ConnectorInfo, factory LoaderFactory) error {
	return globalRegistry.RegisterLoader(info, factory)
}

// CreateTap creates a tap from the global registry
func CreateTap(ctx context.Context, name string, settings config.Settings, log *zap.Logger) ([]stream.Stream, error) {
	return globalRegistry.CreateTap(ctx, name, settings, log)
}

// CreateLoader creates a loader from the global registry
func CreateLoader(ctx context.Context, name string, opts target.LoaderOptions) (target.Loader, error) {
	return globalRegistry.CreateLoader(ctx, name, opts)
}

// GetInfo returns a connector description from the global registry
func GetInfo(connectorType, name string) (*ConnectorInfo, error) {
	return globalRegistry.Info(connectorType, name)
}

// ListTaps returns registered taps from the global registry
func ListTaps() []string {
	return globalRegistry.ListTaps()
}

// ListLoaders returns registered loaders from the global registry
func ListLoaders() []string {
	return globalRegistry.ListLoaders()
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
