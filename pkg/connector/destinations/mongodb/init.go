package mongodb

import (
	"context"

	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

func init() {
	_ = registry.RegisterLoader(&registry.ConnectorInfo{
		Name:         "mongodb",
		Description:  "Loads every stream into a MongoDB collection",
		Version:      "1.0.0",
		Capabilities: append([]capabilities.Capability{capabilities.HardDelete, capabilities.SoftDelete}, capabilities.DefaultTarget...),
		ConfigSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"database"},
			"properties": map[string]interface{}{
				"uri":               map[string]interface{}{"type": "string", "default": "mongodb://localhost:27017", "secret": true},
				"database":          map[string]interface{}{"type": "string"},
				"collection_prefix": map[string]interface{}{"type": "string"},
			},
		},
	}, func(ctx context.Context, opts target.LoaderOptions) (target.Loader, error) {
		return New(ctx, opts)
	})
}
