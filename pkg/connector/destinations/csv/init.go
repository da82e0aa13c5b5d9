package csv

import (
	"context"

	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

func init() {
	_ = registry.RegisterLoader(&registry.ConnectorInfo{
		Name:         "csv",
		Description:  "Appends every stream to a CSV file in a local directory",
		Version:      "2.0.0",
		Capabilities: append([]capabilities.Capability{capabilities.HardDelete, capabilities.SoftDelete}, capabilities.DefaultTarget...),
		ConfigSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"path"},
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Directory the CSV files are written to",
				},
				"delimiter": map[string]interface{}{
					"type":    "string",
					"default": ",",
				},
			},
		},
	}, func(ctx context.Context, opts target.LoaderOptions) (target.Loader, error) {
		return New(ctx, opts)
	})
}
