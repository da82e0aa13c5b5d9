package bigquery

import (
	"context"

	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

func init() {
	factory := func(ctx context.Context, opts target.LoaderOptions) (target.Loader, error) {
		return New(ctx, opts)
	}
	info := func(name string) *registry.ConnectorInfo {
		return &registry.ConnectorInfo{
			Name:         name,
			Description:  "Loads streams into BigQuery tables with load jobs or streaming inserts",
			Version:      "1.0.0",
			Capabilities: append([]capabilities.Capability{capabilities.HardDelete, capabilities.SoftDelete}, capabilities.DefaultTarget...),
			ConfigSchema: map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"project", "dataset"},
				"properties": map[string]interface{}{
					"project":             map[string]interface{}{"type": "string"},
					"dataset":             map[string]interface{}{"type": "string"},
					"location":            map[string]interface{}{"type": "string", "default": "US"},
					"credentials_file":    map[string]interface{}{"type": "string", "description": "Service account key file; application default credentials otherwise"},
					"method":              map[string]interface{}{"type": "string", "default": MethodLoad, "enum": []interface{}{MethodLoad, MethodStreaming}},
					"table_prefix":        map[string]interface{}{"type": "string"},
					"job_timeout_seconds": map[string]interface{}{"type": "integer", "default": 600},
				},
			},
		}
	}
	_ = registry.RegisterLoader(info("bigquery"), factory)
	// short alias
	_ = registry.RegisterLoader(info("bq"), factory)
}
