package sqldb

import (
	"context"

	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

func init() {
	_ = registry.RegisterLoader(&registry.ConnectorInfo{
		Name:         "sql",
		Description:  "Loads streams into Postgres, MySQL or Snowflake tables",
		Version:      "1.0.0",
		Capabilities: append([]capabilities.Capability{capabilities.HardDelete, capabilities.SoftDelete, capabilities.TargetSchema}, capabilities.DefaultTarget...),
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"dialect": map[string]interface{}{
					"type":    "string",
					"default": "postgres",
					"enum":    []interface{}{"postgres", "mysql", "snowflake"},
				},
				"dsn":                   map[string]interface{}{"type": "string", "description": "Driver connection string; overrides the individual fields"},
				"host":                  map[string]interface{}{"type": "string"},
				"port":                  map[string]interface{}{"type": "integer"},
				"user":                  map[string]interface{}{"type": "string"},
				"password":              map[string]interface{}{"type": "string", "secret": true},
				"database":              map[string]interface{}{"type": "string"},
				"default_target_schema": map[string]interface{}{"type": "string", "description": "Schema the tables are created in"},
				"account":               map[string]interface{}{"type": "string", "description": "Snowflake account identifier"},
				"warehouse":             map[string]interface{}{"type": "string"},
				"role":                  map[string]interface{}{"type": "string"},
				"insert_batch_size":     map[string]interface{}{"type": "integer", "default": 500},
				"max_open_conns":        map[string]interface{}{"type": "integer", "default": 8},
			},
		},
	}, func(ctx context.Context, opts target.LoaderOptions) (target.Loader, error) {
		return New(ctx, opts)
	})
}
