package files

import (
	"context"

	"github.com/ajitpratap0/nebula-singer/pkg/batch"
	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

func configSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"root"},
		"properties": map[string]interface{}{
			"root": map[string]interface{}{
				"type":        "string",
				"description": "Directory or s3:// / gs:// URL the files are written under",
			},
			"prefix": map[string]interface{}{
				"type":        "string",
				"description": "Prefix prepended to every object name",
			},
			"compression": map[string]interface{}{
				"type":    "string",
				"default": "none",
				"enum":    []interface{}{"none", "gzip", "zstd", "lz4", "snappy"},
			},
		},
	}
}

func init() {
	formats := []struct {
		format      batch.Format
		description string
	}{
		{batch.JSONL, "Writes every flush as a JSON lines file, optionally compressed"},
		{batch.Parquet, "Writes every flush as an Apache Parquet file"},
		{batch.Avro, "Writes every flush as an Avro object container file"},
	}
	for _, f := range formats {
		format := f.format
		_ = registry.RegisterLoader(&registry.ConnectorInfo{
			Name:         string(format),
			Description:  f.description,
			Version:      "1.0.0",
			Capabilities: capabilities.DefaultTarget,
			ConfigSchema: configSchema(),
		}, func(ctx context.Context, opts target.LoaderOptions) (target.Loader, error) {
			return New(ctx, format, opts)
		})
	}
}
