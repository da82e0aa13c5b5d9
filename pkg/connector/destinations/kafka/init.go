package kafka

import (
	"context"

	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

func init() {
	_ = registry.RegisterLoader(&registry.ConnectorInfo{
		Name:         "kafka",
		Description:  "Publishes records as JSON messages on a Kafka topic per stream",
		Version:      "1.0.0",
		Capabilities: capabilities.DefaultTarget,
		ConfigSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"brokers"},
			"properties": map[string]interface{}{
				"brokers":                  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"topic":                    map[string]interface{}{"type": "string", "default": StreamPlaceholder},
				"client_id":                map[string]interface{}{"type": "string", "default": "nebula-singer"},
				"acks":                     map[string]interface{}{"type": "string", "default": "all", "enum": []interface{}{"all", "-1", "1", "0"}},
				"compression":              map[string]interface{}{"type": "string", "enum": []interface{}{"none", "gzip", "snappy", "lz4", "zstd"}},
				"max_retries":              map[string]interface{}{"type": "integer", "default": 3},
				"idempotent":               map[string]interface{}{"type": "boolean", "default": false},
				"security_protocol":        map[string]interface{}{"type": "string", "enum": []interface{}{"PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL"}},
				"sasl_mechanism":           map[string]interface{}{"type": "string", "enum": []interface{}{"PLAIN"}},
				"sasl_username":            map[string]interface{}{"type": "string"},
				"sasl_password":            map[string]interface{}{"type": "string", "secret": true},
				"tls_insecure_skip_verify": map[string]interface{}{"type": "boolean", "default": false},
			},
		},
	}, func(ctx context.Context, opts target.LoaderOptions) (target.Loader, error) {
		return New(ctx, opts)
	})
}
