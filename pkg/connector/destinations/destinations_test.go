package destinations

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
)

func TestLoadersRegistered(t *testing.T) {
	loaders := registry.ListLoaders()
	for _, name := range []string{"avro", "bigquery", "bq", "csv", "jsonl", "kafka", "mongodb", "parquet", "sql"} {
		assert.Contains(t, loaders, name)
	}
}
