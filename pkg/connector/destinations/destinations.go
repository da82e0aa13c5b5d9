// Package destinations links every loader into a binary. Import it for its
// side effect of registering the loaders with the connector registry.
package destinations

import (
	_ "github.com/ajitpratap0/nebula-singer/pkg/connector/destinations/bigquery"
	_ "github.com/ajitpratap0/nebula-singer/pkg/connector/destinations/csv"
	_ "github.com/ajitpratap0/nebula-singer/pkg/connector/destinations/files"
	_ "github.com/ajitpratap0/nebula-singer/pkg/connector/destinations/kafka"
	_ "github.com/ajitpratap0/nebula-singer/pkg/connector/destinations/mongodb"
	_ "github.com/ajitpratap0/nebula-singer/pkg/connector/destinations/sqldb"
)
