// Command target-nebula loads Singer streams into any registered loader:
// files, csv, sql databases, bigquery, mongodb or kafka.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/ajitpratap0/nebula-singer/pkg/cli"

	// Import all loaders to register them
	_ "github.com/ajitpratap0/nebula-singer/pkg/connector/destinations"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists, for --config ENV
	_ = godotenv.Load()

	cmd := cli.NewTargetCommand(cli.TargetOptions{
		Name:        "target-nebula",
		Description: "Loads Singer streams into files, databases, warehouses and brokers",
		Version:     version,
	})
	os.Exit(cli.Execute(cmd))
}
