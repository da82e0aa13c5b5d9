// Command tap-gitlab extracts GitLab projects and issues as a Singer tap.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/ajitpratap0/nebula-singer/pkg/cli"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/sources/gitlab"
)

func main() {
	// Load .env file if it exists, for --config ENV
	_ = godotenv.Load()

	cmd := cli.NewTapCommand(cli.TapOptions{
		Info:    gitlab.Info(),
		Streams: gitlab.Streams,
	})
	os.Exit(cli.Execute(cmd))
}
