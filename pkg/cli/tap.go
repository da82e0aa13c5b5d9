package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/catalog"
	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/tap"
)

// Test modes of --test.
const (
	TestAll    = "all"
	TestSchema = "schema"
)

// TapOptions describes a tap binary.
type TapOptions struct {
	// Info is the registered description of the tap
	Info *registry.ConnectorInfo
	// Streams builds the tap streams from the settings
	Streams registry.TapFactory
	// Stdout receives Singer messages; defaults to os.Stdout
	Stdout io.Writer
}

type tapFlags struct {
	configs  []string
	catalog  string
	state    string
	discover bool
	test     string
	about    bool
	format   string
}

// NewTapCommand returns the root command of a tap binary.
func NewTapCommand(opts TapOptions) *cobra.Command {
	var f tapFlags
	name := "tap-" + opts.Info.Name
	cmd := &cobra.Command{
		Use:           name,
		Short:         opts.Info.Description,
		Version:       opts.Info.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stdout := opts.Stdout
			if stdout == nil {
				stdout = os.Stdout
			}
			return runTap(cmd, opts, f, stdout)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&f.configs, "config", nil, "Settings file path, or ENV to read settings from the environment (repeatable)")
	flags.StringVar(&f.catalog, "catalog", "", "Catalog file path")
	flags.StringVar(&f.state, "state", "", "State file path")
	flags.BoolVar(&f.discover, "discover", false, "Write the catalog to stdout and exit")
	flags.StringVar(&f.test, "test", "", "Test the connection (all) or write the schemas (schema) and exit")
	flags.Lookup("test").NoOptDefVal = TestAll
	flags.BoolVar(&f.about, "about", false, "Describe the tap and exit")
	flags.StringVar(&f.format, "format", "json", "Output format of --about: json or markdown")
	return cmd
}

func runTap(cmd *cobra.Command, opts TapOptions, f tapFlags, stdout io.Writer) error {
	info := opts.Info
	settingsSchema := withCommonSettings(info.ConfigSchema)
	if f.about {
		about := info.About()
		about.Settings = withCommonSettings(about.Settings)
		return renderAbout(stdout, about, f.format)
	}
	if f.test != "" && f.test != TestAll && f.test != TestSchema {
		return errors.Newf(errors.ErrorTypeConfig, "unsupported --test mode %q", f.test).
			WithDetail("allowed", []string{TestAll, TestSchema})
	}

	settings, err := config.LoadSettings(f.configs, EnvPrefix("tap-"+info.Name), settingsSchema)
	if err != nil {
		return err
	}
	if err := config.ValidateSettings(settings, settingsSchema); err != nil {
		return err
	}
	cfg, err := config.NewTapConfigFromSettings(settings)
	if err != nil {
		return err
	}
	storageOpts, err := storageOptions(settings)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	log, shutdown, err := setup(ctx, "tap-"+info.Name, info.Version, cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	streams, err := opts.Streams(ctx, settings, log)
	if err != nil {
		return err
	}

	var cat *catalog.Catalog
	if f.catalog != "" && !f.discover {
		if cat, err = catalog.Load(f.catalog); err != nil {
			return err
		}
	}
	var state map[string]interface{}
	if f.state != "" && !f.discover {
		if err := readJSONFile(f.state, &state); err != nil {
			return err
		}
	}

	t, err := tap.New(ctx, tap.Options{
		Name:    info.Name,
		Streams: streams,
		Config:  cfg,
		Catalog: cat,
		State:   state,
		Output:  stdout,
		Logger:  log,
		Storage: storageOpts,
	})
	if err != nil {
		return err
	}

	switch {
	case f.discover:
		return t.WriteCatalog(ctx)
	case f.test == TestSchema:
		return t.WriteSchemas(ctx)
	case f.test == TestAll:
		return t.TestConnection(ctx)
	default:
		return t.Sync(ctx)
	}
}
