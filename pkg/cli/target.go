package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

// TargetOptions describes a target binary. The loaders it can write to are
// the ones registered when the command runs.
type TargetOptions struct {
	Name        string
	Description string
	Version     string
	// Stdin is read when --input is not set; defaults to os.Stdin
	Stdin io.Reader
	// Stdout receives acknowledged STATE messages; defaults to os.Stdout
	Stdout io.Writer
}

type targetFlags struct {
	configs []string
	input   string
	about   bool
	format  string
}

// NewTargetCommand returns the root command of a target binary.
func NewTargetCommand(opts TargetOptions) *cobra.Command {
	var f targetFlags
	cmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		Version:       opts.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTarget(cmd, opts, f)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&f.configs, "config", nil, "Settings file path, or ENV to read settings from the environment (repeatable)")
	flags.StringVar(&f.input, "input", "", "Read Singer messages from this file instead of stdin")
	flags.BoolVar(&f.about, "about", false, "Describe the target and exit")
	flags.StringVar(&f.format, "format", "json", "Output format of --about: json or markdown")
	return cmd
}

// TargetSettingsSchema is the settings schema of a target writing to any of
// the registered loaders.
func TargetSettingsSchema() map[string]interface{} {
	loaders := registry.ListLoaders()
	enum := make([]interface{}, len(loaders))
	for i, l := range loaders {
		enum[i] = l
	}
	methods := make([]interface{}, len(config.LoadMethods))
	for i, m := range config.LoadMethods {
		methods[i] = string(m)
	}
	return withCommonSettings(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"loader": map[string]interface{}{
				"type": "string", "default": "jsonl", "enum": enum,
				"description": "Registered destination to write to",
			},
			"destination": map[string]interface{}{
				"type":        "object",
				"description": "Settings of the selected loader",
			},
			"load_method":              map[string]interface{}{"type": "string", "default": string(config.LoadMethodAppendOnly), "enum": methods},
			"batch_size_rows":          map[string]interface{}{"type": "integer", "default": config.DefaultBatchSizeRows},
			"batch_wait_limit_seconds": map[string]interface{}{"type": "number"},
			"parallelism":              map[string]interface{}{"type": "integer", "default": 0},
			"max_parallelism":          map[string]interface{}{"type": "integer", "default": config.DefaultMaxParallelism},
			"flush_all_streams":        map[string]interface{}{"type": "boolean", "default": false},
			"hard_delete":              map[string]interface{}{"type": "boolean", "default": false},
			"add_record_metadata":      map[string]interface{}{"type": "boolean", "default": false},
			"primary_key_required":     map[string]interface{}{"type": "boolean", "default": false},
		},
	})
}

func runTarget(cmd *cobra.Command, opts TargetOptions, f targetFlags) error {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	settingsSchema := TargetSettingsSchema()
	if f.about {
		about := capabilities.NewAboutInfo(opts.Name, opts.Description, opts.Version, capabilities.DefaultTarget, settingsSchema)
		return renderAbout(stdout, about, f.format)
	}

	settings, err := config.LoadSettings(f.configs, EnvPrefix(opts.Name), settingsSchema)
	if err != nil {
		return err
	}
	if err := config.ValidateSettings(settings, settingsSchema); err != nil {
		return err
	}
	cfg, err := config.NewTargetConfigFromSettings(settings)
	if err != nil {
		return err
	}
	info, err := registry.GetInfo(registry.TypeLoader, cfg.Loader)
	if err != nil {
		return err
	}
	if err := config.ValidateSettings(cfg.Destination, info.ConfigSchema); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "invalid %s destination settings", cfg.Loader)
	}
	storageOpts, err := storageOptions(settings)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	log, shutdown, err := setup(ctx, opts.Name, opts.Version, cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	input := opts.Stdin
	if input == nil {
		input = os.Stdin
	}
	if f.input != "" {
		file, err := os.Open(f.input) //nolint:gosec // G304: path comes from the command line
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeFile, "failed to open %s", f.input)
		}
		defer file.Close()
		input = file
	}

	loaderOpts := target.LoaderOptionsFrom(cfg, log.With(zap.String("loader", cfg.Loader)))
	loaderOpts.Storage = storageOpts
	loader, err := registry.CreateLoader(ctx, cfg.Loader, loaderOpts)
	if err != nil {
		return err
	}
	t, err := target.New(target.Options{
		Name:    opts.Name,
		Config:  cfg,
		Loader:  loader,
		Output:  stdout,
		Logger:  log,
		Storage: storageOpts,
	})
	if err != nil {
		_ = loader.Close(ctx)
		return err
	}
	return t.Run(ctx, input)
}
