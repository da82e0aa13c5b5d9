// Package cli builds the cobra commands of tap and target binaries.
//
// Both commands follow the Singer conventions: settings come from one or
// more --config inputs (files or ENV), Singer messages go to stdout and
// everything else goes to stderr. Any error exits with status 1.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/logger"
	"github.com/ajitpratap0/nebula-singer/pkg/observability"
	"github.com/ajitpratap0/nebula-singer/pkg/storage"
)

// Execute runs cmd until it returns or SIGINT/SIGTERM cancels it, printing
// the error to stderr. It returns the process exit code.
func Execute(cmd *cobra.Command) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", zap.Error(err), zap.String("error_type", string(errors.GetType(err))))
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", cmd.Name(), err)
		_ = logger.Sync()
		return 1
	}
	_ = logger.Sync()
	return 0
}

// EnvPrefix is the prefix of environment settings for a connector, such as
// TAP_GITLAB_ for tap-gitlab.
func EnvPrefix(name string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return strings.ToUpper(r.Replace(name)) + "_"
}

// setup initializes logging and tracing from the observability settings and
// returns the component logger and the tracer shutdown.
func setup(ctx context.Context, name, version string, obs config.ObservabilityConfig) (*zap.Logger, func(context.Context) error, error) {
	if err := logger.Init(logger.Config{Level: obs.LogLevel, Encoding: obs.LogFormat}); err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	shutdown, err := observability.Initialize(ctx, observability.TracingConfigFrom(name, version, obs))
	if err != nil {
		return nil, nil, err
	}
	return logger.With(zap.String("component", name)), shutdown, nil
}

// StorageSettings configures the storage backends of BATCH files.
type StorageSettings struct {
	S3Region           string `json:"s3_region"`
	S3Endpoint         string `json:"s3_endpoint"`
	S3PartSize         int64  `json:"s3_part_size"`
	GCSCredentialsFile string `json:"gcs_credentials_file"`
	GCSEndpoint        string `json:"gcs_endpoint"`
}

// storageOptions reads the optional "storage" settings block.
func storageOptions(settings config.Settings) (storage.Options, error) {
	var s StorageSettings
	if err := config.Decode(settings.Sub("storage"), &s); err != nil {
		return storage.Options{}, err
	}
	return storage.Options{
		S3Region:           s.S3Region,
		S3Endpoint:         s.S3Endpoint,
		S3PartSize:         s.S3PartSize,
		GCSCredentialsFile: s.GCSCredentialsFile,
		GCSEndpoint:        s.GCSEndpoint,
	}, nil
}

var storageSchema = map[string]interface{}{
	"type":        "object",
	"description": "Storage backend options for batch files",
	"properties": map[string]interface{}{
		"s3_region":            map[string]interface{}{"type": "string"},
		"s3_endpoint":          map[string]interface{}{"type": "string"},
		"s3_part_size":         map[string]interface{}{"type": "integer"},
		"gcs_credentials_file": map[string]interface{}{"type": "string"},
		"gcs_endpoint":         map[string]interface{}{"type": "string"},
	},
}

var observabilitySchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"log_level":            map[string]interface{}{"type": "string", "default": "info"},
		"log_format":           map[string]interface{}{"type": "string", "default": "json", "enum": []interface{}{"json", "console"}},
		"metrics_log_interval": map[string]interface{}{"type": "number", "default": 60},
		"tracing_exporter":     map[string]interface{}{"type": "string", "default": "none", "enum": []interface{}{"none", "stdout"}},
		"tracing_sample_rate":  map[string]interface{}{"type": "number", "default": 1},
	},
}

// withCommonSettings adds the storage and observability blocks to a
// settings schema.
func withCommonSettings(settingsSchema map[string]interface{}) map[string]interface{} {
	out := jsonpool.CloneMap(settingsSchema)
	if out == nil {
		out = map[string]interface{}{"type": "object"}
	}
	props, _ := out["properties"].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
		out["properties"] = props
	}
	if _, ok := props["storage"]; !ok {
		props["storage"] = jsonpool.CloneMap(storageSchema)
	}
	if _, ok := props["observability"]; !ok {
		props["observability"] = jsonpool.CloneMap(observabilitySchema)
	}
	return out
}

// readJSONFile decodes a JSON file keeping numbers exact.
func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the command line
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to read %s", path)
	}
	if err := jsonpool.UnmarshalUseNumber(data, v); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "%s is not valid JSON", path)
	}
	return nil
}

func renderAbout(w io.Writer, about *capabilities.AboutInfo, format string) error {
	if format == "" {
		format = capabilities.FormatJSON
	}
	return about.Render(w, format)
}
