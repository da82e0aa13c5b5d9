package config

import (
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// Settings is the raw settings map a connector receives through --config.
// Connector specific options are read from it; the SDK level options below
// are decoded from the same map.
type Settings map[string]interface{}

// LoadMethod controls how a target writes a flushed batch.
type LoadMethod string

const (
	// LoadMethodAppendOnly inserts every record
	LoadMethodAppendOnly LoadMethod = "append-only"
	// LoadMethodUpsert inserts or updates by key properties
	LoadMethodUpsert LoadMethod = "upsert"
	// LoadMethodOverwrite replaces the destination table on the first load of a run
	LoadMethodOverwrite LoadMethod = "overwrite"
)

// LoadMethods lists the accepted load methods.
var LoadMethods = []LoadMethod{LoadMethodAppendOnly, LoadMethodUpsert, LoadMethodOverwrite}

// ObservabilityConfig controls logs, Singer metric lines and tracing.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogFormat selects json or console output
	LogFormat string `yaml:"log_format" json:"log_format"`
	// MetricsLogInterval is how often, in seconds, counters emit METRIC lines
	MetricsLogInterval float64 `yaml:"metrics_log_interval" json:"metrics_log_interval"`
	// TracingExporter is "none" or "stdout" (written to stderr)
	TracingExporter string `yaml:"tracing_exporter" json:"tracing_exporter"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// BatchEncodingConfig describes the file format of BATCH messages.
type BatchEncodingConfig struct {
	// Format is jsonl, parquet or avro
	Format string `yaml:"format" json:"format"`
	// Compression is none, gzip, zstd, lz4 or snappy
	Compression string `yaml:"compression" json:"compression"`
}

// BatchStorageConfig describes where batch files are written.
type BatchStorageConfig struct {
	// Root is a file://, s3:// or gs:// URL
	Root string `yaml:"root" json:"root"`
	// Prefix is prepended to every batch file name
	Prefix string `yaml:"prefix" json:"prefix"`
}

// BatchConfig enables BATCH messages on a tap.
type BatchConfig struct {
	Encoding BatchEncodingConfig `yaml:"encoding" json:"encoding"`
	Storage  BatchStorageConfig  `yaml:"storage" json:"storage"`
	// BatchSize is the number of records per batch file
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// TapConfig holds the settings every tap understands.
type TapConfig struct {
	StreamMaps         map[string]interface{} `yaml:"stream_maps" json:"stream_maps"`
	StreamMapConfig    map[string]interface{} `yaml:"stream_map_config" json:"stream_map_config"`
	FlatteningEnabled  bool                   `yaml:"flattening_enabled" json:"flattening_enabled"`
	FlatteningMaxDepth int                    `yaml:"flattening_max_depth" json:"flattening_max_depth"`
	BatchConfig        *BatchConfig           `yaml:"batch_config" json:"batch_config"`
	StartDate          string                 `yaml:"start_date" json:"start_date"`
	Observability      ObservabilityConfig    `yaml:"observability" json:"observability"`

	// Settings is the full raw settings map, including connector options
	Settings Settings `yaml:"-" json:"-"`
}

// TargetConfig holds the settings every target understands.
type TargetConfig struct {
	// BatchSizeRows flushes a stream once this many distinct keys are buffered
	BatchSizeRows int `yaml:"batch_size_rows" json:"batch_size_rows"`
	// BatchWaitLimitSeconds flushes a batch open longer than this; 0 disables
	BatchWaitLimitSeconds float64 `yaml:"batch_wait_limit_seconds" json:"batch_wait_limit_seconds"`
	// Parallelism bounds concurrent stream flushes; 0 sizes the pool automatically
	Parallelism int `yaml:"parallelism" json:"parallelism"`
	// MaxParallelism caps the automatically sized pool
	MaxParallelism int `yaml:"max_parallelism" json:"max_parallelism"`
	// FlushAllStreams flushes every stream whenever one stream triggers
	FlushAllStreams bool `yaml:"flush_all_streams" json:"flush_all_streams"`
	// HardDelete deletes superseded rows on ACTIVATE_VERSION instead of marking them
	HardDelete bool `yaml:"hard_delete" json:"hard_delete"`
	// AddRecordMetadata adds the _sdc_* columns
	AddRecordMetadata bool `yaml:"add_record_metadata" json:"add_record_metadata"`
	// PrimaryKeyRequired rejects SCHEMA messages without key properties
	PrimaryKeyRequired bool `yaml:"primary_key_required" json:"primary_key_required"`
	// ValidateRecords validates every record against the stream schema
	ValidateRecords bool `yaml:"validate_records" json:"validate_records"`
	// LoadMethod is append-only, upsert or overwrite
	LoadMethod LoadMethod `yaml:"load_method" json:"load_method"`

	// Loader names the registered destination to write to
	Loader string `yaml:"loader" json:"loader"`
	// Destination holds loader specific settings
	Destination Settings `yaml:"destination" json:"destination"`

	StreamMaps         map[string]interface{} `yaml:"stream_maps" json:"stream_maps"`
	FlatteningEnabled  bool                   `yaml:"flattening_enabled" json:"flattening_enabled"`
	FlatteningMaxDepth int                    `yaml:"flattening_max_depth" json:"flattening_max_depth"`
	Observability      ObservabilityConfig    `yaml:"observability" json:"observability"`

	// Settings is the full raw settings map
	Settings Settings `yaml:"-" json:"-"`
}

// DefaultMaxParallelism caps automatically sized flush pools.
const DefaultMaxParallelism = 8

// DefaultBatchSizeRows is the default batch_size_rows.
const DefaultBatchSizeRows = 10000

func defaultObservability() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           "info",
		LogFormat:          "json",
		MetricsLogInterval: 60,
		TracingExporter:    "none",
		TracingSampleRate:  1.0,
	}
}

// NewTapConfig returns a TapConfig with defaults applied.
func NewTapConfig() *TapConfig {
	return &TapConfig{
		FlatteningMaxDepth: 0,
		Observability:      defaultObservability(),
		Settings:           Settings{},
	}
}

// NewTargetConfig returns a TargetConfig with defaults applied.
func NewTargetConfig() *TargetConfig {
	return &TargetConfig{
		BatchSizeRows:      DefaultBatchSizeRows,
		Parallelism:        0,
		MaxParallelism:     DefaultMaxParallelism,
		PrimaryKeyRequired: true,
		ValidateRecords:    true,
		LoadMethod:         LoadMethodAppendOnly,
		Loader:             "jsonl",
		Destination:        Settings{},
		Observability:      defaultObservability(),
		Settings:           Settings{},
	}
}

// Decode fills out from settings. Fields absent from settings keep the
// values already present in out, so callers decode into a defaulted struct.
func Decode(settings Settings, out interface{}) error {
	data, err := jsonpool.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to encode settings")
	}
	if err := jsonpool.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "settings do not match the expected types")
	}
	return nil
}

// NewTapConfigFromSettings decodes and validates tap settings.
func NewTapConfigFromSettings(settings Settings) (*TapConfig, error) {
	cfg := NewTapConfig()
	if err := Decode(settings, cfg); err != nil {
		return nil, err
	}
	cfg.Settings = settings
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewTargetConfigFromSettings decodes and validates target settings.
func NewTargetConfigFromSettings(settings Settings) (*TargetConfig, error) {
	cfg := NewTargetConfig()
	if err := Decode(settings, cfg); err != nil {
		return nil, err
	}
	cfg.Settings = settings
	if cfg.Destination == nil {
		cfg.Destination = Settings{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks tap settings for correctness.
func (c *TapConfig) Validate() error {
	if c.FlatteningMaxDepth < 0 {
		return errors.New(errors.ErrorTypeConfig, "flattening_max_depth cannot be negative")
	}
	if c.FlatteningEnabled && c.FlatteningMaxDepth == 0 {
		return errors.New(errors.ErrorTypeConfig, "flattening_max_depth is required when flattening is enabled")
	}
	if c.BatchConfig != nil {
		if err := c.BatchConfig.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks batch settings for correctness.
func (b *BatchConfig) Validate() error {
	switch b.Encoding.Format {
	case "jsonl", "parquet", "avro":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unsupported batch format %q", b.Encoding.Format)
	}
	switch b.Encoding.Compression {
	case "", "none", "gzip", "zstd", "lz4", "snappy":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unsupported batch compression %q", b.Encoding.Compression)
	}
	if b.Storage.Root == "" {
		return errors.New(errors.ErrorTypeConfig, "batch_config.storage.root is required")
	}
	if b.BatchSize < 0 {
		return errors.New(errors.ErrorTypeConfig, "batch_config.batch_size cannot be negative")
	}
	return nil
}

// Validate checks target settings for correctness.
func (c *TargetConfig) Validate() error {
	if c.BatchSizeRows <= 0 {
		return errors.New(errors.ErrorTypeConfig, "batch_size_rows must be positive")
	}
	if c.BatchWaitLimitSeconds < 0 {
		return errors.New(errors.ErrorTypeConfig, "batch_wait_limit_seconds cannot be negative")
	}
	if c.Parallelism < 0 {
		return errors.New(errors.ErrorTypeConfig, "parallelism cannot be negative")
	}
	if c.MaxParallelism <= 0 {
		return errors.New(errors.ErrorTypeConfig, "max_parallelism must be positive")
	}
	if !c.LoadMethod.Valid() {
		return errors.Newf(errors.ErrorTypeConfig, "unsupported load_method %q", c.LoadMethod).
			WithDetail("allowed", LoadMethods)
	}
	if c.FlatteningEnabled && c.FlatteningMaxDepth <= 0 {
		return errors.New(errors.ErrorTypeConfig, "flattening_max_depth is required when flattening is enabled")
	}
	return nil
}

// Valid reports whether m is a known load method.
func (m LoadMethod) Valid() bool {
	for _, known := range LoadMethods {
		if m == known {
			return true
		}
	}
	return false
}

// FlushParallelism returns the worker count for flushing n streams.
func (c *TargetConfig) FlushParallelism(n int) int {
	if n <= 0 {
		return 1
	}
	if c.Parallelism > 0 {
		if c.Parallelism > n {
			return n
		}
		return c.Parallelism
	}
	limit := c.MaxParallelism
	if limit <= 0 {
		limit = DefaultMaxParallelism
	}
	if n < limit {
		return n
	}
	return limit
}

// String returns a nested string setting or "".
func (s Settings) String(key string) string {
	if v, ok := s[key]; ok && v != nil {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// Bool returns a boolean setting or def.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// Sub returns a nested settings object or an empty one.
func (s Settings) Sub(key string) Settings {
	switch v := s[key].(type) {
	case map[string]interface{}:
		return Settings(v)
	case Settings:
		return v
	}
	return Settings{}
}
