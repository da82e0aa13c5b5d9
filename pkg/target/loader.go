package target

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/storage"
)

// Batch is the content of one stream flush. Records are the latest value of
// every buffered key, in the order the keys were first seen.
type Batch struct {
	Stream        string
	Schema        schema.Document
	KeyProperties []string
	Records       []map[string]interface{}
	LoadMethod    config.LoadMethod
	// First is set on the first batch of a stream in this run, where an
	// overwrite load replaces the existing data
	First bool
	// SyncStartedAt is when the target started
	SyncStartedAt time.Time
}

// Loader persists flushed batches. Load is called concurrently for
// different streams, never for the same stream.
type Loader interface {
	Load(ctx context.Context, b *Batch) error
	// ActivateVersion removes the rows of stream older than version: hard
	// deletes them or sets _sdc_deleted_at, depending on hard_delete
	ActivateVersion(ctx context.Context, stream string, version int64) error
	Close(ctx context.Context) error
}

// LoaderOptions is what a loader factory receives.
type LoaderOptions struct {
	// Settings are the loader specific settings under "destination"
	Settings   config.Settings
	LoadMethod config.LoadMethod
	HardDelete bool
	Storage    storage.Options
	Logger     *zap.Logger
}

// LoaderOptionsFrom derives loader options from target settings.
func LoaderOptionsFrom(cfg *config.TargetConfig, logger *zap.Logger) LoaderOptions {
	return LoaderOptions{
		Settings:   cfg.Destination,
		LoadMethod: cfg.LoadMethod,
		HardDelete: cfg.HardDelete,
		Logger:     logger,
	}
}
