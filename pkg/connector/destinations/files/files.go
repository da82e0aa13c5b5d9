// Package files loads batches as files under a storage root. Every flush of
// a stream becomes one object named
//
//	<prefix><stream>/<stream>-<run start>-<uuid><ext>
//
// encoded as JSON lines, Parquet or Avro. Roots may be local directories,
// s3:// or gs:// URLs. Files are immutable, so every load method appends.
package files

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/batch"
	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
	"github.com/ajitpratap0/nebula-singer/pkg/storage"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

// Config holds the settings of a file loader.
type Config struct {
	// Root is a directory or storage URL
	Root   string `json:"root"`
	Prefix string `json:"prefix"`
	// Compression is none, gzip, zstd, lz4 or snappy
	Compression string `json:"compression"`
}

// Loader writes one file per flush.
type Loader struct {
	encoding singer.BatchEncoding
	prefix   string
	store    storage.Storage
	logger   *zap.Logger

	mu      sync.Mutex
	written map[string][]string
}

// New opens the storage root for format.
func New(ctx context.Context, format batch.Format, opts target.LoaderOptions) (*Loader, error) {
	var cfg Config
	if err := config.Decode(opts.Settings, &cfg); err != nil {
		return nil, err
	}
	if cfg.Root == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "destination.root is required")
	}
	store, err := storage.New(ctx, cfg.Root, opts.Storage)
	if err != nil {
		return nil, err
	}
	return NewWithStorage(format, cfg, store, opts), nil
}

// NewWithStorage returns a Loader writing to store, which it owns.
func NewWithStorage(format batch.Format, cfg Config, store storage.Storage, opts target.LoaderOptions) *Loader {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("loader", string(format)))
	if opts.LoadMethod != config.LoadMethodAppendOnly && opts.LoadMethod != "" {
		log.Warn("file loaders only append, load_method is ignored", zap.String("load_method", string(opts.LoadMethod)))
	}
	return &Loader{
		encoding: singer.BatchEncoding{Format: string(format), Compression: cfg.Compression},
		prefix:   cfg.Prefix,
		store:    store,
		logger:   log,
		written:  make(map[string][]string),
	}
}

// Load writes b as a new file.
func (l *Loader) Load(ctx context.Context, b *target.Batch) error {
	name := l.objectName(b.Stream, b.SyncStartedAt)
	file, err := l.store.Create(ctx, name)
	if err != nil {
		return err
	}
	enc, err := batch.NewWriter(l.encoding, b.Schema, file)
	if err != nil {
		file.Close()
		return err
	}
	for _, record := range b.Records {
		if err := enc.Write(record); err != nil {
			enc.Close()
			file.Close()
			l.store.Delete(ctx, name)
			return errors.Wrapf(err, errors.GetType(err), "failed to encode record of stream %s", b.Stream)
		}
	}
	if err := enc.Close(); err != nil {
		file.Close()
		l.store.Delete(ctx, name)
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	l.mu.Lock()
	l.written[b.Stream] = append(l.written[b.Stream], l.store.URL(name))
	l.mu.Unlock()
	l.logger.Debug("file written",
		zap.String("stream", b.Stream),
		zap.String("url", l.store.URL(name)),
		zap.Int("records", len(b.Records)))
	return nil
}

func (l *Loader) objectName(stream string, startedAt time.Time) string {
	stamp := startedAt.UTC().Format("20060102T150405")
	return path.Clean(l.prefix + stream + "/" + stream + "-" + stamp + "-" + uuid.NewString() + batch.Extension(l.encoding))
}

// ActivateVersion is not supported by immutable files and only logs.
func (l *Loader) ActivateVersion(_ context.Context, stream string, version int64) error {
	l.logger.Info("file loaders keep every version, ACTIVATE_VERSION ignored",
		zap.String("stream", stream),
		zap.Int64("version", version))
	return nil
}

// Written returns the URLs written for stream so far.
func (l *Loader) Written(stream string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.written[stream]...)
}

// Close releases the storage.
func (l *Loader) Close(context.Context) error {
	return l.store.Close()
}
