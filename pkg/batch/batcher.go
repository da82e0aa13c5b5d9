package batch

import (
	"context"
	"io"
	"path"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
	"github.com/ajitpratap0/nebula-singer/pkg/storage"
)

// DefaultBatchSize is the number of records per file when batch_size is unset.
const DefaultBatchSize = 10000

// Batcher writes stream records to batch files and produces the BATCH
// messages that reference them.
type Batcher struct {
	encoding singer.BatchEncoding
	prefix   string
	size     int
	store    storage.Storage
	logger   *zap.Logger
}

// NewBatcher opens the storage root named in cfg.
func NewBatcher(ctx context.Context, cfg *config.BatchConfig, opts storage.Options, logger *zap.Logger) (*Batcher, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "batch_config is required")
	}
	store, err := storage.New(ctx, cfg.Storage.Root, opts)
	if err != nil {
		return nil, err
	}
	return NewBatcherWithStorage(cfg, store, logger), nil
}

// NewBatcherWithStorage returns a Batcher writing to store. The Batcher owns
// store and closes it on Close.
func NewBatcherWithStorage(cfg *config.BatchConfig, store storage.Storage, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	enc := singer.BatchEncoding{Format: cfg.Encoding.Format, Compression: cfg.Encoding.Compression}
	if enc.Format == "" {
		enc.Format = string(JSONL)
	}
	return &Batcher{
		encoding: enc,
		prefix:   cfg.Storage.Prefix,
		size:     size,
		store:    store,
		logger:   logger,
	}
}

// Encoding returns the encoding of every file this Batcher writes.
func (b *Batcher) Encoding() singer.BatchEncoding { return b.encoding }

// Stream returns a writer for one stream. doc must be the schema announced
// for the stream.
func (b *Batcher) Stream(name string, doc schema.Document) *StreamBatcher {
	return &StreamBatcher{batcher: b, stream: name, schema: doc}
}

// Close releases the storage backend.
func (b *Batcher) Close() error {
	return b.store.Close()
}

// StreamBatcher accumulates one stream's records into files of at most
// batch_size records.
type StreamBatcher struct {
	batcher *Batcher
	stream  string
	schema  schema.Document

	name  string
	file  io.WriteCloser
	enc   Writer
	count int
}

// Add appends a record. It returns a BATCH message when the current file
// reaches batch_size and is committed, otherwise nil.
func (s *StreamBatcher) Add(ctx context.Context, record map[string]interface{}) (*singer.BatchMessage, error) {
	if s.enc == nil {
		if err := s.open(ctx); err != nil {
			return nil, err
		}
	}
	if err := s.enc.Write(record); err != nil {
		s.abort(ctx)
		return nil, errors.Wrapf(err, errors.GetType(err), "failed to batch record for stream %s", s.stream)
	}
	s.count++
	if s.count >= s.batcher.size {
		return s.commit()
	}
	return nil, nil
}

// Flush commits the open file, if any, and returns its BATCH message.
func (s *StreamBatcher) Flush(context.Context) (*singer.BatchMessage, error) {
	if s.enc == nil {
		return nil, nil
	}
	return s.commit()
}

func (s *StreamBatcher) open(ctx context.Context) error {
	b := s.batcher
	s.name = path.Clean(b.prefix + s.stream + "-" + uuid.NewString() + Extension(b.encoding))
	file, err := b.store.Create(ctx, s.name)
	if err != nil {
		return err
	}
	enc, err := NewWriter(b.encoding, s.schema, file)
	if err != nil {
		file.Close()
		b.store.Delete(ctx, s.name)
		return err
	}
	s.file, s.enc, s.count = file, enc, 0
	return nil
}

func (s *StreamBatcher) commit() (*singer.BatchMessage, error) {
	b := s.batcher
	enc, file, name, count := s.enc, s.file, s.name, s.count
	s.enc, s.file, s.name, s.count = nil, nil, "", 0

	if err := enc.Close(); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}
	url := b.store.URL(name)
	b.logger.Debug("batch file committed",
		zap.String("stream", s.stream),
		zap.String("url", url),
		zap.Int("records", count))
	return &singer.BatchMessage{
		Stream:   s.stream,
		Encoding: b.encoding,
		Manifest: []string{url},
	}, nil
}

func (s *StreamBatcher) abort(ctx context.Context) {
	s.enc.Close()
	s.file.Close()
	s.batcher.store.Delete(ctx, s.name)
	s.enc, s.file, s.name, s.count = nil, nil, "", 0
}
