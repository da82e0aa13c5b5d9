// Package target consumes Singer messages and loads them through a Loader.
//
// Records are buffered per output stream in a Sink and flushed when the
// stream reaches batch_size_rows distinct keys, when a batch outlives
// batch_wait_limit_seconds, when the stream's schema changes, on
// ACTIVATE_VERSION and at the end of input. After each flush the target
// emits the state that is safe to acknowledge: the latest input state for
// the streams that were actually persisted.
package target

import (
	"context"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/batch"
	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/logger"
	"github.com/ajitpratap0/nebula-singer/pkg/mapper"
	"github.com/ajitpratap0/nebula-singer/pkg/metrics"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
	"github.com/ajitpratap0/nebula-singer/pkg/state"
	"github.com/ajitpratap0/nebula-singer/pkg/storage"
)

// Options configures a Target.
type Options struct {
	Name   string
	Config *config.TargetConfig
	Loader Loader
	// Output receives acknowledged STATE messages; defaults to stdout
	Output io.Writer
	Logger *zap.Logger
	// Storage opens the files referenced by BATCH messages
	Storage storage.Options
}

// Target runs one load.
type Target struct {
	name        string
	config      *config.TargetConfig
	loader      Loader
	mapper      *mapper.Mapper
	metrics     *metrics.Metrics
	out         *singer.Writer
	states      *state.Writer
	storageOpts storage.Options
	logger      *zap.Logger

	sinks   map[string]*Sink
	schemas map[string]schema.Document
	loaded  map[string]bool

	latestState  map[string]interface{}
	flushedState map[string]interface{}

	startedAt time.Time
	now       func() time.Time
}

// New validates the options and returns a Target.
func New(opts Options) (*Target, error) {
	if opts.Loader == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "target requires a loader")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewTargetConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	log := opts.Logger
	if log == nil {
		log = logger.With(zap.String("component", "target"))
	}
	if opts.Name != "" {
		log = log.With(zap.String("target", opts.Name))
	}

	m, err := mapper.New(mapper.Config{
		StreamMaps: cfg.StreamMaps,
		Flattening: mapper.Flattening{Enabled: cfg.FlatteningEnabled, MaxDepth: cfg.FlatteningMaxDepth},
	}, log.With(zap.String("component", "mapper")))
	if err != nil {
		return nil, err
	}

	writer := singer.NewWriter(out)
	t := &Target{
		name:        opts.Name,
		config:      cfg,
		loader:      opts.Loader,
		mapper:      m,
		metrics:     metrics.New(log.With(zap.String("component", "metrics")), time.Duration(cfg.Observability.MetricsLogInterval*float64(time.Second))),
		out:         writer,
		states:      state.NewWriter(writer),
		storageOpts: opts.Storage,
		logger:      log,
		sinks:       make(map[string]*Sink),
		schemas:     make(map[string]schema.Document),
		loaded:      make(map[string]bool),
		now:         time.Now,
	}
	t.startedAt = t.now()
	return t, nil
}

// Sink returns the active sink of an output stream, or nil.
func (t *Target) Sink(stream string) *Sink { return t.sinks[stream] }

// FlushedState returns a copy of the last acknowledged state, or nil.
func (t *Target) FlushedState() map[string]interface{} {
	if t.flushedState == nil {
		return nil
	}
	return jsonpool.CloneMap(t.flushedState)
}

// Run reads messages from r until EOF, flushes every stream and closes the
// loader. When ctx is cancelled the buffered records are flushed before
// returning, without cancelling the loads themselves.
func (t *Target) Run(ctx context.Context, r io.Reader) (err error) {
	defer func() {
		for _, sink := range t.sinks {
			if sink.counter != nil {
				sink.counter.Close()
			}
		}
		if cerr := t.loader.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = errors.Wrap(cerr, errors.GetType(cerr), "failed to close loader")
		}
		if ferr := t.out.Flush(); ferr != nil && err == nil {
			err = errors.Wrap(ferr, errors.ErrorTypeFile, "failed to flush output")
		}
	}()

	reader := singer.NewReader(r)
	for {
		if cerr := ctx.Err(); cerr != nil {
			t.logger.Info("load interrupted, flushing all streams")
			if ferr := t.Flush(context.WithoutCancel(ctx), nil); ferr != nil {
				t.logger.Error("final flush failed", zap.Error(ferr))
			}
			return errors.Wrap(cerr, errors.ErrorTypeTimeout, "load interrupted")
		}
		msg, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := t.Process(ctx, msg); err != nil {
			return err
		}
	}

	t.logger.Info("end of input, flushing all streams")
	return t.Flush(ctx, nil)
}

// Process handles one message.
func (t *Target) Process(ctx context.Context, msg singer.Message) error {
	switch m := msg.(type) {
	case *singer.SchemaMessage:
		if err := t.processSchema(ctx, m); err != nil {
			return err
		}
		return t.checkWaitLimit(ctx)
	case *singer.RecordMessage:
		if err := t.processRecord(ctx, m); err != nil {
			return err
		}
		return t.checkWaitLimit(ctx)
	case *singer.StateMessage:
		t.processState(m)
		return t.checkWaitLimit(ctx)
	case *singer.ActivateVersionMessage:
		return t.processActivateVersion(ctx, m)
	case *singer.BatchMessage:
		return t.processBatch(ctx, m)
	}
	return errors.Newf(errors.ErrorTypeProtocol, "unsupported message type %q", msg.Type())
}

func (t *Target) processSchema(ctx context.Context, m *singer.SchemaMessage) error {
	if _, ok := m.Schema["properties"].(map[string]interface{}); !ok {
		return errors.Newf(errors.ErrorTypeSchemaNotValid, "schema for stream %s has no properties", m.Stream)
	}
	if t.config.PrimaryKeyRequired && len(m.KeyProperties) == 0 {
		return errors.Newf(errors.ErrorTypeMissingKeyProperties,
			"stream %s has no key properties and primary_key_required is set", m.Stream)
	}

	maps, changed, err := t.mapper.Register(m.Stream, m.Schema, m.KeyProperties)
	if err != nil {
		return err
	}
	t.schemas[m.Stream] = m.Schema
	if !changed {
		t.logger.Debug("schema unchanged", zap.String("stream", m.Stream))
		return nil
	}

	for _, sm := range maps {
		if sm.Removed() {
			continue
		}
		existing := t.sinks[sm.Alias]
		if existing != nil {
			if existing.matches(sm.Schema, sm.KeyProperties) {
				continue
			}
			t.logger.Info("schema or key properties changed, replacing sink", zap.String("stream", sm.Alias))
			if existing.Len() > 0 {
				if err := t.Flush(ctx, []string{sm.Alias}); err != nil {
					return err
				}
			}
			existing.counter.Close()
		}
		if err := t.addSink(sm.Alias, m.Stream, sm.Schema, sm.KeyProperties); err != nil {
			return err
		}
	}
	return nil
}

func (t *Target) addSink(stream, source string, doc schema.Document, keys []string) error {
	effective := withoutMetadataSchema(doc)
	if t.config.AddRecordMetadata {
		effective = withMetadataSchema(doc)
	}
	sink, err := NewSink(stream, effective, keys, t.config.ValidateRecords)
	if err != nil {
		return err
	}
	sink.rawSchema = doc
	sink.Source = source
	sink.counter = t.metrics.RecordCounter(stream, nil)
	t.sinks[stream] = sink
	t.logger.Debug("sink initialized", zap.String("stream", stream), zap.Strings("key_properties", keys))
	return nil
}

func (t *Target) processRecord(ctx context.Context, m *singer.RecordMessage) error {
	mapped, err := t.mapper.Transform(m.Stream, m.Record)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeRecordsWithoutSchema) {
			return errors.Newf(errors.ErrorTypeRecordsWithoutSchema,
				"a record for stream '%s' was encountered before a corresponding schema", m.Stream)
		}
		return err
	}

	for _, out := range mapped {
		sink := t.sinks[out.Map.Alias]
		if sink == nil {
			return errors.Newf(errors.ErrorTypeRecordsWithoutSchema,
				"a record for stream '%s' was encountered before a corresponding schema", out.Map.Alias)
		}
		record := out.Record
		now := t.now()
		if t.config.AddRecordMetadata {
			addMetadata(record, m, sink.openedAt, t.startedAt, now)
		} else {
			stripMetadata(record)
		}
		if err := sink.Add(record, now); err != nil {
			return err
		}
		if sink.Len() >= t.config.BatchSizeRows {
			t.logger.Info("sink is full, flushing",
				zap.String("stream", sink.Stream),
				zap.Int("rows", sink.Len()))
			if err := t.flushTriggered(ctx, sink.Stream); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkWaitLimit flushes batches open longer than batch_wait_limit_seconds.
func (t *Target) checkWaitLimit(ctx context.Context) error {
	limit := time.Duration(t.config.BatchWaitLimitSeconds * float64(time.Second))
	if limit <= 0 {
		return nil
	}
	now := t.now()
	var expired []string
	for name, sink := range t.sinks {
		if sink.Len() > 0 && sink.Age(now) >= limit {
			expired = append(expired, name)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	t.logger.Info("batch wait limit reached, flushing", zap.Strings("streams", expired))
	if t.config.FlushAllStreams {
		return t.Flush(ctx, nil)
	}
	return t.Flush(ctx, expired)
}

func (t *Target) flushTriggered(ctx context.Context, stream string) error {
	if t.config.FlushAllStreams {
		return t.Flush(ctx, nil)
	}
	return t.Flush(ctx, []string{stream})
}

func (t *Target) processState(m *singer.StateMessage) {
	if t.latestState != nil && jsonpool.Equal(t.latestState, m.Value) {
		return
	}
	t.latestState = jsonpool.CloneMap(m.Value)
}

func (t *Target) processActivateVersion(ctx context.Context, m *singer.ActivateVersionMessage) error {
	maps := t.mapper.StreamMaps(m.Stream)
	if len(maps) == 0 {
		return errors.Newf(errors.ErrorTypeRecordsWithoutSchema,
			"ACTIVATE_VERSION for stream '%s' was encountered before a corresponding schema", m.Stream)
	}
	if !t.config.AddRecordMetadata {
		t.logger.Warn("ACTIVATE_VERSION relies on _sdc_table_version and _sdc_deleted_at, which add_record_metadata disables",
			zap.String("stream", m.Stream))
	}
	for _, sm := range maps {
		if sm.Removed() {
			continue
		}
		if sink := t.sinks[sm.Alias]; sink != nil && sink.Len() > 0 {
			if err := t.Flush(ctx, []string{sm.Alias}); err != nil {
				return err
			}
		}
		if err := t.loader.ActivateVersion(ctx, sm.Alias, m.Version); err != nil {
			return errors.Wrapf(err, errors.GetType(err), "failed to activate version %d of stream %s", m.Version, sm.Alias)
		}
		t.logger.Info("version activated", zap.String("stream", sm.Alias), zap.Int64("version", m.Version))
	}
	return nil
}

// processBatch feeds the records of every manifest file through the
// record path.
func (t *Target) processBatch(ctx context.Context, m *singer.BatchMessage) error {
	doc, ok := t.schemas[m.Stream]
	if !ok {
		return errors.Newf(errors.ErrorTypeRecordsWithoutSchema,
			"a BATCH for stream '%s' was encountered before a corresponding schema", m.Stream)
	}
	count := 0
	for record, err := range batch.Records(ctx, m, doc, t.storageOpts) {
		if err != nil {
			return errors.Wrapf(err, errors.GetType(err), "failed to read batch for stream %s", m.Stream)
		}
		if err := t.processRecord(ctx, &singer.RecordMessage{Stream: m.Stream, Record: record}); err != nil {
			return err
		}
		count++
	}
	t.logger.Debug("batch processed",
		zap.String("stream", m.Stream),
		zap.Int("files", len(m.Manifest)),
		zap.Int("records", count))
	return t.checkWaitLimit(ctx)
}
