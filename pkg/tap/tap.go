// Package tap drives a tap run. A Tap binds the discovered streams to the
// input catalog and state, then syncs every eligible top-level stream in
// name order, syncing child streams from inside their parent's record loop.
//
// A run moves through INIT, CATALOG_READY, PRIMED, SYNCING, FINALIZED and
// TERMINATED; any failure goes straight to TERMINATED. Every STATE message
// goes through one state.Writer.
package tap

import (
	"context"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/batch"
	"github.com/ajitpratap0/nebula-singer/pkg/catalog"
	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/logger"
	"github.com/ajitpratap0/nebula-singer/pkg/mapper"
	"github.com/ajitpratap0/nebula-singer/pkg/metrics"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
	"github.com/ajitpratap0/nebula-singer/pkg/state"
	"github.com/ajitpratap0/nebula-singer/pkg/storage"
	"github.com/ajitpratap0/nebula-singer/pkg/stream"
)

// Phase is the lifecycle position of a run.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseCatalogReady
	PhasePrimed
	PhaseSyncing
	PhaseFinalized
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseCatalogReady:
		return "CATALOG_READY"
	case PhasePrimed:
		return "PRIMED"
	case PhaseSyncing:
		return "SYNCING"
	case PhaseFinalized:
		return "FINALIZED"
	case PhaseTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// StateMessageFrequency is the number of records between STATE messages.
const StateMessageFrequency = 10000

// Options configures a Tap.
type Options struct {
	// Name identifies the tap in logs and traces
	Name    string
	Streams []stream.Stream
	Config  *config.TapConfig
	// Catalog is the input catalog, if any
	Catalog *catalog.Catalog
	// State is the input state, if any
	State map[string]interface{}
	// Output receives Singer messages; defaults to stdout
	Output io.Writer
	Logger *zap.Logger
	// Storage configures batch storage backends
	Storage storage.Options
}

// Tap runs one extraction.
type Tap struct {
	name        string
	config      *config.TapConfig
	nodes       []*stream.Node
	store       *state.Store
	raw         io.Writer
	out         *singer.Writer
	states      *state.Writer
	mapper      *mapper.Mapper
	metrics     *metrics.Metrics
	storageOpts storage.Options
	batcher     *batch.Batcher
	logger      *zap.Logger

	phase     Phase
	startedAt time.Time
	now       func() time.Time

	announced map[string]bool
	versions  map[string]int64
	costs     map[string]*syncCost
}

// New discovers the streams, builds the stream graph, applies the input
// catalog and loads the input state. The returned Tap is CATALOG_READY.
func New(ctx context.Context, opts Options) (*Tap, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewTapConfig()
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	log := opts.Logger
	if log == nil {
		log = logger.With(zap.String("component", "tap"))
	}
	if opts.Name != "" {
		log = log.With(zap.String("tap", opts.Name))
	}

	m, err := mapper.New(mapper.Config{
		StreamMaps: cfg.StreamMaps,
		MapConfig:  cfg.StreamMapConfig,
		Flattening: mapper.Flattening{Enabled: cfg.FlatteningEnabled, MaxDepth: cfg.FlatteningMaxDepth},
	}, log.With(zap.String("component", "mapper")))
	if err != nil {
		return nil, err
	}

	writer := singer.NewWriter(out)
	t := &Tap{
		name:        opts.Name,
		config:      cfg,
		store:       state.New(),
		raw:         out,
		out:         writer,
		states:      state.NewWriter(writer),
		mapper:      m,
		metrics:     metrics.New(log.With(zap.String("component", "metrics")), secondsToDuration(cfg.Observability.MetricsLogInterval)),
		storageOpts: opts.Storage,
		logger:      log,
		phase:       PhaseInit,
		now:         time.Now,
		announced:   make(map[string]bool),
		versions:    make(map[string]int64),
		costs:       make(map[string]*syncCost),
	}
	t.startedAt = t.now()

	t.nodes, err = stream.Build(ctx, opts.Streams)
	if err != nil {
		return nil, t.fail(err)
	}
	if opts.Catalog != nil {
		stream.ApplyCatalog(t.nodes, opts.Catalog)
	}
	if opts.State != nil {
		if err := t.store.Load(opts.State); err != nil {
			return nil, t.fail(err)
		}
	}
	t.phase = PhaseCatalogReady
	return t, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Phase returns the current lifecycle phase.
func (t *Tap) Phase() Phase { return t.phase }

// Nodes returns the streams of the run in sync order.
func (t *Tap) Nodes() []*stream.Node { return t.nodes }

// State returns a copy of the current state tree.
func (t *Tap) State() map[string]interface{} { return t.store.Snapshot() }

// Catalog renders the discovered streams, sorted by name.
func (t *Tap) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	c := &catalog.Catalog{}
	for _, node := range t.nodes {
		entry, err := node.CatalogEntry(ctx)
		if err != nil {
			return nil, err
		}
		c.Add(entry)
	}
	c.Sort()
	return c, nil
}

// WriteCatalog writes the discovery catalog as JSON to the output.
func (t *Tap) WriteCatalog(ctx context.Context) error {
	c, err := t.Catalog(ctx)
	if err != nil {
		return err
	}
	data, err := c.MarshalIndent()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "failed to encode catalog")
	}
	if _, err := t.raw.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write catalog")
	}
	return nil
}

// WriteSchemas selects every stream and writes its SCHEMA messages.
func (t *Tap) WriteSchemas(ctx context.Context) error {
	for _, node := range t.nodes {
		node.SetSelected(true)
		if err := t.register(ctx, node); err != nil {
			return err
		}
		if err := t.writeSchema(node); err != nil {
			return err
		}
	}
	return t.out.Flush()
}

// Sync runs a full extraction.
func (t *Tap) Sync(ctx context.Context) error {
	return t.run(ctx, false)
}

// DryRun selects every stream and syncs with at most limit records per
// leaf stream. Reaching the limit ends that stream without failing the run.
func (t *Tap) DryRun(ctx context.Context, limit int) error {
	for _, node := range t.nodes {
		if len(node.Children) == 0 {
			node.MaxRecords = limit
		}
		node.SetSelected(true)
	}
	return t.run(ctx, true)
}

// TestConnection is a dry run capped at one record per stream.
func (t *Tap) TestConnection(ctx context.Context) error {
	return t.DryRun(ctx, 1)
}

func (t *Tap) run(ctx context.Context, dryRun bool) (err error) {
	if t.phase != PhaseCatalogReady {
		return errors.Newf(errors.ErrorTypeInternal, "tap cannot sync from phase %s", t.phase)
	}
	defer func() {
		if t.batcher != nil {
			if cerr := t.batcher.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if ferr := t.out.Flush(); ferr != nil && err == nil {
			err = errors.Wrap(ferr, errors.ErrorTypeFile, "failed to flush output")
		}
		t.phase = PhaseTerminated
	}()

	if err := t.prime(ctx); err != nil {
		return t.terminate(ctx, err)
	}

	t.phase = PhaseSyncing
	for _, node := range t.nodes {
		if !node.Selected() && !node.HasSelectedDescendants() {
			t.logger.Info("skipping deselected stream", zap.String("stream", node.Name()))
			continue
		}
		if parent := node.ParentType(); parent != "" {
			t.logger.Debug("child stream is synced by its parent",
				zap.String("stream", node.Name()),
				zap.String("parent_type", parent))
			continue
		}

		if err := t.syncStream(ctx, node, nil); err != nil {
			if dryRun && isLimitSignal(err) {
				t.logger.Info("dry run limit reached", zap.String("stream", node.Name()), zap.Error(err))
				continue
			}
			return t.terminate(ctx, err)
		}
		if !dryRun {
			if err := t.finalizeProgress(node); err != nil {
				return t.terminate(ctx, err)
			}
		}
	}

	t.phase = PhaseFinalized
	t.logSyncCosts()
	return nil
}

// prime resets progress markers, fixes replication compatibility and
// acknowledges the starting state.
func (t *Tap) prime(ctx context.Context) error {
	if err := t.store.ResetProgressMarkers(); err != nil {
		return err
	}
	for _, name := range stream.FixReplicationCompatibility(t.nodes) {
		t.logger.Info("forcing FULL_TABLE replication: a selected child needs every parent record",
			zap.String("stream", name))
	}
	for _, node := range t.nodes {
		if err := t.register(ctx, node); err != nil {
			return err
		}
	}
	if !t.store.Empty() {
		if err := t.states.WriteStore(t.store); err != nil {
			return err
		}
	}
	t.phase = PhasePrimed
	return nil
}

// terminate ends the run. When the context was cancelled, as on SIGTERM,
// the latest state is written first so the next run resumes from it.
func (t *Tap) terminate(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if werr := t.states.WriteStore(t.store); werr != nil {
			t.logger.Error("failed to write final state", zap.Error(werr))
		}
		t.logger.Warn("sync interrupted, final state written", zap.Error(err))
	}
	return t.fail(err)
}

func (t *Tap) fail(err error) error {
	t.phase = PhaseTerminated
	return err
}

// writeState emits the current state unless it is empty or unchanged.
func (t *Tap) writeState() error {
	if t.store.Empty() {
		return nil
	}
	return t.states.WriteStore(t.store)
}

// finalizeProgress promotes progress markers of a stream, its partitions
// and its selected descendants, then emits state.
func (t *Tap) finalizeProgress(node *stream.Node) error {
	for _, child := range node.Children {
		if child.Selected() {
			if err := t.finalizeProgress(child); err != nil {
				return err
			}
		}
	}
	if !node.Selected() {
		return nil
	}
	if err := t.store.FinalizeStream(node.Name()); err != nil {
		return err
	}
	return t.writeState()
}

// isLimitSignal reports whether err only says a dry run hit its cap.
func isLimitSignal(err error) bool {
	return errors.IsType(err, errors.ErrorTypeMaxRecordsLimit) ||
		errors.IsType(err, errors.ErrorTypeAbortedSyncPaused) ||
		errors.IsType(err, errors.ErrorTypeAbortedSyncFailed)
}
