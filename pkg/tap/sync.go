package tap

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/batch"
	"github.com/ajitpratap0/nebula-singer/pkg/catalog"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/metrics"
	"github.com/ajitpratap0/nebula-singer/pkg/observability"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
	"github.com/ajitpratap0/nebula-singer/pkg/state"
	"github.com/ajitpratap0/nebula-singer/pkg/stream"
)

// emitter receives the selected records of one stream sync.
type emitter interface {
	emit(ctx context.Context, node *stream.Node, record stream.Record) error
	// done is called once after the last record
	done(ctx context.Context) error
	// periodicState reports whether STATE is written every
	// StateMessageFrequency records
	periodicState() bool
}

// register builds the stream maps of a node from its selected schema.
func (t *Tap) register(ctx context.Context, node *stream.Node) error {
	doc, err := node.Schema(ctx)
	if err != nil {
		return err
	}
	_, _, err = t.mapper.Register(node.Name(), catalog.FilterSchema(doc, node.Mask()), node.Def.PrimaryKeys)
	return err
}

// writeSchema writes a SCHEMA message for every output stream of a node.
func (t *Tap) writeSchema(node *stream.Node) error {
	var bookmarks []string
	if node.Def.ReplicationKey != "" {
		bookmarks = []string{node.Def.ReplicationKey}
	}
	for _, sm := range t.mapper.StreamMaps(node.Name()) {
		if sm.Removed() {
			continue
		}
		msg := &singer.SchemaMessage{
			Stream:             sm.Alias,
			Schema:             sm.Schema,
			KeyProperties:      sm.KeyProperties,
			BookmarkProperties: bookmarks,
		}
		if err := t.out.Write(msg); err != nil {
			return err
		}
	}
	t.announced[node.Name()] = true
	return nil
}

// syncStream syncs one stream, or one partition of it when partition is
// set by a parent.
func (t *Tap) syncStream(ctx context.Context, node *stream.Node, partition stream.Context) (err error) {
	name := node.Name()
	method := node.Def.EffectiveReplicationMethod()
	fields := []zap.Field{zap.String("stream", name), zap.String("replication_method", string(method))}
	if partition != nil {
		fields = append(fields, zap.Any("context", partition))
	}
	t.logger.Info("beginning sync", fields...)

	ctx, span := observability.StreamSpan(ctx, "tap.sync", name)
	span.SetAttribute("singer.replication_method", string(method))
	defer func() { span.End(err) }()

	if signpost := t.signpost(ctx, node, partition); signpost != nil {
		if err := t.store.WriteSignpost(name, statePartition(node, partition), signpost); err != nil {
			return err
		}
	}

	if node.Selected() {
		if !t.announced[name] {
			if err := t.writeSchema(node); err != nil {
				return err
			}
		}
		if method == stream.FullTable && node.Def.ActivateVersion {
			if err := t.activateVersion(node); err != nil {
				return err
			}
		}
	}

	if t.config.BatchConfig != nil && node.Selected() {
		if t.batcher == nil {
			t.batcher, err = batch.NewBatcher(ctx, t.config.BatchConfig, t.storageOpts, t.logger.With(zap.String("component", "batcher")))
			if err != nil {
				return err
			}
		}
		em := &batchEmitter{tap: t, streams: make(map[string]*batch.StreamBatcher), counter: t.metrics.BatchCounter(name, partition)}
		return t.syncRecords(ctx, node, partition, em)
	}
	return t.syncRecords(ctx, node, partition, &recordEmitter{tap: t})
}

// activateVersion writes ACTIVATE_VERSION once per stream and run.
func (t *Tap) activateVersion(node *stream.Node) error {
	name := node.Name()
	if _, ok := t.versions[name]; ok {
		return nil
	}
	version := t.startedAt.UnixMilli()
	t.versions[name] = version
	for _, sm := range t.mapper.StreamMaps(name) {
		if sm.Removed() {
			continue
		}
		if err := t.out.Write(&singer.ActivateVersionMessage{Stream: sm.Alias, Version: version}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tap) syncRecords(ctx context.Context, node *stream.Node, partition stream.Context, em emitter) (err error) {
	name := node.Name()
	counter := t.metrics.RecordCounter(name, partition)
	timer := t.metrics.SyncTimer(name, partition)
	defer func() {
		counter.Close()
		t.addCost(name, counter.Value(), timer.Stop(metrics.Status(err)))
	}()

	contexts := []stream.Context{partition}
	if partition == nil {
		if contexts, err = t.partitions(ctx, node); err != nil {
			return err
		}
	}

	selected := node.Selected()
	recordIndex := 0
	for _, current := range contexts {
		statePart := statePartition(node, current)
		rctx, err := t.startSync(ctx, node, statePart)
		if err != nil {
			return err
		}

		partitionIndex := 0
		for record, err := range node.Stream.Records(rctx, current) {
			if err != nil {
				return errors.Wrapf(err, errors.GetType(err), "stream %s failed", name)
			}
			if node.MaxRecords > 0 && recordIndex >= node.MaxRecords {
				return t.abortSync(node, statePart, errors.Newf(errors.ErrorTypeMaxRecordsLimit,
					"stream %s aborted: dry run record limit (%d) reached", name, node.MaxRecords))
			}

			if pp, ok := node.Stream.(stream.PostProcessor); ok {
				var keep bool
				if record, keep = pp.PostProcess(record, current); !keep || record == nil {
					continue
				}
			}
			if err := t.processRecord(ctx, node, record, current, statePart); err != nil {
				return err
			}

			if selected {
				if err := em.emit(ctx, node, record); err != nil {
					return err
				}
				if err := t.increment(node, statePart, record); err != nil {
					if errors.IsType(err, errors.ErrorTypeInvalidStreamSort) {
						t.logger.Error("sorting error detected",
							zap.String("stream", name),
							zap.Int("record_count", recordIndex+1),
							zap.Int("partition_record_count", partitionIndex+1),
							zap.Any("context", current),
							zap.Any("state_partition_context", statePart))
					}
					return err
				}
				if (recordIndex+1)%StateMessageFrequency == 0 && em.periodicState() {
					if err := t.writeState(); err != nil {
						return err
					}
				}
				counter.Increment(1)
			}
			recordIndex++
			partitionIndex++
		}

		if sameContext(current, statePart) {
			if err := t.store.Finalize(name, statePart); err != nil {
				return err
			}
		}
	}

	if partition == nil {
		if err := t.store.Finalize(name, nil); err != nil {
			return err
		}
	}
	if err := em.done(ctx); err != nil {
		return err
	}
	if em.periodicState() {
		return t.writeState()
	}
	return nil
}

// processRecord fills in state partition keys and syncs the children of
// the record.
func (t *Tap) processRecord(ctx context.Context, node *stream.Node, record stream.Record, current, statePart stream.Context) error {
	for k, v := range statePart {
		if _, ok := record[k]; !ok {
			record[k] = v
		}
	}
	if len(node.Children) == 0 {
		return nil
	}
	if maps := t.mapper.StreamMaps(node.Name()); len(maps) > 0 && maps[0].Removed() {
		return nil
	}

	childCtx, err := childContext(node, record, current)
	if err != nil {
		return err
	}
	if childCtx == nil {
		t.logger.Warn("child context is null, skipping child streams", zap.String("stream", node.Name()))
		return nil
	}
	for _, child := range node.Children {
		if child.Selected() || child.HasSelectedDescendants() {
			if err := t.syncStream(ctx, child, jsonpool.CloneMap(childCtx)); err != nil {
				return err
			}
		}
	}
	return nil
}

func childContext(node *stream.Node, record stream.Record, current stream.Context) (stream.Context, error) {
	if cc, ok := node.Stream.(stream.ChildContexter); ok {
		childCtx, ok := cc.ChildContext(record, current)
		if !ok {
			return nil, nil
		}
		return childCtx, nil
	}
	if current != nil {
		return current, nil
	}
	for _, child := range node.Children {
		if child.Def.StatePartitioningKeys == nil {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"no child context behavior was defined between parent stream %q and child stream %q: "+
					"the parent must implement ChildContext or the child must set state partitioning keys",
				node.Name(), child.Name())
		}
	}
	return record, nil
}

// partitions lists the contexts of an unparented sync: the stream's own
// partitions, else those already in state, else a single nil context.
func (t *Tap) partitions(ctx context.Context, node *stream.Node) ([]stream.Context, error) {
	if p, ok := node.Stream.(stream.Partitioned); ok {
		list, err := p.Partitions(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, errors.GetType(err), "failed to list partitions of stream %s", node.Name())
		}
		if len(list) > 0 {
			return list, nil
		}
	}
	if stored := t.store.Partitions(node.Name()); len(stored) > 0 {
		return stored, nil
	}
	return []stream.Context{nil}, nil
}

// startSync records the starting replication value of a partition and
// returns a context carrying it for incremental streams.
func (t *Tap) startSync(ctx context.Context, node *stream.Node, statePart stream.Context) (context.Context, error) {
	name := node.Name()
	var value interface{}
	if key := node.Def.ReplicationKey; key != "" {
		st := t.store.Get(name, statePart)
		if v := st[state.ReplicationKeyValue]; !isBlank(v) && st[state.ReplicationKey] == key {
			value = v
		}
		if start := t.config.StartDate; start != "" {
			if value == nil {
				value = start
			} else if t.isTimestampKey(ctx, node) && state.Compare(start, value) > 0 {
				value = start
			}
		}
		t.logger.Info("starting incremental sync", zap.String("stream", name), zap.Any("bookmark", value))
	}
	if err := t.store.WriteStartingReplicationValue(name, statePart, value); err != nil {
		return nil, err
	}
	if node.Def.EffectiveReplicationMethod() == stream.FullTable {
		return ctx, nil
	}
	return stream.WithStartingValue(ctx, value), nil
}

// signpost caps bookmark progress for this run: the stream's own signpost,
// else the run start time for timestamp replication keys.
func (t *Tap) signpost(ctx context.Context, node *stream.Node, partition stream.Context) interface{} {
	if inc, ok := node.Stream.(stream.Signposter); ok {
		return inc.ReplicationSignpost(partition)
	}
	if t.isTimestampKey(ctx, node) {
		return t.startedAt.UTC()
	}
	return nil
}

func (t *Tap) isTimestampKey(ctx context.Context, node *stream.Node) bool {
	key := node.Def.ReplicationKey
	if key == "" {
		return false
	}
	doc, err := node.Schema(ctx)
	if err != nil {
		return false
	}
	switch schema.DatelikeFormat(schema.PropertySchema(doc, key)) {
	case "date-time", "date":
		return true
	}
	return false
}

// increment advances the bookmark of an incremental stream.
func (t *Tap) increment(node *stream.Node, statePart stream.Context, record stream.Record) error {
	if node.Def.EffectiveReplicationMethod() != stream.Incremental {
		return nil
	}
	if node.Def.ReplicationKey == "" {
		return errors.Newf(errors.ErrorTypeState, "could not detect replication key for stream %q", node.Name())
	}
	return t.store.Increment(node.Name(), statePart, record, node.Def.ReplicationKey, node.Def.IsSorted, !node.Def.SkipSortCheck)
}

// abortSync writes pending state and classifies an aborted sync: paused
// when the bookmark is resumable, failed otherwise.
func (t *Tap) abortSync(node *stream.Node, statePart stream.Context, reason error) error {
	if err := t.writeState(); err != nil {
		return err
	}
	if node.Def.EffectiveReplicationMethod() == stream.FullTable {
		return errors.Wrap(reason, errors.ErrorTypeAbortedSyncFailed, "sync aborted for stream in FULL_TABLE replication mode")
	}
	if !t.store.IsResumable(node.Name(), statePart) {
		return errors.Wrap(reason, errors.ErrorTypeAbortedSyncFailed, "sync aborted and state is not resumable")
	}
	return errors.Wrap(reason, errors.ErrorTypeAbortedSyncPaused, "sync paused in a resumable state")
}

// statePartition narrows a context to the stream's state partitioning keys.
func statePartition(node *stream.Node, ctx stream.Context) stream.Context {
	if ctx == nil {
		return nil
	}
	keys := node.Def.StatePartitioningKeys
	if keys == nil {
		return ctx
	}
	out := stream.Context{}
	for _, k := range keys {
		if v, ok := ctx[k]; ok {
			out[k] = v
		}
	}
	return out
}

func sameContext(a, b stream.Context) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return jsonpool.Equal(a, b)
}

func isBlank(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// recordEmitter writes RECORD messages through the stream maps.
type recordEmitter struct {
	tap *Tap
}

func (e *recordEmitter) emit(_ context.Context, node *stream.Node, record stream.Record) error {
	t := e.tap
	doc, _ := node.Schema(context.Background())
	catalog.PopDeselected(record, doc, node.Mask())

	mapped, err := t.mapper.Transform(node.Name(), record)
	if err != nil {
		return err
	}
	extracted := t.now().UTC()
	var version *int64
	if v, ok := t.versions[node.Name()]; ok {
		version = &v
	}
	for _, m := range mapped {
		msg := &singer.RecordMessage{Stream: m.Map.Alias, Record: m.Record, Version: version, TimeExtracted: &extracted}
		if err := t.out.Write(msg); err != nil {
			return err
		}
	}
	return nil
}

func (e *recordEmitter) done(context.Context) error { return nil }

func (e *recordEmitter) periodicState() bool { return true }

// batchEmitter writes mapped records to batch files, one writer per output
// stream, and announces each committed file with BATCH and STATE.
type batchEmitter struct {
	tap     *Tap
	streams map[string]*batch.StreamBatcher
	counter *metrics.Counter
}

func (e *batchEmitter) emit(ctx context.Context, node *stream.Node, record stream.Record) error {
	t := e.tap
	doc, _ := node.Schema(ctx)
	catalog.PopDeselected(record, doc, node.Mask())

	mapped, err := t.mapper.Transform(node.Name(), record)
	if err != nil {
		return err
	}
	for _, m := range mapped {
		sb, ok := e.streams[m.Map.Alias]
		if !ok {
			sb = t.batcher.Stream(m.Map.Alias, m.Map.Schema)
			e.streams[m.Map.Alias] = sb
		}
		msg, err := sb.Add(ctx, m.Record)
		if err != nil {
			return err
		}
		if err := e.announce(msg); err != nil {
			return err
		}
	}
	return nil
}

func (e *batchEmitter) done(ctx context.Context) error {
	defer e.counter.Close()
	aliases := make([]string, 0, len(e.streams))
	for alias := range e.streams {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		msg, err := e.streams[alias].Flush(ctx)
		if err != nil {
			return err
		}
		if err := e.announce(msg); err != nil {
			return err
		}
	}
	return nil
}

func (e *batchEmitter) announce(msg *singer.BatchMessage) error {
	if msg == nil {
		return nil
	}
	if err := e.tap.out.Write(msg); err != nil {
		return err
	}
	e.counter.Increment(1)
	return e.tap.writeState()
}

func (e *batchEmitter) periodicState() bool { return false }

// syncCost accumulates what a stream's syncs cost over the run.
type syncCost struct {
	syncs    int
	records  int64
	duration time.Duration
}

func (t *Tap) addCost(stream string, records int64, elapsed time.Duration) {
	c, ok := t.costs[stream]
	if !ok {
		c = &syncCost{}
		t.costs[stream] = c
	}
	c.syncs++
	c.records += records
	c.duration += elapsed
}
