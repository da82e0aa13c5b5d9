package target

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/metrics"
	"github.com/ajitpratap0/nebula-singer/pkg/observability"
	"github.com/ajitpratap0/nebula-singer/pkg/state"
)

// Flush persists the buffered records of the streams in filter, or of
// every stream when filter is nil, then emits the acknowledged state.
//
// Streams flush concurrently, bounded by the configured parallelism. A
// stream whose load fails keeps its rows and its last acknowledged
// bookmark; the other streams are still flushed and acknowledged. The
// failures are returned together.
func (t *Target) Flush(ctx context.Context, filter []string) error {
	names := t.flushable(filter)

	var errs error
	if len(names) > 0 {
		results := t.flushStreams(ctx, names)
		flushed := make([]string, 0, len(names))
		for i, name := range names {
			if results[i] != nil {
				t.logger.Error("stream flush failed", zap.String("stream", name), zap.Error(results[i]))
				errs = multierr.Append(errs, results[i])
				continue
			}
			t.sinks[name].reset()
			t.loaded[name] = true
			flushed = append(flushed, name)
		}
		t.acknowledge(flushed)
	} else if filter == nil {
		t.acknowledge(nil)
	}

	if t.flushedState != nil {
		if err := t.states.Write(t.flushedState); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// flushable lists the streams in filter that hold rows, sorted.
func (t *Target) flushable(filter []string) []string {
	var names []string
	if filter == nil {
		for name, sink := range t.sinks {
			if sink.Len() > 0 {
				names = append(names, name)
			}
		}
	} else {
		seen := make(map[string]bool, len(filter))
		for _, name := range filter {
			if sink := t.sinks[name]; sink != nil && sink.Len() > 0 && !seen[name] {
				names = append(names, name)
				seen[name] = true
			}
		}
	}
	sort.Strings(names)
	return names
}

// flushStreams loads one batch per stream on a bounded pool and waits for
// all of them. The i-th result belongs to names[i].
func (t *Target) flushStreams(ctx context.Context, names []string) []error {
	results := make([]error, len(names))
	workers := t.config.FlushParallelism(len(names))
	semaphore := make(chan struct{}, workers)
	var wg sync.WaitGroup

	t.logger.Debug("flushing streams", zap.Strings("streams", names), zap.Int("workers", workers))
	for i, name := range names {
		sink := t.sinks[name]
		b := &Batch{
			Stream:        name,
			Schema:        sink.Schema(),
			KeyProperties: sink.KeyProperties,
			Records:       sink.Buffered(),
			LoadMethod:    t.config.LoadMethod,
			First:         !t.loaded[name],
			SyncStartedAt: t.startedAt,
		}
		wg.Add(1)
		go func(i int, b *Batch) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			results[i] = t.load(ctx, b)
		}(i, b)
	}
	wg.Wait()
	return results
}

func (t *Target) load(ctx context.Context, b *Batch) (err error) {
	ctx, span := observability.StreamSpan(ctx, "target.flush", b.Stream)
	span.SetAttribute("singer.rows", len(b.Records))
	timer := t.metrics.BatchTimer(b.Stream)
	defer func() {
		elapsed := timer.Stop(metrics.Status(err))
		span.End(err)
		if err == nil {
			t.logger.Info("stream flushed",
				zap.String("stream", b.Stream),
				zap.Int("rows", len(b.Records)),
				zap.Duration("duration", elapsed))
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeInternal, "loader panicked flushing stream %s: %v", b.Stream, r)
		}
	}()
	if err := t.loader.Load(ctx, b); err != nil {
		return errors.Wrapf(err, errors.GetType(err), "failed to load %d rows into stream %s", len(b.Records), b.Stream)
	}
	counter := t.metrics.BatchCounter(b.Stream, nil)
	counter.Increment(1)
	counter.Close()
	return nil
}

// acknowledge advances the flushed state. With no rows left anywhere the
// whole latest state is acknowledged; otherwise only the bookmarks of the
// input streams whose sinks are all empty advance. Bookmarks are keyed by
// input stream, so aliased sinks are mapped back to their source.
func (t *Target) acknowledge(flushed []string) {
	if t.latestState == nil {
		return
	}
	pending := false
	for _, sink := range t.sinks {
		if sink.Len() > 0 {
			pending = true
			break
		}
	}
	if !pending {
		t.flushedState = jsonpool.CloneMap(t.latestState)
		return
	}
	if len(flushed) == 0 {
		return
	}

	if t.flushedState == nil {
		t.flushedState = map[string]interface{}{}
	}
	latest, _ := t.latestState[state.BookmarksKey].(map[string]interface{})
	acked, _ := t.flushedState[state.BookmarksKey].(map[string]interface{})
	if acked == nil {
		acked = map[string]interface{}{}
		t.flushedState[state.BookmarksKey] = acked
	}
	for _, source := range t.drainedSources(flushed) {
		if v, ok := latest[source]; ok {
			acked[source] = jsonpool.CloneValue(v)
		}
	}
}

// drainedSources returns the input streams of the flushed sinks that have
// no rows buffered in any of their sinks.
func (t *Target) drainedSources(flushed []string) []string {
	var out []string
	seen := make(map[string]bool, len(flushed))
	for _, name := range flushed {
		source := name
		if sink := t.sinks[name]; sink != nil && sink.Source != "" {
			source = sink.Source
		}
		if seen[source] {
			continue
		}
		seen[source] = true
		drained := true
		for _, sink := range t.sinks {
			if sink.Source == source && sink.Len() > 0 {
				drained = false
				break
			}
		}
		if drained {
			out = append(out, source)
		}
	}
	return out
}
