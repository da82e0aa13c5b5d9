// Package stream defines what a tap stream is: a plain Definition plus the
// capability interfaces a stream implementation opts into, and the graph
// that wires child streams to their parents.
package stream

import (
	"context"
	"iter"

	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

// ReplicationMethod is how a stream is extracted.
type ReplicationMethod string

const (
	// FullTable re-extracts every record on each run
	FullTable ReplicationMethod = "FULL_TABLE"
	// Incremental extracts records past the replication key bookmark
	Incremental ReplicationMethod = "INCREMENTAL"
	// LogBased reads a change log
	LogBased ReplicationMethod = "LOG_BASED"
)

// Record is one extracted row.
type Record = map[string]interface{}

// Context parameterizes a sync, for example with a parent record's id.
type Context = map[string]interface{}

// Definition is the static description of a stream.
type Definition struct {
	// Name is unique within a tap
	Name string
	// Type groups instances for parent wiring; defaults to Name
	Type string
	// PrimaryKeys are the key properties announced in SCHEMA
	PrimaryKeys []string
	// ReplicationKey enables incremental replication
	ReplicationKey string
	// ReplicationMethod forces a method; empty derives it from ReplicationKey
	ReplicationMethod ReplicationMethod
	// Schema supplies the stream's JSON schema
	Schema schema.Provider

	// IgnoreParentReplicationKey marks child streams that need every parent
	// record; selecting one forces the parent to FULL_TABLE
	IgnoreParentReplicationKey bool
	// StatePartitioningKeys restricts which context keys partition state;
	// nil uses the whole context, empty disables partitioning
	StatePartitioningKeys []string
	// IsSorted streams are emitted in replication key order and can resume
	// mid sync
	IsSorted bool
	// SkipSortCheck disables the out of order check on sorted streams
	SkipSortCheck bool
	// DeselectedByDefault leaves the stream out unless a catalog selects it
	DeselectedByDefault bool
	// ActivateVersion emits ACTIVATE_VERSION before FULL_TABLE syncs
	ActivateVersion bool
}

// StreamType returns Type or Name.
func (d *Definition) StreamType() string {
	if d.Type != "" {
		return d.Type
	}
	return d.Name
}

// EffectiveReplicationMethod applies the forced method, then the
// replication key.
func (d *Definition) EffectiveReplicationMethod() ReplicationMethod {
	if d.ReplicationMethod != "" {
		return d.ReplicationMethod
	}
	if d.ReplicationKey != "" {
		return Incremental
	}
	return FullTable
}

// Stream is implemented by every tap stream.
type Stream interface {
	Definition() Definition
	// Records yields the records of one sync. partition is nil for
	// unpartitioned streams. The caller stops early by breaking the loop.
	Records(ctx context.Context, partition Context) iter.Seq2[Record, error]
}

// HasParent streams are synced once per record of their parent type.
type HasParent interface {
	ParentType() string
}

// Partitioned streams are synced once per returned context.
type Partitioned interface {
	Partitions(ctx context.Context) ([]Context, error)
}

// Signposter streams may cap bookmark progress for the current run.
type Signposter interface {
	// ReplicationSignpost returns the highest bookmark this run may record,
	// or nil for no cap
	ReplicationSignpost(partition Context) interface{}
}

// Paginator walks the pages of a paginated source.
type Paginator interface {
	HasMore() bool
	CurrentToken() interface{}
	Count() int
}

// Paginated streams fetch records a page at a time.
type Paginated interface {
	NewPaginator() Paginator
}

// ChildContexter derives the context passed to child streams. Returning
// false skips the children for that record.
type ChildContexter interface {
	ChildContext(record Record, partition Context) (Context, bool)
}

// PostProcessor transforms a record before it is emitted. Returning false
// drops the record.
type PostProcessor interface {
	PostProcess(record Record, partition Context) (Record, bool)
}

type startingValueKey struct{}

// WithStartingValue returns a context carrying the bookmark a sync resumes
// from. The tap sets it before calling Records on incremental streams.
func WithStartingValue(ctx context.Context, value interface{}) context.Context {
	return context.WithValue(ctx, startingValueKey{}, value)
}

// StartingValue returns the bookmark set by WithStartingValue, or nil.
func StartingValue(ctx context.Context) interface{} {
	return ctx.Value(startingValueKey{})
}
