// Package state owns the Singer bookmark tree of a tap run:
//
//	{"bookmarks": {"<stream>": {"<key>": <value>, "partitions": [{"context": {...}, "<key>": <value>}]}}}
//
// Keys are scoped to one stream or one partition of a stream.
package state

import (
	"sync"
	"time"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// Keys of the state tree.
const (
	BookmarksKey                = "bookmarks"
	PartitionsKey               = "partitions"
	ContextKey                  = "context"
	ReplicationKey              = "replication_key"
	ReplicationKeyValue         = "replication_key_value"
	StartingReplicationValueKey = "starting_replication_value"
	SignpostKey                 = "replication_key_signpost"
	ProgressMarkersKey          = "progress_markers"
	ProgressMarkerNoteKey       = "Note"
)

// ProgressMarkerNote is written into every progress_markers object.
const ProgressMarkerNote = "Progress is not resumable if interrupted."

// Store is the in memory state tree. The zero value is uninitialized and
// rejects every write; use New.
type Store struct {
	mu   sync.Mutex
	tree map[string]interface{}
}

// New returns an empty, initialized store.
func New() *Store {
	return &Store{tree: map[string]interface{}{}}
}

func (s *Store) checkInitialized() error {
	if s == nil || s.tree == nil {
		return errors.New(errors.ErrorTypeState, "state store is not initialized")
	}
	return nil
}

// Load merges partial into the store. For every stream present in partial
// each of its keys overwrites the stored value; other keys and streams stay
// untouched.
func (s *Store) Load(partial map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}

	for key, value := range partial {
		if key != BookmarksKey {
			s.tree[key] = jsonpool.CloneValue(value)
			continue
		}
		incoming, ok := value.(map[string]interface{})
		if !ok {
			return errors.New(errors.ErrorTypeState, "state bookmarks must be an object")
		}
		bookmarks := s.bookmarks()
		for stream, streamValue := range incoming {
			streamState, ok := streamValue.(map[string]interface{})
			if !ok {
				return errors.Newf(errors.ErrorTypeState, "bookmarks for stream %q must be an object", stream)
			}
			existing, _ := bookmarks[stream].(map[string]interface{})
			if existing == nil {
				existing = map[string]interface{}{}
				bookmarks[stream] = existing
			}
			for k, v := range streamState {
				existing[k] = jsonpool.CloneValue(v)
			}
		}
	}
	return nil
}

// bookmarks returns the writeable bookmarks object.
func (s *Store) bookmarks() map[string]interface{} {
	b, ok := s.tree[BookmarksKey].(map[string]interface{})
	if !ok {
		b = map[string]interface{}{}
		s.tree[BookmarksKey] = b
	}
	return b
}

// writeable returns the state object of a stream, or of one of its
// partitions when partition is non empty, creating it as needed.
func (s *Store) writeable(stream string, partition map[string]interface{}) map[string]interface{} {
	bookmarks := s.bookmarks()
	streamState, ok := bookmarks[stream].(map[string]interface{})
	if !ok {
		streamState = map[string]interface{}{}
		bookmarks[stream] = streamState
	}
	if len(partition) == 0 {
		return streamState
	}

	partitions, _ := streamState[PartitionsKey].([]interface{})
	for _, p := range partitions {
		pm, ok := p.(map[string]interface{})
		if ok && jsonpool.Equal(pm[ContextKey], partition) {
			return pm
		}
	}
	created := map[string]interface{}{ContextKey: jsonpool.CloneMap(partition)}
	streamState[PartitionsKey] = append(partitions, created)
	return created
}

// readable returns the state object without creating it.
func (s *Store) readable(stream string, partition map[string]interface{}) map[string]interface{} {
	bookmarks, _ := s.tree[BookmarksKey].(map[string]interface{})
	streamState, _ := bookmarks[stream].(map[string]interface{})
	if streamState == nil || len(partition) == 0 {
		return streamState
	}
	partitions, _ := streamState[PartitionsKey].([]interface{})
	for _, p := range partitions {
		if pm, ok := p.(map[string]interface{}); ok && jsonpool.Equal(pm[ContextKey], partition) {
			return pm
		}
	}
	return nil
}

// Get returns a copy of the state of a stream or partition. The result is
// empty, never nil, when nothing is stored.
func (s *Store) Get(stream string, partition map[string]interface{}) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if out := jsonpool.CloneMap(s.readable(stream, partition)); out != nil {
		return out
	}
	return map[string]interface{}{}
}

// Partitions returns the contexts of every stored partition of stream.
func (s *Store) Partitions(stream string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	streamState := s.readable(stream, nil)
	partitions, _ := streamState[PartitionsKey].([]interface{})
	out := make([]map[string]interface{}, 0, len(partitions))
	for _, p := range partitions {
		if pm, ok := p.(map[string]interface{}); ok {
			if ctx, ok := pm[ContextKey].(map[string]interface{}); ok {
				out = append(out, jsonpool.CloneMap(ctx))
			}
		}
	}
	return out
}

// Write sets key on a stream or partition.
func (s *Store) Write(stream string, partition map[string]interface{}, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	s.writeable(stream, partition)[key] = toJSONCompatible(value)
	return nil
}

// Delete removes key from a stream or partition.
func (s *Store) Delete(stream string, partition map[string]interface{}, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	if st := s.readable(stream, partition); st != nil {
		delete(st, key)
	}
	return nil
}

// ResetProgressMarkers clears progress markers from every stream and every
// partition. Durable bookmark values are kept.
func (s *Store) ResetProgressMarkers() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	for stream := range s.bookmarks() {
		s.resetStream(stream)
	}
	return nil
}

// ResetStreamProgressMarkers clears progress markers of one stream and its
// partitions.
func (s *Store) ResetStreamProgressMarkers(stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	s.resetStream(stream)
	return nil
}

func (s *Store) resetStream(stream string) {
	streamState := s.readable(stream, nil)
	if streamState == nil {
		return
	}
	delete(streamState, ProgressMarkersKey)
	partitions, _ := streamState[PartitionsKey].([]interface{})
	for _, p := range partitions {
		if pm, ok := p.(map[string]interface{}); ok {
			delete(pm, ProgressMarkersKey)
		}
	}
}

// WriteStartingReplicationValue records the bookmark a sync starts from.
func (s *Store) WriteStartingReplicationValue(stream string, partition map[string]interface{}, value interface{}) error {
	return s.Write(stream, partition, StartingReplicationValueKey, value)
}

// WriteSignpost records the upper bound beyond which bookmarks may not
// advance during this run.
func (s *Store) WriteSignpost(stream string, partition map[string]interface{}, value interface{}) error {
	return s.Write(stream, partition, SignpostKey, value)
}

// Increment advances the bookmark of a stream or partition from a record.
// Unsorted streams keep their progress under progress_markers until
// finalized. A sorted stream with checkSorted fails on a value lower than
// the current bookmark.
func (s *Store) Increment(stream string, partition map[string]interface{}, record map[string]interface{}, replicationKey string, isSorted, checkSorted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	if replicationKey == "" {
		return errors.Newf(errors.ErrorTypeState, "could not detect replication key for stream %q", stream)
	}

	progress := s.writeable(stream, partition)
	if !isSorted {
		markers, ok := progress[ProgressMarkersKey].(map[string]interface{})
		if !ok {
			markers = map[string]interface{}{ProgressMarkerNoteKey: ProgressMarkerNote}
			progress[ProgressMarkersKey] = markers
		}
		progress = markers
	}

	oldValue := progress[ReplicationKeyValue]
	newValue := toJSONCompatible(record[replicationKey])

	if oldValue == nil || !checkSorted || Compare(newValue, oldValue) >= 0 {
		progress[ReplicationKey] = replicationKey
		progress[ReplicationKeyValue] = newValue
		return nil
	}
	if isSorted {
		return errors.Newf(errors.ErrorTypeInvalidStreamSort,
			"unsorted data detected in stream %q: latest value %v is smaller than previous max %v", stream, newValue, oldValue).
			WithDetail("stream", stream)
	}
	return nil
}

// Finalize promotes progress markers of a stream or partition into the
// durable bookmark. The promoted value never exceeds the signpost.
func (s *Store) Finalize(stream string, partition map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	if st := s.readable(stream, partition); st != nil {
		finalize(st)
	}
	return nil
}

// FinalizeStream finalizes a stream and every one of its partitions.
func (s *Store) FinalizeStream(stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	streamState := s.readable(stream, nil)
	if streamState == nil {
		return nil
	}
	finalize(streamState)
	partitions, _ := streamState[PartitionsKey].([]interface{})
	for _, p := range partitions {
		if pm, ok := p.(map[string]interface{}); ok {
			finalize(pm)
		}
	}
	return nil
}

func finalize(st map[string]interface{}) {
	signpost, hasSignpost := st[SignpostKey]
	delete(st, SignpostKey)
	delete(st, StartingReplicationValueKey)

	if markers, ok := st[ProgressMarkersKey].(map[string]interface{}); ok {
		if key, ok := markers[ReplicationKey]; ok {
			value := markers[ReplicationKeyValue]
			if hasSignpost && signpost != nil && Compare(signpost, value) < 0 {
				value = signpost
			}
			st[ReplicationKey] = key
			st[ReplicationKeyValue] = value
		}
	}
	delete(st, ProgressMarkersKey)
}

// IsResumable reports whether a stream or partition can resume from its
// bookmark, that is whether it carries no progress markers.
func (s *Store) IsResumable(stream string, partition map[string]interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.readable(stream, partition)
	_, hasMarkers := st[ProgressMarkersKey]
	return !hasMarkers
}

// Empty reports whether nothing is stored.
func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		return true
	}
	if len(s.tree) == 0 {
		return true
	}
	if len(s.tree) == 1 {
		b, ok := s.tree[BookmarksKey].(map[string]interface{})
		return ok && len(b) == 0
	}
	return false
}

// Snapshot returns a deep copy of the whole tree.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		return map[string]interface{}{}
	}
	return jsonpool.CloneMap(s.tree)
}

func toJSONCompatible(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}
