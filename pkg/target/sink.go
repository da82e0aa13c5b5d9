package target

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/metrics"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

// Sink buffers the records of one stream between flushes. Records are
// keyed by their primary key values; a later record with the same key
// replaces the buffered one.
type Sink struct {
	Stream        string
	KeyProperties []string
	// Source is the input stream the sink is fed from, which differs from
	// Stream when a stream map renames it
	Source string

	schema    schema.Document // with metadata columns applied
	rawSchema schema.Document // as registered, for change detection
	validator *schema.Validator
	counter   *metrics.Counter

	records  map[string]map[string]interface{}
	order    []string
	newKeys  int
	total    int64
	openedAt time.Time
}

// NewSink returns an empty sink. validate compiles doc for per-record
// validation.
func NewSink(stream string, doc schema.Document, keys []string, validate bool) (*Sink, error) {
	s := &Sink{
		Stream:        stream,
		Source:        stream,
		KeyProperties: keys,
		schema:        doc,
		rawSchema:     doc,
		records:       make(map[string]map[string]interface{}),
	}
	if validate {
		v, err := schema.NewValidator(doc)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeSchemaNotValid, "invalid schema for stream %s", stream)
		}
		s.validator = v
	}
	return s, nil
}

// Schema returns the schema records are validated and loaded against.
func (s *Sink) Schema() schema.Document { return s.schema }

// Key builds the buffer key of record: the key property values encoded as
// a JSON array, or RID-<n> from the all-time row count when the stream has
// no key properties.
func (s *Sink) Key(record map[string]interface{}) (string, error) {
	if len(s.KeyProperties) == 0 {
		return fmt.Sprintf("RID-%d", s.total), nil
	}
	parts := make([]interface{}, len(s.KeyProperties))
	for i, k := range s.KeyProperties {
		v, ok := record[k]
		if !ok || v == nil {
			return "", errors.Newf(errors.ErrorTypeMissingKeyProperties,
				"record for stream %s is missing key property %q", s.Stream, k).
				WithDetail("record", record)
		}
		parts[i] = v
	}
	key, err := jsonpool.Marshal(parts)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeData, "failed to encode key of stream %s", s.Stream)
	}
	return string(key), nil
}

// Add validates and buffers record. Only the first sighting of a key in the
// open batch counts toward Len.
func (s *Sink) Add(record map[string]interface{}, now time.Time) error {
	if s.validator != nil {
		if err := s.validator.Validate(record); err != nil {
			var e *errors.Error
			if !errors.As(err, &e) {
				e = errors.Wrap(err, errors.ErrorTypeRecordValidation, "record failed validation")
			}
			return e.WithDetail("stream", s.Stream).WithDetail("record", record)
		}
	}
	key, err := s.Key(record)
	if err != nil {
		return err
	}
	if _, seen := s.records[key]; !seen {
		s.order = append(s.order, key)
		s.newKeys++
		if s.openedAt.IsZero() {
			s.openedAt = now
		}
	}
	s.records[key] = record
	s.total++
	if s.counter != nil {
		s.counter.Increment(1)
	}
	return nil
}

// Len returns the number of distinct keys in the open batch.
func (s *Sink) Len() int { return s.newKeys }

// Total returns every record the sink has accepted.
func (s *Sink) Total() int64 { return s.total }

// Age returns how long the open batch has been open, or 0 when empty.
func (s *Sink) Age(now time.Time) time.Duration {
	if s.openedAt.IsZero() {
		return 0
	}
	return now.Sub(s.openedAt)
}

// Buffered returns the latest buffered records in first-seen key order.
func (s *Sink) Buffered() []map[string]interface{} {
	out := make([]map[string]interface{}, len(s.order))
	for i, key := range s.order {
		out[i] = s.records[key]
	}
	return out
}

// reset empties the open batch after a successful flush.
func (s *Sink) reset() {
	s.records = make(map[string]map[string]interface{})
	s.order = nil
	s.newKeys = 0
	s.openedAt = time.Time{}
}

// matches reports whether doc and keys are what the sink was built from.
func (s *Sink) matches(doc schema.Document, keys []string) bool {
	if !jsonpool.Equal(s.rawSchema, doc) || len(keys) != len(s.KeyProperties) {
		return false
	}
	for i := range keys {
		if keys[i] != s.KeyProperties[i] {
			return false
		}
	}
	return true
}
