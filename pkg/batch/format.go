// Package batch encodes records into BATCH files and decodes them back.
//
// Taps with a batch_config write selected streams to files under a storage
// root and emit BATCH messages listing them; targets read the manifest files
// and feed the records through the same path as RECORD messages.
package batch

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/ajitpratap0/nebula-singer/pkg/compression"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
)

// Format is a batch file format.
type Format string

const (
	// JSONL is newline delimited JSON, optionally compressed as a whole
	JSONL Format = "jsonl"
	// Parquet is Apache Parquet with column chunk compression
	Parquet Format = "parquet"
	// Avro is an Avro object container file with block compression
	Avro Format = "avro"
)

// Writer encodes records into one batch file.
type Writer interface {
	// Write appends a record.
	Write(record map[string]interface{}) error
	// Close finishes the file. The underlying io.Writer is not closed.
	Close() error
}

// Reader decodes the records of one batch file.
type Reader interface {
	// Next returns the next record or io.EOF.
	Next() (map[string]interface{}, error)
	Close() error
}

// Extension returns the file suffix for an encoding, including the dot.
func Extension(enc singer.BatchEncoding) string {
	switch Format(enc.Format) {
	case Parquet:
		return ".parquet"
	case Avro:
		return ".avro"
	}
	alg, err := compression.Parse(enc.Compression)
	if err != nil {
		return ".jsonl"
	}
	return ".jsonl" + alg.Extension()
}

// NewWriter returns a Writer for enc. doc is the stream schema; columnar
// formats derive their columns from it.
func NewWriter(enc singer.BatchEncoding, doc schema.Document, w io.Writer) (Writer, error) {
	alg, err := compression.Parse(enc.Compression)
	if err != nil {
		return nil, err
	}
	switch Format(enc.Format) {
	case JSONL, "":
		return newJSONLWriter(alg, w)
	case Parquet:
		return newParquetWriter(alg, doc, w)
	case Avro:
		return newAvroWriter(alg, doc, w)
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported batch format %q", enc.Format)
}

// NewReader returns a Reader for enc. doc is used to restore nested values
// that columnar formats store as JSON text.
func NewReader(enc singer.BatchEncoding, doc schema.Document, r io.Reader) (Reader, error) {
	alg, err := compression.Parse(enc.Compression)
	if err != nil {
		return nil, err
	}
	switch Format(enc.Format) {
	case JSONL, "":
		return newJSONLReader(alg, r)
	case Parquet:
		return newParquetReader(doc, r)
	case Avro:
		return newAvroReader(doc, r)
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported batch format %q", enc.Format)
}

type columnKind int

const (
	kindString columnKind = iota
	kindInteger
	kindNumber
	kindBoolean
	// kindJSON holds objects, arrays and mixed types as JSON text
	kindJSON
)

type column struct {
	name string
	kind columnKind
}

// columnsFor maps the properties of an object schema to typed columns in
// name order.
func columnsFor(doc schema.Document) []column {
	props := schema.Properties(doc)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]column, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]interface{})
		cols = append(cols, column{name: name, kind: kindOf(prop)})
	}
	return cols
}

func kindOf(prop schema.Document) columnKind {
	var concrete []string
	for _, t := range schema.Types(prop) {
		if t != "null" {
			concrete = append(concrete, t)
		}
	}
	if len(concrete) != 1 {
		if len(concrete) == 2 && contains(concrete, "integer") && contains(concrete, "number") {
			return kindNumber
		}
		return kindJSON
	}
	switch concrete[0] {
	case "string":
		return kindString
	case "integer":
		return kindInteger
	case "number":
		return kindNumber
	case "boolean":
		return kindBoolean
	}
	return kindJSON
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case jsonpool.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err == nil && f == math.Trunc(f) {
			return int64(f), nil
		}
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		if t == math.Trunc(t) {
			return int64(t), nil
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, errors.Newf(errors.ErrorTypeData, "cannot store %v (%T) as an integer", v, v)
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case jsonpool.Number:
		if f, err := t.Float64(); err == nil {
			return f, nil
		}
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f, nil
		}
	}
	return 0, errors.Newf(errors.ErrorTypeData, "cannot store %v (%T) as a number", v, v)
}

func toBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b, nil
		}
	}
	return false, errors.Newf(errors.ErrorTypeData, "cannot store %v (%T) as a boolean", v, v)
}

func toText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case jsonpool.Number:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// toJSONText encodes any value, strings included, so fromJSONText restores
// the original type.
func toJSONText(v interface{}) (string, error) {
	data, err := jsonpool.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "cannot encode value as JSON")
	}
	return string(data), nil
}

func fromJSONText(s string) (interface{}, error) {
	var out interface{}
	if err := jsonpool.UnmarshalUseNumber([]byte(s), &out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid JSON column value")
	}
	return out, nil
}

func columnError(err error, name string) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.WithDetail("column", name)
	}
	return err
}
