package batch

import (
	"io"
	"strconv"
	"strings"

	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/nebula-singer/pkg/compression"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

// avroColumnsKey is the OCF metadata entry that maps avro field names back
// to the original property names.
const avroColumnsKey = "singer.columns"

type avroField struct {
	column
	avroName string
	avroType string
}

type avroWriter struct {
	fields []avroField
	ocf    *goavro.OCFWriter
	block  []interface{}
}

const avroBlockSize = 1000

func newAvroWriter(alg compression.Algorithm, doc schema.Document, w io.Writer) (*avroWriter, error) {
	codecName, err := avroCompression(alg)
	if err != nil {
		return nil, err
	}
	cols := columnsFor(doc)
	if len(cols) == 0 {
		return nil, errors.New(errors.ErrorTypeSchemaNotValid, "avro batches require a schema with properties")
	}

	fields := avroFields(cols)
	names := make(map[string]string, len(fields))
	defs := make([]interface{}, len(fields))
	for i, f := range fields {
		names[f.avroName] = f.name
		defs[i] = map[string]interface{}{
			"name":    f.avroName,
			"type":    []interface{}{"null", f.avroType},
			"default": nil,
		}
	}
	schemaJSON, err := jsonpool.Marshal(map[string]interface{}{
		"type":   "record",
		"name":   "record",
		"fields": defs,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode avro schema")
	}
	codec, err := goavro.NewCodec(string(schemaJSON))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaNotValid, "failed to build avro schema")
	}
	meta, err := jsonpool.Marshal(names)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode avro metadata")
	}

	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           codec,
		CompressionName: codecName,
		MetaData:        map[string][]byte{avroColumnsKey: meta},
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create avro writer")
	}
	return &avroWriter{fields: fields, ocf: ocf}, nil
}

func avroCompression(alg compression.Algorithm) (string, error) {
	switch alg {
	case compression.None:
		return goavro.CompressionNullLabel, nil
	case compression.Gzip:
		return goavro.CompressionDeflateLabel, nil
	case compression.Snappy:
		return goavro.CompressionSnappyLabel, nil
	}
	return "", errors.Newf(errors.ErrorTypeConfig, "compression %q is not supported for avro batches", alg)
}

// avroFields derives valid and unique avro names for each column.
func avroFields(cols []column) []avroField {
	seen := make(map[string]int, len(cols))
	fields := make([]avroField, len(cols))
	for i, col := range cols {
		name := sanitizeAvroName(col.name)
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = name + "_" + strconv.Itoa(n)
		} else {
			seen[name] = 1
		}

		typ := "string"
		switch col.kind {
		case kindInteger:
			typ = "long"
		case kindNumber:
			typ = "double"
		case kindBoolean:
			typ = "boolean"
		}
		fields[i] = avroField{column: col, avroName: name, avroType: typ}
	}
	return fields
}

func sanitizeAvroName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func (a *avroWriter) Write(record map[string]interface{}) error {
	datum := make(map[string]interface{}, len(a.fields))
	for _, f := range a.fields {
		value, err := a.encode(f, record[f.name])
		if err != nil {
			return columnError(err, f.name)
		}
		datum[f.avroName] = value
	}
	a.block = append(a.block, datum)
	if len(a.block) >= avroBlockSize {
		return a.flush()
	}
	return nil
}

func (a *avroWriter) encode(f avroField, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch f.kind {
	case kindInteger:
		n, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		return goavro.Union("long", n), nil
	case kindNumber:
		v, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		return goavro.Union("double", v), nil
	case kindBoolean:
		v, err := toBool(value)
		if err != nil {
			return nil, err
		}
		return goavro.Union("boolean", v), nil
	case kindJSON:
		text, err := toJSONText(value)
		if err != nil {
			return nil, err
		}
		return goavro.Union("string", text), nil
	}
	return goavro.Union("string", toText(value)), nil
}

func (a *avroWriter) flush() error {
	if len(a.block) == 0 {
		return nil
	}
	err := a.ocf.Append(a.block)
	a.block = a.block[:0]
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to write avro block")
	}
	return nil
}

func (a *avroWriter) Close() error {
	return a.flush()
}

type avroReader struct {
	ocf   *goavro.OCFReader
	names map[string]string
	kinds map[string]columnKind
}

func newAvroReader(doc schema.Document, r io.Reader) (*avroReader, error) {
	ocf, err := goavro.NewOCFReader(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid avro batch")
	}
	names := map[string]string{}
	if meta, ok := ocf.MetaData()[avroColumnsKey]; ok {
		if err := jsonpool.Unmarshal(meta, &names); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid avro column metadata")
		}
	}
	kinds := make(map[string]columnKind)
	for _, col := range columnsFor(doc) {
		kinds[col.name] = col.kind
	}
	return &avroReader{ocf: ocf, names: names, kinds: kinds}, nil
}

func (a *avroReader) Next() (map[string]interface{}, error) {
	if !a.ocf.Scan() {
		if err := a.ocf.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read avro batch")
		}
		return nil, io.EOF
	}
	datum, err := a.ocf.Read()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode avro record")
	}
	fields, ok := datum.(map[string]interface{})
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeData, "unexpected avro datum %T", datum)
	}

	record := make(map[string]interface{}, len(fields))
	for avroName, value := range fields {
		name := avroName
		if original, ok := a.names[avroName]; ok {
			name = original
		}
		value = unwrapUnion(value)
		if text, ok := value.(string); ok && a.kinds[name] == kindJSON {
			decoded, err := fromJSONText(text)
			if err != nil {
				return nil, columnError(err, name)
			}
			value = decoded
		}
		record[name] = value
	}
	return record, nil
}

// unwrapUnion returns the branch value of a decoded avro union.
func unwrapUnion(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok && len(m) == 1 {
		for _, inner := range m {
			return inner
		}
	}
	return v
}

func (a *avroReader) Close() error { return nil }
