package batch

import (
	"bytes"
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/ajitpratap0/nebula-singer/pkg/compression"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

// parquetRowGroupSize is the number of rows buffered before a row group is
// written.
const parquetRowGroupSize = 8192

type parquetWriter struct {
	cols    []column
	schema  *arrow.Schema
	builder *array.RecordBuilder
	fw      *pqarrow.FileWriter
	pending int
}

// nopCloser keeps the parquet writer from closing the destination.
type nopCloser struct{ io.Writer }

func newParquetWriter(alg compression.Algorithm, doc schema.Document, w io.Writer) (*parquetWriter, error) {
	codec, err := parquetCodec(alg)
	if err != nil {
		return nil, err
	}
	cols := columnsFor(doc)
	if len(cols) == 0 {
		return nil, errors.New(errors.ErrorTypeSchemaNotValid, "parquet batches require a schema with properties")
	}

	fields := make([]arrow.Field, len(cols))
	for i, col := range cols {
		fields[i] = arrow.Field{Name: col.name, Type: arrowType(col.kind), Nullable: true}
	}
	arrowSchema := arrow.NewSchema(fields, nil)

	pool := memory.NewGoAllocator()
	props := parquet.NewWriterProperties(
		parquet.WithCompression(codec),
		parquet.WithAllocator(pool),
	)
	fw, err := pqarrow.NewFileWriter(arrowSchema, nopCloser{w}, props,
		pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(pool)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create parquet writer")
	}
	return &parquetWriter{
		cols:    cols,
		schema:  arrowSchema,
		builder: array.NewRecordBuilder(pool, arrowSchema),
		fw:      fw,
	}, nil
}

func parquetCodec(alg compression.Algorithm) (compress.Compression, error) {
	switch alg {
	case compression.None:
		return compress.Codecs.Uncompressed, nil
	case compression.Gzip:
		return compress.Codecs.Gzip, nil
	case compression.Snappy:
		return compress.Codecs.Snappy, nil
	case compression.Zstd:
		return compress.Codecs.Zstd, nil
	case compression.LZ4:
		return compress.Codecs.Lz4Raw, nil
	}
	return compress.Codecs.Uncompressed, errors.Newf(errors.ErrorTypeConfig, "compression %q is not supported for parquet batches", alg)
}

func arrowType(kind columnKind) arrow.DataType {
	switch kind {
	case kindInteger:
		return arrow.PrimitiveTypes.Int64
	case kindNumber:
		return arrow.PrimitiveTypes.Float64
	case kindBoolean:
		return arrow.FixedWidthTypes.Boolean
	}
	return arrow.BinaryTypes.String
}

func (p *parquetWriter) Write(record map[string]interface{}) error {
	for i, col := range p.cols {
		if err := appendValue(p.builder.Field(i), col, record[col.name]); err != nil {
			return columnError(err, col.name)
		}
	}
	p.pending++
	if p.pending >= parquetRowGroupSize {
		return p.flush()
	}
	return nil
}

func appendValue(b array.Builder, col column, value interface{}) error {
	if value == nil {
		b.AppendNull()
		return nil
	}
	switch builder := b.(type) {
	case *array.Int64Builder:
		n, err := toInt64(value)
		if err != nil {
			return err
		}
		builder.Append(n)
	case *array.Float64Builder:
		f, err := toFloat64(value)
		if err != nil {
			return err
		}
		builder.Append(f)
	case *array.BooleanBuilder:
		v, err := toBool(value)
		if err != nil {
			return err
		}
		builder.Append(v)
	case *array.StringBuilder:
		if col.kind == kindJSON {
			text, err := toJSONText(value)
			if err != nil {
				return err
			}
			builder.Append(text)
			return nil
		}
		builder.Append(toText(value))
	default:
		return errors.Newf(errors.ErrorTypeInternal, "unexpected arrow builder %T", b)
	}
	return nil
}

func (p *parquetWriter) flush() error {
	if p.pending == 0 {
		return nil
	}
	rec := p.builder.NewRecord()
	defer rec.Release()
	p.pending = 0
	if err := p.fw.Write(rec); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write parquet row group")
	}
	return nil
}

func (p *parquetWriter) Close() error {
	defer p.builder.Release()
	if err := p.flush(); err != nil {
		p.fw.Close()
		return err
	}
	if err := p.fw.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to finish parquet file")
	}
	return nil
}

type parquetReader struct {
	kinds map[string]columnKind
	fr    *file.Reader
	rr    pqarrow.RecordReader
	rec   arrow.Record
	row   int
}

// newParquetReader buffers the whole file since parquet footers are read
// first.
func newParquetReader(doc schema.Document, r io.Reader) (*parquetReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read parquet batch")
	}
	fr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid parquet batch")
	}
	pool := memory.NewGoAllocator()
	ar, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{BatchSize: 1024}, pool)
	if err != nil {
		fr.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid parquet batch")
	}
	rr, err := ar.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		fr.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read parquet row groups")
	}

	kinds := make(map[string]columnKind)
	for _, col := range columnsFor(doc) {
		kinds[col.name] = col.kind
	}
	return &parquetReader{kinds: kinds, fr: fr, rr: rr}, nil
}

func (p *parquetReader) Next() (map[string]interface{}, error) {
	for p.rec == nil || p.row >= int(p.rec.NumRows()) {
		if !p.rr.Next() {
			if err := p.rr.Err(); err != nil && err != io.EOF {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read parquet batch")
			}
			return nil, io.EOF
		}
		p.rec = p.rr.Record()
		p.row = 0
	}

	record := make(map[string]interface{}, p.rec.NumCols())
	for i := 0; i < int(p.rec.NumCols()); i++ {
		name := p.rec.ColumnName(i)
		value, err := p.value(p.rec.Column(i), p.row, p.kinds[name])
		if err != nil {
			return nil, columnError(err, name)
		}
		record[name] = value
	}
	p.row++
	return record, nil
}

func (p *parquetReader) value(col arrow.Array, row int, kind columnKind) (interface{}, error) {
	if col.IsNull(row) {
		return nil, nil
	}
	switch c := col.(type) {
	case *array.Int64:
		return c.Value(row), nil
	case *array.Float64:
		return c.Value(row), nil
	case *array.Boolean:
		return c.Value(row), nil
	case *array.String:
		if kind == kindJSON {
			return fromJSONText(c.Value(row))
		}
		return c.Value(row), nil
	}
	return col.ValueStr(row), nil
}

func (p *parquetReader) Close() error {
	p.rr.Release()
	return p.fr.Close()
}
