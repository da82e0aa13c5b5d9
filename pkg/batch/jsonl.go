package batch

import (
	"bufio"
	"io"

	"github.com/ajitpratap0/nebula-singer/pkg/compression"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

type jsonlWriter struct {
	zw  io.WriteCloser
	buf *bufio.Writer
}

func newJSONLWriter(alg compression.Algorithm, w io.Writer) (*jsonlWriter, error) {
	zw, err := compression.NewWriter(alg, w)
	if err != nil {
		return nil, err
	}
	return &jsonlWriter{zw: zw, buf: bufio.NewWriterSize(zw, 64*1024)}, nil
}

func (j *jsonlWriter) Write(record map[string]interface{}) error {
	line, err := jsonpool.MarshalLine(record)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode batch record")
	}
	if _, err := j.buf.Write(line); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write batch record")
	}
	return nil
}

func (j *jsonlWriter) Close() error {
	if err := j.buf.Flush(); err != nil {
		j.zw.Close()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush batch file")
	}
	if err := j.zw.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to finish batch file")
	}
	return nil
}

type jsonlReader struct {
	zr      io.ReadCloser
	scanner *bufio.Scanner
}

func newJSONLReader(alg compression.Algorithm, r io.Reader) (*jsonlReader, error) {
	zr, err := compression.NewReader(alg, r)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	return &jsonlReader{zr: zr, scanner: scanner}, nil
}

func (j *jsonlReader) Next() (map[string]interface{}, error) {
	for j.scanner.Scan() {
		line := j.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record map[string]interface{}
		if err := jsonpool.UnmarshalUseNumber(line, &record); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid record in batch file")
		}
		return record, nil
	}
	if err := j.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read batch file")
	}
	return nil, io.EOF
}

func (j *jsonlReader) Close() error { return j.zr.Close() }
