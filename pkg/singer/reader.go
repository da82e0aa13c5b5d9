package singer

import (
	"bufio"
	"bytes"
	"io"
	"time"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// maxLineSize bounds a single protocol line. Wide records with embedded
// documents can be large, so this is far above bufio's default.
const maxLineSize = 128 * 1024 * 1024

// wireMessage is the union of every message shape on the wire.
type wireMessage struct {
	Type               MessageType            `json:"type"`
	Stream             string                 `json:"stream"`
	Schema             map[string]interface{} `json:"schema"`
	KeyProperties      []string               `json:"key_properties"`
	BookmarkProperties []string               `json:"bookmark_properties"`
	Record             map[string]interface{} `json:"record"`
	Version            *jsonpool.Number       `json:"version"`
	TimeExtracted      string                 `json:"time_extracted"`
	Value              map[string]interface{} `json:"value"`
	Encoding           *BatchEncoding         `json:"encoding"`
	Manifest           []string               `json:"manifest"`
}

// Reader parses Singer messages from a line oriented stream.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next message. It returns io.EOF once the input is exhausted.
// Blank lines are skipped.
func (r *Reader) Next() (Message, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := Parse(line)
		if err != nil {
			if e, ok := err.(*errors.Error); ok {
				return nil, e.WithDetail("line", r.line)
			}
			return nil, err
		}
		return msg, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "failed to read input")
	}
	return nil, io.EOF
}

// Line returns the number of the last line read.
func (r *Reader) Line() int {
	return r.line
}

// Parse decodes a single protocol line.
func Parse(line []byte) (Message, error) {
	var wm wireMessage
	if err := jsonpool.UnmarshalUseNumber(line, &wm); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "invalid JSON message")
	}

	switch wm.Type {
	case SchemaType:
		if wm.Stream == "" || wm.Schema == nil {
			return nil, missingFields(wm.Type, "stream", "schema")
		}
		return &SchemaMessage{
			Stream:             wm.Stream,
			Schema:             wm.Schema,
			KeyProperties:      wm.KeyProperties,
			BookmarkProperties: wm.BookmarkProperties,
		}, nil

	case RecordType:
		if wm.Stream == "" || wm.Record == nil {
			return nil, missingFields(wm.Type, "stream", "record")
		}
		msg := &RecordMessage{Stream: wm.Stream, Record: wm.Record}
		if wm.Version != nil {
			v, err := wm.Version.Int64()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "record version is not an integer")
			}
			msg.Version = &v
		}
		if wm.TimeExtracted != "" {
			ts, err := time.Parse(time.RFC3339Nano, wm.TimeExtracted)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "time_extracted is not RFC 3339")
			}
			msg.TimeExtracted = &ts
		}
		return msg, nil

	case StateType:
		if wm.Value == nil {
			return nil, missingFields(wm.Type, "value")
		}
		return &StateMessage{Value: wm.Value}, nil

	case ActivateVersionType:
		if wm.Stream == "" || wm.Version == nil {
			return nil, missingFields(wm.Type, "stream", "version")
		}
		v, err := wm.Version.Int64()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "activate version is not an integer")
		}
		return &ActivateVersionMessage{Stream: wm.Stream, Version: v}, nil

	case BatchType:
		if wm.Stream == "" || wm.Encoding == nil || wm.Manifest == nil {
			return nil, missingFields(wm.Type, "stream", "encoding", "manifest")
		}
		return &BatchMessage{Stream: wm.Stream, Encoding: *wm.Encoding, Manifest: wm.Manifest}, nil

	case "":
		return nil, errors.New(errors.ErrorTypeProtocol, "message has no type")

	default:
		return nil, errors.Newf(errors.ErrorTypeProtocol, "unknown message type %q", wm.Type)
	}
}

func missingFields(t MessageType, fields ...string) error {
	return errors.Newf(errors.ErrorTypeProtocol, "%s message requires %v", t, fields)
}
