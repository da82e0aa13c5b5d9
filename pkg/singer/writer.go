package singer

import (
	"bufio"
	"io"
	"sync"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// Writer serializes messages to an output stream, one per line. It is safe
// for concurrent use; lines are never interleaved.
type Writer struct {
	mu  sync.Mutex
	out *bufio.Writer
}

// NewWriter creates a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: bufio.NewWriterSize(w, 64*1024)}
}

// Write encodes msg as a single line. Everything except RECORD messages is
// flushed immediately so checkpoints reach the downstream process promptly.
func (w *Writer) Write(msg Message) error {
	line, err := jsonpool.MarshalLine(msg)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeProtocol, "failed to encode %s message", msg.Type())
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.out.Write(line); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write message")
	}
	if msg.Type() != RecordType {
		if err := w.out.Flush(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush output")
		}
	}
	return nil
}

// Flush writes out any buffered records.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Flush()
}
