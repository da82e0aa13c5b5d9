package state

import (
	"sync"

	"go.uber.org/zap"

	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/logger"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
)

// Writer is the single path through which STATE messages leave a process.
// A value equal to the previously written one is not written again.
type Writer struct {
	mu     sync.Mutex
	out    *singer.Writer
	last   map[string]interface{}
	wrote  bool
	logger *zap.Logger
}

// NewWriter creates a Writer emitting to out.
func NewWriter(out *singer.Writer) *Writer {
	return &Writer{
		out:    out,
		logger: logger.With(zap.String("component", "state_writer")),
	}
}

// Write emits value as a STATE message unless it repeats the last write.
func (w *Writer) Write(value map[string]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.wrote && jsonpool.Equal(w.last, value) {
		return nil
	}
	snapshot := jsonpool.CloneMap(value)
	if snapshot == nil {
		snapshot = map[string]interface{}{}
	}
	if err := w.out.Write(&singer.StateMessage{Value: snapshot}); err != nil {
		return err
	}
	w.last = snapshot
	w.wrote = true
	w.logger.Debug("state emitted")
	return nil
}

// WriteStore emits a snapshot of store.
func (w *Writer) WriteStore(store *Store) error {
	return w.Write(store.Snapshot())
}

// Last returns a copy of the last written value, or nil.
func (w *Writer) Last() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return jsonpool.CloneMap(w.last)
}
