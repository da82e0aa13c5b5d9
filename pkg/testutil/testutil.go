// Package testutil provides helpers shared by the package tests: loggers,
// contexts and capture of Singer message streams.
package testutil

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-singer/pkg/singer"
)

// TestLogger creates a logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext returns a context with a 30 second timeout, cancelled when
// the test ends.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually fails the test unless condition becomes true within
// timeout. It polls every 10ms.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// WriteFile writes content to name under a fresh temporary directory and
// returns the path.
func WriteFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

// Lines joins Singer message lines into a stream a target can read.
func Lines(lines ...string) io.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

// ReadMessages parses a captured message stream.
func ReadMessages(t *testing.T, data []byte) []singer.Message {
	t.Helper()
	r := singer.NewReader(bytes.NewReader(data))
	var msgs []singer.Message
	for {
		msg, err := r.Next()
		if err == io.EOF {
			return msgs
		}
		require.NoError(t, err, "line %d", r.Line())
		msgs = append(msgs, msg)
	}
}

// Records returns the records of stream in order.
func Records(msgs []singer.Message, stream string) []singer.Record {
	var out []singer.Record
	for _, m := range msgs {
		if r, ok := m.(*singer.RecordMessage); ok && r.Stream == stream {
			out = append(out, r.Record)
		}
	}
	return out
}

// LastState returns the value of the last STATE message, or nil.
func LastState(msgs []singer.Message) map[string]interface{} {
	for i := len(msgs) - 1; i >= 0; i-- {
		if s, ok := msgs[i].(*singer.StateMessage); ok {
			return s.Value
		}
	}
	return nil
}

// CountType counts the messages of typ.
func CountType(msgs []singer.Message, typ singer.MessageType) int {
	n := 0
	for _, m := range msgs {
		if m.Type() == typ {
			n++
		}
	}
	return n
}
