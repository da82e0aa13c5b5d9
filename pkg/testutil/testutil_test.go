package testutil

import (
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-singer/pkg/singer"
)

func TestReadMessages(t *testing.T) {
	data, err := io.ReadAll(Lines(
		`{"type": "SCHEMA", "stream": "users", "schema": {"type": "object"}, "key_properties": ["id"]}`,
		`{"type": "RECORD", "stream": "users", "record": {"id": 1}}`,
		`{"type": "RECORD", "stream": "other", "record": {"id": 2}}`,
		`{"type": "STATE", "value": {"bookmarks": {}}}`,
	))
	require.NoError(t, err)

	msgs := ReadMessages(t, data)
	require.Len(t, msgs, 4)
	assert.Equal(t, 2, CountType(msgs, singer.RecordType))
	assert.Len(t, Records(msgs, "users"), 1)
	assert.Equal(t, map[string]interface{}{"bookmarks": map[string]interface{}{}}, LastState(msgs))
}

func TestWriteFile(t *testing.T) {
	path := WriteFile(t, "nested/config.json", []byte(`{}`))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))
}

func TestAssertEventually(t *testing.T) {
	var ready atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		ready.Store(true)
	}()
	AssertEventually(t, ready.Load, time.Second, "flag never set")
	assert.NoError(t, TestContext(t).Err())
}
