package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newObserved(interval time.Duration) (*Metrics, *observer.ObservedLogs, *fakeClock) {
	core, logs := observer.New(zap.InfoLevel)
	m := New(zap.New(core), interval)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m.now = clock.now
	return m, logs, clock
}

func points(t *testing.T, logs *observer.ObservedLogs) []Point {
	t.Helper()
	var out []Point
	for _, entry := range logs.All() {
		require.True(t, strings.HasPrefix(entry.Message, "METRIC: "), entry.Message)
		var p Point
		require.NoError(t, jsonpool.Unmarshal([]byte(strings.TrimPrefix(entry.Message, "METRIC: ")), &p))
		out = append(out, p)
	}
	return out
}

func TestCounterLogsAtIntervalAndClose(t *testing.T) {
	m, logs, clock := newObserved(10 * time.Second)

	c := m.RecordCounter("users", map[string]interface{}{"project_id": 7})
	c.Increment(1)
	c.Increment(1)
	assert.Equal(t, 0, logs.Len())

	clock.advance(11 * time.Second)
	c.Increment(1)
	require.Equal(t, 1, logs.Len())

	c.Increment(2)
	c.Close()
	c.Close()

	got := points(t, logs)
	require.Len(t, got, 2)
	assert.Equal(t, CounterType, got[0].Type)
	assert.Equal(t, RecordCountMetric, got[0].Metric)
	assert.EqualValues(t, 3, got[0].Value)
	assert.EqualValues(t, 5, got[1].Value)
	assert.Equal(t, "users", got[1].Tags[StreamTag])
	assert.Equal(t, map[string]interface{}{"project_id": float64(7)}, got[1].Tags[ContextTag])

	assert.Equal(t, int64(5), c.Value())
}

func TestTimer(t *testing.T) {
	m, logs, clock := newObserved(0)
	timer := m.SyncTimer("orders", nil)
	clock.advance(1500 * time.Millisecond)
	elapsed := timer.Stop(Status(errors.New("boom")))

	assert.Equal(t, 1500*time.Millisecond, elapsed)
	got := points(t, logs)
	require.Len(t, got, 1)
	assert.Equal(t, TimerType, got[0].Type)
	assert.Equal(t, SyncDurationMetric, got[0].Metric)
	assert.InDelta(t, 1.5, got[0].Value, 1e-9)
	assert.Equal(t, StatusFailed, got[0].Tags[StatusTag])
	assert.NotContains(t, got[0].Tags, ContextTag)
}

func TestStatus(t *testing.T) {
	assert.Equal(t, StatusSucceeded, Status(nil))
	assert.Equal(t, StatusFailed, Status(errors.New("x")))
}
