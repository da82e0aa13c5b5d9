package tap

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// logSyncCosts logs what each synced stream cost and the process usage of
// the whole run.
func (t *Tap) logSyncCosts() {
	for _, node := range t.nodes {
		if c, ok := t.costs[node.Name()]; ok && c.syncs > 0 {
			t.logger.Info("sync cost",
				zap.String("stream", node.Name()),
				zap.Int("syncs", c.syncs),
				zap.Int64("records", c.records),
				zap.Duration("duration", c.duration))
		}
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		t.logger.Debug("process usage unavailable", zap.Error(err))
		return
	}
	fields := []zap.Field{zap.Duration("elapsed", t.now().Sub(t.startedAt))}
	if times, err := proc.Times(); err == nil {
		fields = append(fields, zap.Float64("cpu_user_seconds", times.User), zap.Float64("cpu_system_seconds", times.System))
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		fields = append(fields, zap.Uint64("rss_bytes", mem.RSS))
	}
	if threads, err := proc.NumThreads(); err == nil {
		fields = append(fields, zap.Int32("threads", threads))
	}
	t.logger.Info("run resource usage", fields...)
}
