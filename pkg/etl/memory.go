package etl

import (
	"log/slog"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/process"
)

// CheckMemory samples the process resident set size, records it in metrics,
// and warns once usage crosses 0.8x the configured limit. Enforcement is
// advisory only; the streaming pipeline is how hard budgets are met.
func (c *RunContext) CheckMemory() float64 {
	usedMB := residentSetMB()

	c.mu.Lock()
	if len(c.metrics.MemorySamplesMB) >= maxMemorySamples {
		c.metrics.MemorySamplesMB = c.metrics.MemorySamplesMB[1:]
	}
	c.metrics.MemorySamplesMB = append(c.metrics.MemorySamplesMB, usedMB)
	if usedMB > c.metrics.PeakMemoryMB {
		c.metrics.PeakMemoryMB = usedMB
	}
	limitMB := c.MemoryLimitMB
	c.mu.Unlock()

	if limitMB > 0 && usedMB > 0.8*float64(limitMB) {
		slog.Warn("Memory usage approaching limit",
			"task_id", c.TaskID,
			"used_mb", usedMB,
			"limit_mb", limitMB)
	}
	return usedMB
}

// residentSetMB reads the process RSS, falling back to Go heap usage when
// the platform query fails.
func residentSetMB() float64 {
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			return float64(info.RSS) / (1 << 20)
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Alloc) / (1 << 20)
}
