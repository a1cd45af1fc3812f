package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	workerCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "streambot",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the running worker.",
		},
	)
	workerMemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "streambot",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the running worker.",
		},
	)
)

// Usage is a point-in-time resource sample of one process.
type Usage struct {
	PID        int
	CPUPercent float64
	RSSBytes   uint64
	NumThreads int32
	Uptime     time.Duration
}

// Sample reads CPU and memory usage of pid via gopsutil.
func Sample(pid int) (Usage, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	u := Usage{PID: pid}

	// CPUPercent averages over the process lifetime; good enough for a status line.
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	} else {
		slog.Debug("Failed to get CPU percent", "pid", pid, "error", err)
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u.RSSBytes = memInfo.RSS

	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if ms, err := proc.CreateTime(); err == nil && ms > 0 {
		u.Uptime = time.Since(time.UnixMilli(ms)).Truncate(time.Second)
	}
	return u, nil
}

// UsageCollector periodically samples the worker and exports gauges.
type UsageCollector struct {
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewUsageCollector(interval time.Duration) *UsageCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &UsageCollector{interval: interval, stopCh: make(chan struct{})}
}

// Start begins sampling. current returns the live worker pid, or false when
// no worker is running.
func (c *UsageCollector) Start(ctx context.Context, current func() (int, bool)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect(current)
			}
		}
	}()
}

// Stop stops the collection and waits for the sampling goroutine.
func (c *UsageCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *UsageCollector) collect(current func() (int, bool)) {
	pid, ok := current()
	if !ok {
		SetUsage(Usage{})
		return
	}
	u, err := Sample(pid)
	if err != nil {
		slog.Debug("Failed to collect worker usage", "pid", pid, "error", err)
		return
	}
	SetUsage(u)
}

// SetUsage exports u as gauges; a zero Usage resets them.
func SetUsage(u Usage) {
	if regOK.Load() {
		workerCPUPercent.Set(u.CPUPercent)
		workerMemoryBytes.Set(float64(u.RSSBytes))
	}
}
