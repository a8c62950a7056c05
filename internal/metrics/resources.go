package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/memory reading of a tracked VR process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceCollector samples CPU and memory of the processes returned by the
// pid source, typically the running executables of the run-state trackers.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[string][]ResourceSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 60
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		history:    make(map[string][]ResourceSample),
		stopCh:     make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vrlink",
				Subsystem: "process",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage of tracked VR processes.",
			}, []string{"name"},
		),
		memoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vrlink",
				Subsystem: "process",
				Name:      "memory_mb",
				Help:      "Resident memory in MB of tracked VR processes.",
			}, []string{"name"},
		),
	}
}

// RegisterMetrics registers the resource gauges with r.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryMB} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling of the pids reported by pids.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect(ctx, pids())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples every name/pid pair once and drops history for names no
// longer present.
func (c *ResourceCollector) Collect(ctx context.Context, pids map[string]int32) {
	now := time.Now()
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := sample(ctx, name, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "name", name, "pid", pid, "error", err)
			continue
		}
		c.cpuPercent.WithLabelValues(name).Set(s.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(s.MemoryMB)
		c.add(s)
	}
	c.mu.Lock()
	for name := range c.history {
		if _, ok := pids[name]; !ok {
			delete(c.history, name)
			c.cpuPercent.DeleteLabelValues(name)
			c.memoryMB.DeleteLabelValues(name)
		}
	}
	c.mu.Unlock()
}

func (c *ResourceCollector) add(s ResourceSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[s.Name], s)
	if len(h) > c.maxHistory {
		h = h[len(h)-c.maxHistory:]
	}
	c.history[s.Name] = h
}

// Latest returns the newest sample per name.
func (c *ResourceCollector) Latest() map[string]ResourceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ResourceSample, len(c.history))
	for name, h := range c.history {
		if len(h) > 0 {
			out[name] = h[len(h)-1]
		}
	}
	return out
}

// History returns a copy of the samples kept for name, oldest first.
func (c *ResourceCollector) History(name string) []ResourceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ResourceSample(nil), c.history[name]...)
}

func sample(ctx context.Context, name string, pid int32, at time.Time) (ResourceSample, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		cpu = 0
	}
	threads, err := p.NumThreadsWithContext(ctx)
	if err != nil {
		threads = 0
	}
	return ResourceSample{
		PID:        pid,
		Name:       name,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  at,
	}, nil
}
