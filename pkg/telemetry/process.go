package telemetry

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/metric"
)

// ProcessSampler periodically samples this process's CPU/RSS and feeds the
// observable gauges registered on Metrics.
type ProcessSampler struct {
	metrics *Metrics
	period  time.Duration

	mu         sync.Mutex
	cpuPercent float64
	rssBytes   int64
}

// NewProcessSampler builds a sampler; period defaults to 15s.
func NewProcessSampler(metrics *Metrics, period time.Duration) *ProcessSampler {
	if period <= 0 {
		period = 15 * time.Second
	}
	return &ProcessSampler{metrics: metrics, period: period}
}

// Register attaches the sampler's cached values to the meter provider's
// observable gauges via a callback, and starts the background sampling
// loop. Call once after InitMetrics.
func (s *ProcessSampler) Register(ctx context.Context, provider metric.MeterProvider) error {
	meter := provider.Meter("sentinel")
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		o.ObserveFloat64(s.metrics.ProcessCPUPercent, s.cpuPercent)
		o.ObserveInt64(s.metrics.ProcessRSSBytes, s.rssBytes)
		return nil
	}, s.metrics.ProcessCPUPercent, s.metrics.ProcessRSSBytes)
	if err != nil {
		return err
	}

	go s.loop(ctx)
	return nil
}

func (s *ProcessSampler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *ProcessSampler) sample(ctx context.Context) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return
	}

	var cpuPercent float64
	if pct, err := proc.PercentWithContext(ctx, 200*time.Millisecond); err == nil {
		if numCPU := runtime.NumCPU(); numCPU > 0 {
			cpuPercent = pct / float64(numCPU)
		} else {
			cpuPercent = pct
		}
	}

	var rss int64
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		rss = int64(memInfo.RSS)
	}

	s.mu.Lock()
	s.cpuPercent = cpuPercent
	s.rssBytes = rss
	s.mu.Unlock()
}
