package api

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"bookflow/internal/metrics"
	"bookflow/logger"
)

// hostSample is one reading of host and process utilisation.
type hostSample struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryPct  float64   `json:"memory_percent"`
	MemoryUsed uint64    `json:"memory_used"`
	ProcessRSS uint64    `json:"process_rss"`
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	processRSSFn  = func(ctx context.Context) (uint64, error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}
)

type hostSampler struct {
	mu       sync.RWMutex
	latest   hostSample
	have     bool
	interval time.Duration
	wg       sync.WaitGroup
	log      *logger.Log
}

func newHostSampler(interval time.Duration, log *logger.Log) *hostSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &hostSampler{interval: interval, log: log}
}

// start samples until ctx is done. cpu.Percent blocks for one interval, which
// paces the loop.
func (s *hostSampler) start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ctx.Err() == nil {
			if !s.sample(ctx) {
				select {
				case <-ctx.Done():
				case <-time.After(s.interval):
				}
			}
		}
	}()
}

func (s *hostSampler) wait() {
	s.wg.Wait()
}

func (s *hostSampler) sample(ctx context.Context) bool {
	log := s.log.WithComponent("host_sampler")

	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		log.WithError(err).Debug("failed to sample cpu usage")
		return false
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		log.WithError(err).Debug("failed to sample memory usage")
		return false
	}
	rss, err := processRSSFn(ctx)
	if err != nil {
		log.WithError(err).Debug("failed to sample process memory")
	}

	sample := hostSample{
		Timestamp:  time.Now(),
		MemoryPct:  memStats.UsedPercent,
		MemoryUsed: memStats.Used,
		ProcessRSS: rss,
	}
	if len(cpuSamples) > 0 {
		sample.CPUPercent = cpuSamples[0]
	}

	s.mu.Lock()
	s.latest = sample
	s.have = true
	s.mu.Unlock()

	metrics.EmitMetric(s.log, "host_sampler", "host_cpu_percent", sample.CPUPercent, "gauge", logger.Fields{"unit": "Percent"})
	metrics.EmitMetric(s.log, "host_sampler", "host_memory_percent", sample.MemoryPct, "gauge", logger.Fields{"unit": "Percent"})
	return true
}

func (s *hostSampler) current() (hostSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.have
}
