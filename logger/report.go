package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed     int64
	errorsHub      int64
	warnsFeed      int64
	warnsHub       int64
	feedReads      int64
	publishes      int64
	deliveryFaults int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "hub") || strings.Contains(component, "subscriber") {
		atomic.AddInt64(&warnsHub, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "hub") || strings.Contains(component, "subscriber") {
		atomic.AddInt64(&errorsHub, 1)
	}
}

// IncrementFeedRead counts one external depth message of the given size.
func IncrementFeedRead(size int) {
	atomic.AddInt64(&feedReads, 1)
	recordChannel("feed_ws", size)
}

// IncrementPublish counts one broadcast payload of the given size.
func IncrementPublish(size int) {
	atomic.AddInt64(&publishes, 1)
	recordChannel("hub_publish", size)
}

func IncrementDeliveryFault() {
	atomic.AddInt64(&deliveryFaults, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithComponent("report").WithFields(reportFields()).Info("runtime report")
			}
		}
	}()
}

func reportFields() Fields {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memoryMB := int64(0)
	if memStats, err := mem.VirtualMemory(); err == nil {
		memoryMB = int64(memStats.Used) / 1024 / 1024
	}

	return Fields{
		"errors_feed":     atomic.LoadInt64(&errorsFeed),
		"errors_hub":      atomic.LoadInt64(&errorsHub),
		"warns_feed":      atomic.LoadInt64(&warnsFeed),
		"warns_hub":       atomic.LoadInt64(&warnsHub),
		"feed_reads":      atomic.LoadInt64(&feedReads),
		"publishes":       atomic.LoadInt64(&publishes),
		"delivery_faults": atomic.LoadInt64(&deliveryFaults),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       memoryMB,
		"channels":        channelData,
	}
}
