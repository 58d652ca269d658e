package metrics

import (
	"context"
	"time"

	"bookflow/internal/channel"
	"bookflow/logger"
)

// StartChannelSizeMetrics emits occupancy of the depth channel buffer every
// interval until ctx is cancelled. A non-positive interval means one second.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if channels == nil || channels.Depth == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, "channel_buffers", "depth_buffer_length", len(channels.Depth.Snapshots), "gauge", logger.Fields{
					"buffer":   "depth",
					"capacity": cap(channels.Depth.Snapshots),
				})
			}
		}
	}()
}
