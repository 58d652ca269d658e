package channel

import (
	"context"
	"time"

	"bookflow/internal/channel/changes"
	"bookflow/internal/channel/depth"
	"bookflow/logger"
)

type Channels struct {
	Depth   *depth.Channels
	Changes *changes.Signals
	log     *logger.Log
}

func NewChannels(depthBufferSize int) *Channels {
	return &Channels{
		Depth:   depth.NewChannels(depthBufferSize),
		Changes: changes.NewSignals(),
		log:     logger.GetLogger(),
	}
}

// Close closes the depth channel. Change signals have no channel to close.
func (c *Channels) Close() {
	if c.Depth != nil {
		c.Depth.Close()
	}
}

// StartMetricsReporting logs channel statistics every interval until ctx is
// done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d := c.Depth.GetStats()
				s := c.Changes.GetStats()
				c.log.WithComponent("channels").WithFields(logger.Fields{
					"depth_sent":        d.Sent,
					"depth_dropped":     d.Dropped,
					"depth_buffered":    len(c.Depth.Snapshots),
					"changes_notified":  s.Notified,
					"changes_coalesced": s.Coalesced,
				}).Debug("channel statistics")
			}
		}
	}()
}
