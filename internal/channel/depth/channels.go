package depth

import (
	"context"
	"sync"

	"bookflow/logger"
	"bookflow/models"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channels carries external depth snapshots from readers to the coordinator.
type Channels struct {
	Snapshots chan models.ExternalDepthSnapshot

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Snapshots: make(chan models.ExternalDepthSnapshot, bufferSize),
		log:       log,
	}

	log.WithComponent("depth_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("depth channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Snapshots)
		c.log.WithComponent("depth_channels").Info("depth channels closed")
	})
}

// Send enqueues without blocking. A full buffer drops the snapshot; the next
// one replaces it wholesale anyway.
func (c *Channels) Send(ctx context.Context, snap models.ExternalDepthSnapshot) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case c.Snapshots <- snap:
		c.statsMutex.Lock()
		c.stats.Sent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("depth", len(snap.Entries))
		return true
	default:
		c.statsMutex.Lock()
		c.stats.Dropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
