package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/writer"
)

// LocalBook is the read side of the local order book.
type LocalBook interface {
	SnapshotSide(instrument string, side models.Side) []models.DepthEntry
}

// Publisher fans a combined snapshot out to subscribers.
type Publisher interface {
	Publish(snapshot models.CombinedBookSnapshot) (int, error)
}

// Coordinator turns change signals into recompute-and-publish cycles. Every
// instrument has one worker, so publishes for an instrument never overlap or
// reorder. A signal that arrives while the worker is busy leaves a pending
// kick, which guarantees one more cycle after the current one.
type Coordinator struct {
	book       LocalBook
	external   *ExternalDepthStore
	publisher  Publisher
	channels   *channel.Channels
	depthLimit int
	rateLimit  rate.Limit
	burst      int
	now        func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	workers map[string]chan struct{}
	log     *logger.Log
}

func NewCoordinator(cfg *appconfig.Config, book LocalBook, external *ExternalDepthStore, publisher Publisher, channels *channel.Channels) *Coordinator {
	limit := rate.Inf
	burst := 1
	if cfg.Coordinator.PublishRate > 0 {
		limit = rate.Limit(cfg.Coordinator.PublishRate)
		burst = cfg.Coordinator.PublishBurst
	}
	return &Coordinator{
		book:       book,
		external:   external,
		publisher:  publisher,
		channels:   channels,
		depthLimit: cfg.Book.DepthLimit,
		rateLimit:  limit,
		burst:      burst,
		now:        time.Now,
		workers:    make(map[string]chan struct{}),
		log:        logger.GetLogger(),
	}
}

func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	// workers from a previous run have exited with the old context
	c.workers = make(map[string]chan struct{})
	c.mu.Unlock()

	log := c.log.WithComponent("coordinator").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"depth_limit":  c.depthLimit,
		"publish_rate": float64(c.rateLimit),
	}).Info("starting coordinator")

	c.wg.Add(2)
	go c.ingest()
	go c.dispatch()

	log.Info("coordinator started successfully")
	return nil
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.log.WithComponent("coordinator").Info("stopping coordinator")
	c.wg.Wait()
	c.log.WithComponent("coordinator").Info("coordinator stopped")
}

// ingest moves external snapshots from the depth channel into the store. The
// store signals the instrument on every accepted replacement.
func (c *Coordinator) ingest() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case snap, ok := <-c.channels.Depth.Snapshots:
			if !ok {
				return
			}
			if c.external.Replace(snap) {
				logger.LogDataFlowEntry(c.log.WithComponent("coordinator"), snap.Exchange, "external_store", len(snap.Entries), "depth_"+string(snap.Side))
			}
		}
	}
}

func (c *Coordinator) dispatch() {
	defer c.wg.Done()
	signals := c.channels.Changes
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-signals.Wake():
			for _, instrument := range signals.Drain() {
				c.kick(instrument)
			}
		}
	}
}

func (c *Coordinator) kick(instrument string) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	kicks, ok := c.workers[instrument]
	if !ok {
		kicks = make(chan struct{}, 1)
		c.workers[instrument] = kicks
		c.wg.Add(1)
		go c.worker(instrument, kicks)
	}
	c.mu.Unlock()

	select {
	case kicks <- struct{}{}:
	default:
		// a cycle is already pending and will read the newest state
	}
}

func (c *Coordinator) worker(instrument string, kicks <-chan struct{}) {
	defer c.wg.Done()
	limiter := rate.NewLimiter(c.rateLimit, c.burst)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-kicks:
			if err := limiter.Wait(c.ctx); err != nil {
				return
			}
			c.publish(instrument)
		}
	}
}

func (c *Coordinator) publish(instrument string) {
	start := c.now()
	snapshot := c.Recompute(instrument)
	metrics.IncRecompute(instrument)

	n, err := c.publisher.Publish(snapshot)
	if err != nil {
		entry := c.log.WithComponent("coordinator").WithFields(logger.Fields{"instrument": instrument}).WithError(err)
		if errors.Is(err, writer.ErrSerialization) {
			metrics.IncSerializationFault()
			entry.Error("snapshot serialization failed; skipping publish")
			return
		}
		entry.Warn("publish failed")
		return
	}
	metrics.IncPublish()

	elapsed := c.now().Sub(start)
	metrics.EmitMetric(c.log, "coordinator", "recompute_latency_ms", elapsed.Milliseconds(), "gauge", logger.Fields{
		"instrument": instrument,
		"unit":       "ms",
	})
	logger.LogPerformanceEntry(c.log.WithComponent("coordinator"), "coordinator", "recompute_publish", elapsed, logger.Fields{
		"instrument":  instrument,
		"subscribers": n,
		"bids":        len(snapshot.Bids),
		"asks":        len(snapshot.Asks),
	})
}

// Recompute builds the combined view for an instrument without publishing
// it. Each side reads the external cell and then the local book; the two
// sides may reflect slightly different instants.
func (c *Coordinator) Recompute(instrument string) models.CombinedBookSnapshot {
	side := func(s models.Side) []models.CombinedLevel {
		external := c.external.Entries(instrument, s)
		local := c.book.SnapshotSide(instrument, s)
		return Merge(local, external, s, c.depthLimit)
	}
	return BuildSnapshot(instrument, side(models.SideBuy), side(models.SideSell), c.now())
}
