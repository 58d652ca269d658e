package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	appconfig "bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

var (
	// ErrSerialization is returned by Publish when a snapshot cannot be
	// encoded. Nothing is delivered in that case.
	ErrSerialization = errors.New("snapshot serialization failed")
	ErrHubClosed     = errors.New("hub closed")
	ErrQueueFull     = errors.New("subscriber queue full")
)

// Message is one encoded snapshot. The payload is shared by every
// subscriber and must not be modified.
type Message struct {
	Instrument string
	Payload    []byte
}

// Subscriber is a delivery endpoint. Send is never called concurrently for
// the same subscriber.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, msg Message) error
	Close() error
}

type subscription struct {
	sub         Subscriber
	instruments map[string]struct{}
	queue       chan Message
	done        chan struct{}
	stopOnce    sync.Once
}

func (s *subscription) wants(instrument string) bool {
	if len(s.instruments) == 0 {
		return true
	}
	_, ok := s.instruments[instrument]
	return ok
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Hub fans encoded snapshots out to subscribers. Publish never blocks on a
// subscriber: each subscription has its own queue drained by one writer
// goroutine, and a full queue or failed send drops that subscriber only.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	sendTimeout time.Duration
	queueSize   int
	encode      func(v any) ([]byte, error)

	wg  sync.WaitGroup
	log *logger.Log
}

func NewHub(cfg appconfig.HubConfig) *Hub {
	h := &Hub{
		subs:        make(map[string]*subscription),
		sendTimeout: cfg.SendTimeout,
		queueSize:   cfg.QueueSize,
		encode:      json.Marshal,
		log:         logger.GetLogger(),
	}
	if h.sendTimeout <= 0 {
		h.sendTimeout = 2 * time.Second
	}
	if h.queueSize <= 0 {
		h.queueSize = 16
	}
	return h
}

// Subscribe registers sub for future publishes of the given instruments, or
// of every instrument when none are given. No current state is pushed.
func (h *Hub) Subscribe(sub Subscriber, instruments ...string) error {
	s := &subscription{
		sub:         sub,
		instruments: make(map[string]struct{}, len(instruments)),
		queue:       make(chan Message, h.queueSize),
		done:        make(chan struct{}),
	}
	for _, inst := range instruments {
		if inst != "" {
			s.instruments[inst] = struct{}{}
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if _, exists := h.subs[sub.ID()]; exists {
		h.mu.Unlock()
		return fmt.Errorf("subscriber %s already registered", sub.ID())
	}
	h.subs[sub.ID()] = s
	count := len(h.subs)
	h.wg.Add(1)
	h.mu.Unlock()

	go h.deliver(s)

	metrics.SetSubscribers(count)
	h.log.WithComponent("hub").WithFields(logger.Fields{
		"subscriber":  sub.ID(),
		"instruments": instruments,
		"subscribers": count,
	}).Info("subscriber registered")
	return nil
}

// Unsubscribe removes the subscriber and closes it once its writer exits.
// Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	count := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return false
	}

	s.stop()
	metrics.SetSubscribers(count)
	h.log.WithComponent("hub").WithFields(logger.Fields{
		"subscriber":  id,
		"subscribers": count,
	}).Info("subscriber removed")
	return true
}

// remove drops s only if it is still the registered subscription for its id.
func (h *Hub) remove(s *subscription) {
	id := s.sub.ID()
	h.mu.RLock()
	current := h.subs[id]
	h.mu.RUnlock()
	if current == s {
		h.Unsubscribe(id)
		return
	}
	s.stop()
}

// Publish encodes the snapshot once and queues the same payload for every
// interested subscriber. It returns how many subscribers it was queued for.
func (h *Hub) Publish(snapshot models.CombinedBookSnapshot) (int, error) {
	payload, err := h.encode(snapshot)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrSerialization, snapshot.Instrument, err)
	}
	msg := Message{Instrument: snapshot.Instrument, Payload: payload}

	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if s.wants(snapshot.Instrument) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	queued := 0
	for _, s := range targets {
		select {
		case <-s.done:
			continue
		default:
		}
		select {
		case s.queue <- msg:
			queued++
		default:
			metrics.EmitDropMetric(h.log, metrics.DropMetricSubscriberQueue, "", snapshot.Instrument, "hub")
			h.fault(s, ErrQueueFull)
		}
	}

	logger.IncrementPublish(len(payload))
	metrics.EmitMetric(h.log, "hub", "publish_payload_bytes", len(payload), "gauge", logger.Fields{
		"instrument": snapshot.Instrument,
		"unit":       "bytes",
	})
	return queued, nil
}

// deliver is the only goroutine that calls Send for s.
func (h *Hub) deliver(s *subscription) {
	defer h.wg.Done()
	defer func() {
		if err := s.sub.Close(); err != nil {
			h.log.WithComponent("hub").WithFields(logger.Fields{"subscriber": s.sub.ID()}).WithError(err).Debug("subscriber close failed")
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
			err := s.sub.Send(ctx, msg)
			cancel()
			if err != nil {
				h.fault(s, err)
				return
			}
		}
	}
}

func (h *Hub) fault(s *subscription, err error) {
	metrics.IncDeliveryFault()
	logger.IncrementDeliveryFault()
	h.log.WithComponent("hub").WithFields(logger.Fields{
		"subscriber": s.sub.ID(),
	}).WithError(err).Warn("delivery failed; dropping subscriber")
	h.remove(s)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters every subscriber and waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	h.wg.Wait()
	metrics.SetSubscribers(0)
	h.log.WithComponent("hub").WithFields(logger.Fields{"closed_subscribers": len(subs)}).Info("hub closed")
}
