package api

import (
	"sync"

	"bookflow/internal/metrics"
)

// eventStore keeps the most recent metric events for the events endpoint.
type eventStore struct {
	mu    sync.RWMutex
	items []metrics.Metric
	limit int
}

func newEventStore(limit int) *eventStore {
	if limit <= 0 {
		limit = 200
	}
	return &eventStore{limit: limit}
}

func (s *eventStore) handle(metric metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, metric)
	if len(s.items) > s.limit {
		s.items = append([]metrics.Metric(nil), s.items[len(s.items)-s.limit:]...)
	}
}

func (s *eventStore) snapshot() []metrics.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]metrics.Metric, len(s.items))
	copy(out, s.items)
	return out
}
