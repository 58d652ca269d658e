package changes

import (
	"sort"
	"sync"
)

type SignalStats struct {
	Notified  int64
	Coalesced int64
}

// Signals records which instruments changed since the last drain. Notify never
// blocks: a burst of changes for one instrument collapses into one pending
// entry, and the consumer is woken through a single-slot channel.
type Signals struct {
	mu      sync.Mutex
	pending map[string]struct{}
	stats   SignalStats
	wake    chan struct{}
}

func NewSignals() *Signals {
	return &Signals{
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Signals) Notify(instrument string) {
	s.mu.Lock()
	s.stats.Notified++
	if _, ok := s.pending[instrument]; ok {
		s.stats.Coalesced++
	} else {
		s.pending[instrument] = struct{}{}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wake fires after at least one Notify since the previous receive.
func (s *Signals) Wake() <-chan struct{} {
	return s.wake
}

// Drain returns the pending instruments, sorted, and clears the set.
func (s *Signals) Drain() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.pending))
	for inst := range s.pending {
		out = append(out, inst)
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Signals) GetStats() SignalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
