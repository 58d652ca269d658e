package processor

import (
	"sync"
	"sync/atomic"
	"time"

	"bookflow/logger"
	"bookflow/models"
)

// Notifier is told which instrument changed.
type Notifier interface {
	Notify(instrument string)
}

type externalCell struct {
	entries      []models.DepthEntry
	lastUpdateID int64
	receivedAt   time.Time
}

type cellKey struct {
	instrument string
	side       models.Side
}

// ExternalDepthStore keeps the last good external snapshot per instrument and
// side. Each cell is swapped atomically, so readers see either the previous
// or the new entries, never a mix.
type ExternalDepthStore struct {
	mu       sync.RWMutex
	cells    map[cellKey]*atomic.Pointer[externalCell]
	notifier Notifier
	log      *logger.Log
}

func NewExternalDepthStore(notifier Notifier) *ExternalDepthStore {
	return &ExternalDepthStore{
		cells:    make(map[cellKey]*atomic.Pointer[externalCell]),
		notifier: notifier,
		log:      logger.GetLogger(),
	}
}

func (s *ExternalDepthStore) cell(key cellKey, create bool) *atomic.Pointer[externalCell] {
	s.mu.RLock()
	c, ok := s.cells[key]
	s.mu.RUnlock()
	if ok || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cells[key]; ok {
		return c
	}
	c = &atomic.Pointer[externalCell]{}
	s.cells[key] = c
	return c
}

// Replace swaps in the snapshot's entries and signals the instrument. A
// snapshot older than the stored one, by update id, is ignored. Returns
// whether the cell changed.
func (s *ExternalDepthStore) Replace(snap models.ExternalDepthSnapshot) bool {
	if snap.Instrument == "" || !snap.Side.Valid() {
		return false
	}

	entries := make([]models.DepthEntry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.Price.IsPositive() && e.Quantity.IsPositive() {
			entries = append(entries, e)
		}
	}
	next := &externalCell{
		entries:      entries,
		lastUpdateID: snap.LastUpdateID,
		receivedAt:   snap.ReceivedAt,
	}

	c := s.cell(cellKey{snap.Instrument, snap.Side}, true)
	for {
		prev := c.Load()
		if prev != nil && snap.LastUpdateID > 0 && snap.LastUpdateID < prev.lastUpdateID {
			s.log.WithComponent("external_store").WithFields(logger.Fields{
				"instrument":     snap.Instrument,
				"side":           snap.Side,
				"last_update_id": snap.LastUpdateID,
				"stored_id":      prev.lastUpdateID,
			}).Debug("ignoring stale external snapshot")
			return false
		}
		if c.CompareAndSwap(prev, next) {
			break
		}
	}

	if s.notifier != nil {
		s.notifier.Notify(snap.Instrument)
	}
	return true
}

// Entries returns the stored entries for one side. The slice is shared and
// must not be modified.
func (s *ExternalDepthStore) Entries(instrument string, side models.Side) []models.DepthEntry {
	c := s.cell(cellKey{instrument, side}, false)
	if c == nil {
		return nil
	}
	if cur := c.Load(); cur != nil {
		return cur.entries
	}
	return nil
}

// ReceivedAt reports when the instrument's side was last replaced.
func (s *ExternalDepthStore) ReceivedAt(instrument string, side models.Side) (time.Time, bool) {
	c := s.cell(cellKey{instrument, side}, false)
	if c == nil {
		return time.Time{}, false
	}
	if cur := c.Load(); cur != nil {
		return cur.receivedAt, true
	}
	return time.Time{}, false
}
