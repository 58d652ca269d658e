package book

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"bookflow/logger"
	"bookflow/models"
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrDuplicateOrder = errors.New("duplicate order id")
)

// Notifier receives a signal after every completed mutation of an
// instrument's book.
type Notifier interface {
	Notify(instrument string)
}

// Registry owns the per-instrument books and the order id index.
//
// Lock order is side lock first, then index lock. The books map has its own
// lock that is never held while acquiring either of the others.
type Registry struct {
	mu    sync.RWMutex
	books map[string]*Book

	indexMu sync.RWMutex
	index   map[string]models.Order

	notifier Notifier
	log      *logger.Log
}

// NewRegistry creates a registry with books for the given instruments.
// Books for other instruments are created on first insert.
func NewRegistry(notifier Notifier, instruments ...string) *Registry {
	r := &Registry{
		books:    make(map[string]*Book),
		index:    make(map[string]models.Order),
		notifier: notifier,
		log:      logger.GetLogger(),
	}
	for _, inst := range instruments {
		r.books[inst] = newBook(inst)
	}
	return r
}

func validateOrder(o models.Order) error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidOrder)
	case o.Instrument == "":
		return fmt.Errorf("%w: missing instrument", ErrInvalidOrder)
	case o.Owner == "":
		return fmt.Errorf("%w: missing owner", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidOrder, o.Price)
	case !o.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidOrder, o.Quantity)
	}
	return nil
}

func (r *Registry) book(instrument string) (*Book, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[instrument]
	return b, ok
}

func (r *Registry) bookOrCreate(instrument string) *Book {
	if b, ok := r.book(instrument); ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.books[instrument]; ok {
		return b
	}
	b := newBook(instrument)
	r.books[instrument] = b
	return b
}

// Insert places the order at the tail of its price level. The change is
// fully applied before the notifier is told about it.
func (r *Registry) Insert(o models.Order) error {
	if err := validateOrder(o); err != nil {
		return err
	}

	side := r.bookOrCreate(o.Instrument).side(o.Side)
	side.mu.Lock()

	r.indexMu.Lock()
	if _, exists := r.index[o.ID]; exists {
		r.indexMu.Unlock()
		side.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	r.index[o.ID] = o
	r.indexMu.Unlock()

	side.appendOrder(o)
	side.mu.Unlock()

	r.log.WithComponent("book").WithFields(logger.Fields{
		"order_id":   o.ID,
		"instrument": o.Instrument,
		"side":       o.Side,
		"price":      o.Price.String(),
		"quantity":   o.Quantity.String(),
	}).Debug("order inserted")

	r.notify(o.Instrument)
	return nil
}

// Remove deletes the order with the given id. Unknown ids return false and
// leave the book unchanged.
func (r *Registry) Remove(orderID string) bool {
	o, ok := r.Lookup(orderID)
	if !ok {
		return false
	}
	b, ok := r.book(o.Instrument)
	if !ok {
		return false
	}

	side := b.side(o.Side)
	side.mu.Lock()

	// The order may have been removed between the lookup and the side lock.
	r.indexMu.Lock()
	current, still := r.index[orderID]
	if !still || current.Instrument != o.Instrument || current.Side != o.Side || !current.Price.Equal(o.Price) {
		r.indexMu.Unlock()
		side.mu.Unlock()
		return false
	}
	delete(r.index, orderID)
	r.indexMu.Unlock()

	removed := side.removeOrder(current)
	side.mu.Unlock()

	if !removed {
		r.log.WithComponent("book").WithFields(logger.Fields{
			"order_id":   orderID,
			"instrument": o.Instrument,
		}).Error("indexed order missing from its price level")
		return false
	}

	r.notify(o.Instrument)
	return true
}

// SnapshotSide returns (price, aggregate quantity) pairs for one side in
// canonical order. The result is a copy and is never modified afterwards.
func (r *Registry) SnapshotSide(instrument string, side models.Side) []models.DepthEntry {
	b, ok := r.book(instrument)
	if !ok || !side.Valid() {
		return []models.DepthEntry{}
	}
	return b.side(side).snapshot()
}

func (r *Registry) Lookup(orderID string) (models.Order, bool) {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	o, ok := r.index[orderID]
	return o, ok
}

// OrdersByOwner returns the owner's resting orders, newest first.
func (r *Registry) OrdersByOwner(owner string) []models.Order {
	r.indexMu.RLock()
	out := make([]models.Order, 0)
	for _, o := range r.index {
		if o.Owner == owner {
			out = append(out, o)
		}
	}
	r.indexMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Instruments lists every instrument that has a book, sorted.
func (r *Registry) Instruments() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.books))
	for inst := range r.books {
		out = append(out, inst)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len is the number of resting orders across all books.
func (r *Registry) Len() int {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	return len(r.index)
}

func (r *Registry) notify(instrument string) {
	if r.notifier != nil {
		r.notifier.Notify(instrument)
	}
}
