package book

import (
	"sync"

	"bookflow/models"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const levelTreeDegree = 16

// level holds the resting orders at one price in arrival order.
type level struct {
	price  decimal.Decimal
	orders []models.Order
}

// quantity is summed on every call; levels never cache a total.
func (l *level) quantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.orders {
		total = total.Add(o.Quantity)
	}
	return total
}

func (l *level) removeOrder(id string) bool {
	for i, o := range l.orders {
		if o.ID == id {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return true
		}
	}
	return false
}

// bookSide is one (instrument, side) pair. Levels live both in a btree for
// canonical iteration and in a map keyed by canonical price text.
type bookSide struct {
	mu      sync.RWMutex
	side    models.Side
	levels  *btree.BTreeG[*level]
	byPrice map[string]*level
}

func newBookSide(side models.Side) *bookSide {
	less := func(a, b *level) bool { return a.price.LessThan(b.price) }
	if side == models.SideBuy {
		less = func(a, b *level) bool { return a.price.GreaterThan(b.price) }
	}
	return &bookSide{
		side:    side,
		levels:  btree.NewG[*level](levelTreeDegree, less),
		byPrice: make(map[string]*level),
	}
}

// priceKey is the canonical text of a price; 101.10 and 101.1 share a key.
func priceKey(p decimal.Decimal) string {
	return p.String()
}

// appendOrder must be called with s.mu held.
func (s *bookSide) appendOrder(o models.Order) {
	key := priceKey(o.Price)
	lvl, ok := s.byPrice[key]
	if !ok {
		lvl = &level{price: o.Price}
		s.byPrice[key] = lvl
		s.levels.ReplaceOrInsert(lvl)
	}
	lvl.orders = append(lvl.orders, o)
}

// removeOrder must be called with s.mu held.
func (s *bookSide) removeOrder(o models.Order) bool {
	key := priceKey(o.Price)
	lvl, ok := s.byPrice[key]
	if !ok || !lvl.removeOrder(o.ID) {
		return false
	}
	if len(lvl.orders) == 0 {
		delete(s.byPrice, key)
		s.levels.Delete(lvl)
	}
	return true
}

func (s *bookSide) snapshot() []models.DepthEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DepthEntry, 0, s.levels.Len())
	s.levels.Ascend(func(l *level) bool {
		out = append(out, models.DepthEntry{Price: l.price, Quantity: l.quantity()})
		return true
	})
	return out
}

// Book is the local order book of one instrument.
type Book struct {
	instrument string
	bids       *bookSide
	asks       *bookSide
}

func newBook(instrument string) *Book {
	return &Book{
		instrument: instrument,
		bids:       newBookSide(models.SideBuy),
		asks:       newBookSide(models.SideSell),
	}
}

func (b *Book) side(s models.Side) *bookSide {
	if s == models.SideBuy {
		return b.bids
	}
	return b.asks
}
