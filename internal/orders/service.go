package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookflow/internal/book"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// ErrNotFound covers both unknown ids and ids owned by someone else.
var ErrNotFound = errors.New("order not found")

// SubmitRequest carries the caller-supplied fields of a new order.
type SubmitRequest struct {
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Instrument string `json:"instrument"`
}

// Service is the entry point for order submission and cancellation on
// behalf of an already authenticated owner.
type Service struct {
	registry          *book.Registry
	defaultInstrument string
	instruments       map[string]struct{}
	now               func() time.Time
	newID             func() string
	log               *logger.Log
}

// NewService accepts orders for the given instruments only. The first one is
// used when a request names none.
func NewService(registry *book.Registry, instruments ...string) *Service {
	allowed := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		allowed[strings.ToUpper(strings.TrimSpace(inst))] = struct{}{}
	}
	var def string
	if len(instruments) > 0 {
		def = strings.ToUpper(strings.TrimSpace(instruments[0]))
	}
	return &Service{
		registry:          registry,
		defaultInstrument: def,
		instruments:       allowed,
		now:               time.Now,
		newID:             uuid.NewString,
		log:               logger.GetLogger(),
	}
}

func parsePositive(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s %q is not a decimal", book.ErrInvalidOrder, field, value)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must be positive", book.ErrInvalidOrder, field)
	}
	return d, nil
}

// Submit validates the request, creates the order and rests it on the book.
// Validation failures wrap book.ErrInvalidOrder and leave the book untouched.
func (s *Service) Submit(owner string, req SubmitRequest) (models.Order, error) {
	if owner == "" {
		return models.Order{}, fmt.Errorf("%w: missing owner", book.ErrInvalidOrder)
	}
	side, ok := models.ParseSide(req.Side)
	if !ok {
		return models.Order{}, fmt.Errorf("%w: side %q", book.ErrInvalidOrder, req.Side)
	}
	price, err := parsePositive("price", req.Price)
	if err != nil {
		return models.Order{}, err
	}
	qty, err := parsePositive("quantity", req.Quantity)
	if err != nil {
		return models.Order{}, err
	}
	instrument := strings.ToUpper(strings.TrimSpace(req.Instrument))
	if instrument == "" {
		instrument = s.defaultInstrument
	}
	if _, ok := s.instruments[instrument]; !ok {
		return models.Order{}, fmt.Errorf("%w: instrument %q is not traded", book.ErrInvalidOrder, instrument)
	}

	order := models.Order{
		ID:         s.newID(),
		Owner:      owner,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		Instrument: instrument,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.registry.Insert(order); err != nil {
		return models.Order{}, err
	}

	metrics.IncOrdersSubmitted()
	s.log.WithComponent("orders").WithFields(logger.Fields{
		"order_id":   order.ID,
		"owner":      owner,
		"instrument": instrument,
		"side":       side,
	}).Info("order submitted")
	return order, nil
}

// Cancel removes the owner's order. It reports false for unknown ids and for
// ids that belong to another owner, without telling the two apart.
func (s *Service) Cancel(owner, orderID string) bool {
	order, ok := s.registry.Lookup(orderID)
	if !ok || order.Owner != owner {
		return false
	}
	if !s.registry.Remove(orderID) {
		return false
	}

	metrics.IncOrdersCancelled()
	s.log.WithComponent("orders").WithFields(logger.Fields{
		"order_id":   orderID,
		"owner":      owner,
		"instrument": order.Instrument,
	}).Info("order cancelled")
	return true
}

// List returns the owner's resting orders, newest first.
func (s *Service) List(owner string) []models.Order {
	return s.registry.OrdersByOwner(owner)
}

func (s *Service) Get(owner, orderID string) (models.Order, error) {
	order, ok := s.registry.Lookup(orderID)
	if !ok || order.Owner != owner {
		return models.Order{}, ErrNotFound
	}
	return order, nil
}
