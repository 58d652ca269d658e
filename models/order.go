package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or a book side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalises user input ("buy", "BID", "sell", "ask") to a Side.
// The second value is false when the input is not recognised.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "BID":
		return SideBuy, true
	case "SELL", "ASK":
		return SideSell, true
	default:
		return "", false
	}
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Order is a locally submitted resting order. It is immutable once created;
// the book hands out copies.
type Order struct {
	ID         string          `json:"orderId"`
	Owner      string          `json:"owner"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Instrument string          `json:"instrument"`
	CreatedAt  time.Time       `json:"createdAt"`
}
