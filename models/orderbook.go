package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source tells a subscriber which side of the merge a level is shown for.
// It is a display hint, not an ownership fact.
type Source string

const (
	SourceLocal    Source = "LOCAL"
	SourceExternal Source = "EXTERNAL"
)

// DepthEntry represents a single aggregated price level.
type DepthEntry struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ExternalDepthSnapshot is one side of a top-N book delivered by the
// external market data source. It replaces the previous one wholesale.
type ExternalDepthSnapshot struct {
	Exchange     string
	Instrument   string
	Side         Side
	Entries      []DepthEntry
	LastUpdateID int64
	ReceivedAt   time.Time
}

// CombinedLevel is a merged price level. Quantity is the exact sum of the
// local and external contributions at Price.
type CombinedLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Source   Source          `json:"source"`
}

// CombinedBookSnapshot is the view pushed to subscribers. Bids are sorted
// descending and asks ascending, both truncated to the depth limit.
// Timestamp is in unix milliseconds.
type CombinedBookSnapshot struct {
	Instrument string          `json:"instrument"`
	Timestamp  int64           `json:"timestamp"`
	Bids       []CombinedLevel `json:"bids"`
	Asks       []CombinedLevel `json:"asks"`
}
