package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

const exchangeName = "binance"

var ErrMalformedDepth = errors.New("malformed depth payload")

// decodeDepth accepts either a bare partial depth payload or one wrapped in
// a combined-stream envelope. The stream name is returned when present.
func decodeDepth(data []byte) (models.BinancePartialDepthResp, string, error) {
	var env models.BinanceCombinedStreamMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return models.BinancePartialDepthResp{}, "", fmt.Errorf("%w: %v", ErrMalformedDepth, err)
	}

	body := data
	if env.Stream != "" && len(env.Data) > 0 {
		body = env.Data
	}

	var resp models.BinancePartialDepthResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.BinancePartialDepthResp{}, env.Stream, fmt.Errorf("%w: %v", ErrMalformedDepth, err)
	}
	if resp.Bids == nil && resp.Asks == nil {
		return models.BinancePartialDepthResp{}, env.Stream, fmt.Errorf("%w: no bids or asks", ErrMalformedDepth)
	}
	return resp, env.Stream, nil
}

// parseLevels converts [price, quantity] pairs. Levels with zero quantity are
// skipped; any unparseable or negative level rejects the whole side.
func parseLevels(raw [][]string) ([]models.DepthEntry, error) {
	out := make([]models.DepthEntry, 0, len(raw))
	for i, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("%w: level %d has %d fields", ErrMalformedDepth, i, len(lvl))
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("%w: level %d price %q", ErrMalformedDepth, i, lvl[0])
		}
		qty, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("%w: level %d quantity %q", ErrMalformedDepth, i, lvl[1])
		}
		if !price.IsPositive() || qty.IsNegative() {
			return nil, fmt.Errorf("%w: level %d out of range (%s, %s)", ErrMalformedDepth, i, lvl[0], lvl[1])
		}
		if qty.IsZero() {
			continue
		}
		out = append(out, models.DepthEntry{Price: price, Quantity: qty})
	}
	return out, nil
}

// toSnapshots turns one partial depth message into a bid and an ask
// snapshot. Either both sides parse or neither is returned.
func toSnapshots(instrument string, resp models.BinancePartialDepthResp, receivedAt time.Time) ([]models.ExternalDepthSnapshot, error) {
	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	return []models.ExternalDepthSnapshot{
		{Exchange: exchangeName, Instrument: instrument, Side: models.SideBuy, Entries: bids, LastUpdateID: resp.LastUpdateID, ReceivedAt: receivedAt},
		{Exchange: exchangeName, Instrument: instrument, Side: models.SideSell, Entries: asks, LastUpdateID: resp.LastUpdateID, ReceivedAt: receivedAt},
	}, nil
}

// streamName is the partial depth stream for a symbol, e.g. btcusdt@depth5@100ms.
func streamName(symbol string, levels, intervalMs int) string {
	name := fmt.Sprintf("%s@depth%d", strings.ToLower(symbol), levels)
	if intervalMs == 100 {
		name += "@100ms"
	}
	return name
}

// symbolFromStream recovers the upper-case symbol from a stream name.
func symbolFromStream(stream string) string {
	if i := strings.IndexByte(stream, '@'); i > 0 {
		return strings.ToUpper(stream[:i])
	}
	return strings.ToUpper(stream)
}
