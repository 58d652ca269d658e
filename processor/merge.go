package processor

import (
	"sort"
	"time"

	"bookflow/models"

	"github.com/shopspring/decimal"
)

type mergeLevel struct {
	price    decimal.Decimal
	local    decimal.Decimal
	external decimal.Decimal
}

// Merge combines a local side snapshot with the external entries for the
// same side. Quantities at equal prices are summed exactly; the level is
// attributed LOCAL whenever the local book contributes. Entries with a
// non-positive price or quantity are ignored. The result is sorted best
// price first and truncated to depthLimit.
func Merge(local, external []models.DepthEntry, side models.Side, depthLimit int) []models.CombinedLevel {
	if depthLimit <= 0 {
		return []models.CombinedLevel{}
	}

	levels := make(map[string]*mergeLevel, len(local)+len(external))
	add := func(entries []models.DepthEntry, isLocal bool) {
		for _, e := range entries {
			if !e.Price.IsPositive() || !e.Quantity.IsPositive() {
				continue
			}
			key := e.Price.String()
			lvl, ok := levels[key]
			if !ok {
				lvl = &mergeLevel{price: e.Price, local: decimal.Zero, external: decimal.Zero}
				levels[key] = lvl
			}
			if isLocal {
				lvl.local = lvl.local.Add(e.Quantity)
			} else {
				lvl.external = lvl.external.Add(e.Quantity)
			}
		}
	}
	add(local, true)
	add(external, false)

	sorted := make([]*mergeLevel, 0, len(levels))
	for _, lvl := range levels {
		sorted = append(sorted, lvl)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if side == models.SideBuy {
			return sorted[i].price.GreaterThan(sorted[j].price)
		}
		return sorted[i].price.LessThan(sorted[j].price)
	})
	if len(sorted) > depthLimit {
		sorted = sorted[:depthLimit]
	}

	out := make([]models.CombinedLevel, 0, len(sorted))
	for _, lvl := range sorted {
		source := models.SourceExternal
		if lvl.local.IsPositive() {
			source = models.SourceLocal
		}
		out = append(out, models.CombinedLevel{
			Price:    lvl.price,
			Quantity: lvl.local.Add(lvl.external),
			Source:   source,
		})
	}
	return out
}

// BuildSnapshot assembles an immutable combined view. Nil sides become empty
// lists so the payload always carries both arrays.
func BuildSnapshot(instrument string, bids, asks []models.CombinedLevel, now time.Time) models.CombinedBookSnapshot {
	if bids == nil {
		bids = []models.CombinedLevel{}
	}
	if asks == nil {
		asks = []models.CombinedLevel{}
	}
	return models.CombinedBookSnapshot{
		Instrument: instrument,
		Timestamp:  now.UnixMilli(),
		Bids:       bids,
		Asks:       asks,
	}
}
