package executor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/clob"
)

// ViabilityConfig tunes the market viability gate. Clamp enforces the
// non-overridable hard caps.
type ViabilityConfig struct {
	PriceLimit             decimal.Decimal
	MinTimeBeforeEndMinute int
	MaxSpreadBps           decimal.Decimal
	MinDepthUsd            decimal.Decimal
}

func DefaultViability() ViabilityConfig {
	return ViabilityConfig{
		PriceLimit:             decimal.NewFromFloat(0.90),
		MinTimeBeforeEndMinute: 60,
		MaxSpreadBps:           decimal.NewFromInt(500),
		MinDepthUsd:            decimal.NewFromInt(10),
	}
}

// Clamp pulls any configured value back inside the hard caps.
func (c ViabilityConfig) Clamp() ViabilityConfig {
	if limit := decimal.NewFromFloat(0.95); c.PriceLimit.GreaterThan(limit) || c.PriceLimit.IsZero() {
		c.PriceLimit = limit
	}
	if c.MinTimeBeforeEndMinute < 5 {
		c.MinTimeBeforeEndMinute = 5
	}
	if cap := decimal.NewFromInt(2000); c.MaxSpreadBps.GreaterThan(cap) || c.MaxSpreadBps.IsZero() {
		c.MaxSpreadBps = cap
	}
	if floor := decimal.NewFromFloat(0.50); c.MinDepthUsd.LessThan(floor) {
		c.MinDepthUsd = floor
	}
	return c
}

// viabilityCheck names which check produced the verdict.
type viabilityCheck string

const (
	checkResolved  viabilityCheck = "resolved"
	checkTimeToEnd viabilityCheck = "time_to_end"
	checkSpread    viabilityCheck = "spread"
	checkDepth     viabilityCheck = "depth"
)

// viability is the gate's structured verdict. A soft failure may be
// downgraded to a warning on exit paths.
type viability struct {
	viable bool
	check  viabilityCheck
	reason string
}

// softForExit reports whether this failure is only advisory when closing a
// position. Price and time failures are; illiquidity is not.
func (v viability) softForExit() bool {
	return v.check == checkResolved || v.check == checkTimeToEnd
}

// checkViability inspects the book and market metadata. The book side
// relevant to the order (asks for BUY, bids for SELL) drives the depth check.
// Illiquidity verdicts win over price/time verdicts so an exit that would be
// waved through on time-to-end alone is still blocked in a dead book.
func checkViability(book *clob.OrderBook, side clob.Side, endDate string, cfg ViabilityConfig, now time.Time) viability {
	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()

	var soft *viability
	if hasBid && bid.Price.GreaterThanOrEqual(cfg.PriceLimit) {
		soft = &viability{check: checkResolved, reason: fmt.Sprintf("market_appears_resolved_bid_%s", bid.Price.StringFixed(3))}
	} else if hasAsk && ask.Price.LessThanOrEqual(decimal.NewFromInt(1).Sub(cfg.PriceLimit)) {
		soft = &viability{check: checkResolved, reason: fmt.Sprintf("market_appears_resolved_ask_%s", ask.Price.StringFixed(3))}
	}

	if soft == nil {
		if end, ok := parseEndDate(endDate); ok {
			minutesLeft := end.Sub(now).Minutes()
			if minutesLeft < float64(cfg.MinTimeBeforeEndMinute) {
				soft = &viability{check: checkTimeToEnd, reason: fmt.Sprintf("ends_in_%.0fmin_need_%dmin", minutesLeft, cfg.MinTimeBeforeEndMinute)}
			}
		}
	}

	if spread, ok := book.SpreadBps(); ok && spread.GreaterThan(cfg.MaxSpreadBps) {
		return viability{check: checkSpread, reason: fmt.Sprintf("spread_%sbps_exceeds_%sbps", spread.StringFixed(0), cfg.MaxSpreadBps.StringFixed(0))}
	}

	relevant := book.Asks
	if side == clob.SideSell {
		relevant = book.Bids
	}
	if depth := clob.DepthUsd(relevant); depth.LessThan(cfg.MinDepthUsd) {
		return viability{check: checkDepth, reason: fmt.Sprintf("depth_%s_below_%s", depth.StringFixed(2), cfg.MinDepthUsd.StringFixed(2))}
	}

	if soft != nil {
		return *soft
	}
	return viability{viable: true}
}

var endDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05-07",
	"2006-01-02",
}

func parseEndDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range endDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
