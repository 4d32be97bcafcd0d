package executor

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/clob"
)

// EdgeConfig tunes the cheap heuristics that veto low-expectancy copy trades.
type EdgeConfig struct {
	MinPositionDeltaUsd       decimal.Decimal
	RequirePositionForSell    bool
	MinTradePercentOfPosition decimal.Decimal
}

func DefaultEdge() EdgeConfig {
	return EdgeConfig{
		MinPositionDeltaUsd:       decimal.NewFromInt(1),
		RequirePositionForSell:    true,
		MinTradePercentOfPosition: decimal.NewFromInt(5),
	}
}

// Clamp enforces the hard floors.
func (c EdgeConfig) Clamp() EdgeConfig {
	if floor := decimal.NewFromFloat(0.50); c.MinPositionDeltaUsd.LessThan(floor) {
		c.MinPositionDeltaUsd = floor
	}
	if floor := decimal.NewFromInt(1); c.MinTradePercentOfPosition.LessThan(floor) {
		c.MinTradePercentOfPosition = floor
	}
	return c
}

// checkEdge applies the edge filters to a copy trade with trade context.
// Returns an empty reason when the trade passes.
func checkEdge(req *OrderRequest, cfg EdgeConfig) string {
	// A feed entry without a usdc size reads as zero and fails the floor.
	if req.TradeUsdcSize.LessThan(cfg.MinPositionDeltaUsd) {
		return "below_min_position_delta"
	}

	if req.Side == clob.SideSell {
		if cfg.RequirePositionForSell && !req.MyPositionSize.IsPositive() {
			return "no_position_to_sell"
		}
		// Ignore tiny rebalances relative to what the leader holds.
		before := req.LeaderPositionAfter.Add(req.TradeSize)
		if before.IsPositive() {
			percent := req.TradeSize.Div(before).Mul(decimal.NewFromInt(100))
			if percent.LessThan(cfg.MinTradePercentOfPosition) {
				return "below_min_trade_percent_of_position"
			}
		}
	}
	return ""
}
