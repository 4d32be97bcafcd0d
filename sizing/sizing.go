// Package sizing translates a leader trade into a follower order size.
package sizing

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Mode selects how the base amount is derived from the leader trade.
type Mode string

const (
	ModePercentage Mode = "PERCENTAGE"
	ModeFixed      Mode = "FIXED"
	ModeAdaptive   Mode = "ADAPTIVE"
)

// Tier maps a leader trade size threshold to a multiplier. Tiers are matched
// by the largest MinUsd not exceeding the leader's USD size.
type Tier struct {
	MinUsd     decimal.Decimal `json:"minUsd"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Knot is one point of the adaptive scaling schedule. Factor is the fraction
// of the leader's USD size copied at that size; between knots the factor is
// interpolated linearly.
type Knot struct {
	LeaderUsd decimal.Decimal `json:"leaderUsd"`
	Factor    decimal.Decimal `json:"factor"`
}

// Config is parsed from COPY_STRATEGY_CONFIG.
type Config struct {
	Mode        Mode            `json:"mode"`
	CopyPercent decimal.Decimal `json:"copyPercent"`
	FixedAmount decimal.Decimal `json:"fixedAmount"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	Tiers       []Tier          `json:"tiers"`
	Knots       []Knot          `json:"knots"`

	MaxOrderSize       decimal.Decimal `json:"maxOrderSize"`
	MinOrderSizeUsd    decimal.Decimal `json:"minOrderSizeUsd"`
	MinOrderSizeTokens decimal.Decimal `json:"minOrderSizeTokens"`

	// Follower exposure in one market may not exceed this fraction of equity.
	PositionValueCapFraction decimal.Decimal `json:"positionValueCapFraction"`

	// Fallback fraction of the follower position sold when no tracked
	// purchases exist.
	SellRatio decimal.Decimal `json:"sellRatio"`
}

// Reserve 1% of balance for fees and rounding dust.
var balanceCapFactor = decimal.NewFromFloat(0.99)

// Default returns a conservative configuration used when COPY_STRATEGY_CONFIG
// is not set.
func Default() Config {
	return Config{
		Mode:               ModePercentage,
		CopyPercent:        decimal.NewFromFloat(0.1),
		Multiplier:         decimal.NewFromInt(1),
		MaxOrderSize:       decimal.NewFromInt(100),
		MinOrderSizeUsd:    decimal.NewFromInt(1),
		MinOrderSizeTokens: decimal.NewFromInt(1),
		SellRatio:          decimal.NewFromInt(1),
	}
}

// Parse decodes a COPY_STRATEGY_CONFIG JSON document, filling unset fields
// from Default.
func Parse(raw string) (Config, error) {
	cfg := Default()
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse strategy config: %w", err)
	}
	switch cfg.Mode {
	case ModePercentage, ModeFixed, ModeAdaptive:
	case "":
		cfg.Mode = ModePercentage
	default:
		return Config{}, fmt.Errorf("unknown sizing mode %q", cfg.Mode)
	}
	if cfg.Multiplier.IsZero() {
		cfg.Multiplier = decimal.NewFromInt(1)
	}
	if cfg.MinOrderSizeUsd.IsZero() {
		cfg.MinOrderSizeUsd = decimal.NewFromInt(1)
	}
	if cfg.MinOrderSizeTokens.IsZero() {
		cfg.MinOrderSizeTokens = decimal.NewFromInt(1)
	}
	if cfg.SellRatio.IsZero() {
		cfg.SellRatio = decimal.NewFromInt(1)
	}
	return cfg, nil
}

// BuyAmount computes the follower's USD order size for a leader BUY.
// balance is the follower's available USDC, positionValue the current USD
// value of the follower's position in this market, and equity the follower's
// total account value used by the position cap.
func (c Config) BuyAmount(leaderUsdcSize, balance, positionValue, equity decimal.Decimal) decimal.Decimal {
	var base decimal.Decimal
	switch c.Mode {
	case ModeFixed:
		base = c.FixedAmount
	case ModeAdaptive:
		base = leaderUsdcSize.Mul(c.adaptiveFactor(leaderUsdcSize))
	default:
		base = leaderUsdcSize.Mul(c.CopyPercent)
	}

	amount := base.Mul(c.multiplierFor(leaderUsdcSize))

	if c.MaxOrderSize.IsPositive() && amount.GreaterThan(c.MaxOrderSize) {
		amount = c.MaxOrderSize
	}
	if c.PositionValueCapFraction.IsPositive() {
		headroom := equity.Mul(c.PositionValueCapFraction).Sub(positionValue)
		if headroom.IsNegative() {
			headroom = decimal.Zero
		}
		if amount.GreaterThan(headroom) {
			amount = headroom
		}
	}
	if cap := balance.Mul(balanceCapFactor); amount.GreaterThan(cap) {
		amount = cap
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// SellTokens computes the follower's token sell size for a leader SELL.
// trackedTokens is the sum of surviving myBoughtSize for this asset.
func (c Config) SellTokens(trackedTokens, leaderTradeSize, leaderPositionAfter, followerPosition decimal.Decimal) decimal.Decimal {
	var tokens decimal.Decimal
	switch {
	case leaderPositionAfter.LessThanOrEqual(decimal.Zero):
		// Leader exited the market entirely.
		tokens = followerPosition
	case trackedTokens.IsPositive():
		before := leaderPositionAfter.Add(leaderTradeSize)
		if before.IsPositive() {
			tokens = trackedTokens.Mul(leaderTradeSize).Div(before)
		}
	default:
		tokens = followerPosition.Mul(c.SellRatio)
	}
	if tokens.GreaterThan(followerPosition) {
		tokens = followerPosition
	}
	if tokens.IsNegative() {
		return decimal.Zero
	}
	return tokens
}

func (c Config) multiplierFor(leaderUsdcSize decimal.Decimal) decimal.Decimal {
	mult := c.Multiplier
	for _, t := range c.Tiers {
		if leaderUsdcSize.GreaterThanOrEqual(t.MinUsd) {
			mult = t.Multiplier
		}
	}
	return mult
}

// adaptiveFactor interpolates the scaling schedule at the leader's USD size.
// Outside the knot range the nearest factor is used.
func (c Config) adaptiveFactor(leaderUsdcSize decimal.Decimal) decimal.Decimal {
	if len(c.Knots) == 0 {
		return c.CopyPercent
	}
	first := c.Knots[0]
	if leaderUsdcSize.LessThanOrEqual(first.LeaderUsd) {
		return first.Factor
	}
	for i := 1; i < len(c.Knots); i++ {
		lo, hi := c.Knots[i-1], c.Knots[i]
		if leaderUsdcSize.LessThanOrEqual(hi.LeaderUsd) {
			span := hi.LeaderUsd.Sub(lo.LeaderUsd)
			if span.IsZero() {
				return hi.Factor
			}
			frac := leaderUsdcSize.Sub(lo.LeaderUsd).Div(span)
			return lo.Factor.Add(hi.Factor.Sub(lo.Factor).Mul(frac))
		}
	}
	return c.Knots[len(c.Knots)-1].Factor
}
