// Package executor is the only component permitted to submit orders to the
// exchange. Everything else talks to it through OrderRequest/OrderResult; the
// full trading client is handed to this package alone, so a fresh order
// placement from anywhere else does not compile.
package executor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/clob"
	"github.com/web3guy0/polycopy/lease"
	"github.com/web3guy0/polycopy/storage"
)

// TradingClient is the slice of the exchange client the executor needs.
type TradingClient interface {
	OrderBook(tokenID string) (*clob.OrderBook, error)
	PlaceFOK(tokenID string, side clob.Side, price, size decimal.Decimal) (*clob.OrderResponse, error)
}

// Config tunes the guarded executor.
type Config struct {
	TooOldHours        int
	RetryLimit         int
	MaxSlippageBps     int64
	MinOrderSizeUsd    decimal.Decimal
	MinOrderSizeTokens decimal.Decimal
	Viability          ViabilityConfig
	Edge               EdgeConfig
}

func DefaultConfig() Config {
	return Config{
		TooOldHours:        24,
		RetryLimit:         3,
		MaxSlippageBps:     500,
		MinOrderSizeUsd:    decimal.NewFromInt(1),
		MinOrderSizeTokens: decimal.NewFromInt(1),
		Viability:          DefaultViability(),
		Edge:               DefaultEdge(),
	}
}

// Clamp enforces every hard cap the gates carry.
func (c Config) Clamp() Config {
	if c.MaxSlippageBps > 1000 || c.MaxSlippageBps <= 0 {
		c.MaxSlippageBps = 1000
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.TooOldHours <= 0 {
		c.TooOldHours = 24
	}
	if c.MinOrderSizeUsd.IsZero() {
		c.MinOrderSizeUsd = decimal.NewFromInt(1)
	}
	if c.MinOrderSizeTokens.IsZero() {
		c.MinOrderSizeTokens = decimal.NewFromInt(1)
	}
	c.Viability = c.Viability.Clamp()
	c.Edge = c.Edge.Clamp()
	return c
}

// OrderRequest carries one intended follower order plus the trade context the
// gates need. TradeID is zero for ad hoc orders with no backing record.
type OrderRequest struct {
	Side    clob.Side
	Merge   bool
	TokenID string

	// USD for BUY, tokens for SELL.
	Amount decimal.Decimal

	TraderPrice     decimal.Decimal
	EndDate         string
	MyPositionSize  decimal.Decimal
	MyPositionValue decimal.Decimal

	TradeID             uint
	TradeSize           decimal.Decimal
	TradeUsdcSize       decimal.Decimal
	TradeTimestamp      int64
	LeaderPositionAfter decimal.Decimal
	MarketSlug          string
}

// exit reports whether the order closes a position.
func (r *OrderRequest) exit() bool {
	return r.Side == clob.SideSell || r.Merge
}

// OrderResult is the executor's verdict. Exactly one of Executed, Skipped,
// Failed is set.
type OrderResult struct {
	Executed bool
	Skipped  bool
	Failed   bool

	FilledSize   decimal.Decimal // USD
	FilledTokens decimal.Decimal
	AvgFillPrice decimal.Decimal

	Reason            string
	Retryable         bool
	OrderID           string
	IdempotencyKey    string
	NeedsManualReview bool
}

// Skip reasons the rest of the pipeline keys off.
const (
	ReasonAlreadyExecuted  = "idempotency_already_executed"
	ReasonIdempotencyRace  = "idempotency_in_progress"
	ReasonLeaseFailed      = "lease_acquisition_failed"
	ReasonInsufficient     = "insufficient_funds_or_allowance"
	ReasonRetriesExhausted = "max_retries_exceeded"
	ReasonNoPosition       = "no_position_to_sell"
)

func skipped(reason string) *OrderResult {
	return &OrderResult{Skipped: true, Reason: reason}
}
func failed(reason string, retryable bool) *OrderResult {
	return &OrderResult{Failed: true, Reason: reason, Retryable: retryable}
}

// Executor runs the gate chain and the fill-or-kill execution loop.
type Executor struct {
	client TradingClient
	store  *storage.Store
	leases *lease.Manager
	cfg    Config
}

func New(client TradingClient, store *storage.Store, leases *lease.Manager, cfg Config) *Executor {
	return &Executor{client: client, store: store, leases: leases, cfg: cfg.Clamp()}
}

// Execute runs the full guarded path for one order and, when the request is
// backed by a trade record, writes the outcome back and releases the lease on
// every exit path.
func (e *Executor) Execute(req *OrderRequest) *OrderResult {
	res := e.run(req)

	if req.TradeID != 0 {
		e.writeBack(req, res)
		e.leases.Release(req.TradeID)
	}

	evt := log.Info()
	if res.Failed {
		evt = log.Error()
	}
	evt.Uint("record", req.TradeID).
		Str("side", string(req.Side)).
		Str("market", req.MarketSlug).
		Bool("executed", res.Executed).
		Str("reason", res.Reason).
		Str("filled", res.FilledSize.StringFixed(2)).
		Msg("Execution finished")

	return res
}

func (e *Executor) run(req *OrderRequest) *OrderResult {
	// Gate 1: timestamp freshness, fail closed on a missing timestamp.
	if req.TradeID != 0 {
		if req.TradeTimestamp == 0 {
			return skipped("missing_timestamp")
		}
		age := time.Now().Unix() - req.TradeTimestamp
		if age > int64(e.cfg.TooOldHours)*3600 {
			return skipped(fmt.Sprintf("trade_too_old_%dh", e.cfg.TooOldHours))
		}
	}

	// Gate 2: durable idempotency pre-check.
	if req.TradeID != 0 {
		rec, err := e.store.Get(req.TradeID)
		if err != nil {
			return failed(fmt.Sprintf("record_read: %v", err), true)
		}
		if rec.IdempotencyKey != nil || rec.ClobOrderID != "" || rec.State == storage.StateExecuted {
			// A reserved key on a still-workable record means an earlier
			// attempt failed after reservation. The order must never reach
			// the exchange again, so the record is pinned terminal here;
			// otherwise the work query keeps re-offering it and every pass
			// ends on this skip, leaving it claimed with no lease.
			if rec.State == storage.StateFailed || rec.State == storage.StateClaimed {
				if _, err := e.store.FinalizeReserved(req.TradeID, e.cfg.RetryLimit); err != nil {
					log.Error().Err(err).Uint("record", req.TradeID).Msg("Finalize reserved record failed")
				}
			}
			res := skipped(ReasonAlreadyExecuted)
			res.OrderID = rec.ClobOrderID
			if rec.IdempotencyKey != nil {
				res.IdempotencyKey = *rec.IdempotencyKey
			}
			return res
		}

		// Gate 3: lease acquisition, idempotent when this worker already
		// holds the claim.
		ok, err := e.leases.Acquire(req.TradeID)
		if err != nil || !ok {
			return failed(ReasonLeaseFailed, true)
		}
	}

	// Gate 4: market viability. The only gate that touches the network.
	book, err := e.client.OrderBook(req.TokenID)
	if err != nil {
		return failed(fmt.Sprintf("order_book_fetch: %v", err), true)
	}
	if v := checkViability(book, req.Side, req.EndDate, e.cfg.Viability, time.Now()); !v.viable {
		if req.exit() && v.softForExit() {
			log.Warn().
				Str("market", req.MarketSlug).
				Str("check", string(v.check)).
				Str("reason", v.reason).
				Msg("Viability warning on exit, proceeding")
		} else {
			return skipped(v.reason)
		}
	}

	// Gate 5: edge filters.
	if req.TradeID != 0 {
		if reason := checkEdge(req, e.cfg.Edge); reason != "" {
			return skipped(reason)
		}
	}

	// Gate 6: selling requires something to sell.
	if req.exit() && !req.MyPositionSize.IsPositive() {
		return skipped(ReasonNoPosition)
	}

	// Gate 7: minimum order size.
	if req.Side == clob.SideBuy {
		if req.Amount.LessThan(e.cfg.MinOrderSizeUsd) {
			return skipped("below_min_order_size_usd")
		}
	} else if req.Amount.LessThan(e.cfg.MinOrderSizeTokens) {
		return skipped("below_min_order_size_tokens")
	}

	// Idempotency reservation. Losing the race means another worker is
	// already executing this record.
	key := ""
	if req.TradeID != 0 {
		key = fmt.Sprintf("%d-%s-%s-%s", req.TradeID, req.Side, shortID(req.TokenID), uuid.NewString())
		won, err := e.store.ReserveIdempotency(req.TradeID, key)
		if err != nil {
			return failed(fmt.Sprintf("idempotency_reserve: %v", err), true)
		}
		if !won {
			return skipped(ReasonIdempotencyRace)
		}
	}

	res := e.fillLoop(req)
	res.IdempotencyKey = key
	return res
}

// fillLoop submits fill-or-kill sub-orders against the best level until the
// remainder drops below the minimum, the retry budget runs out, the book goes
// empty, or slippage blocks further fills.
func (e *Executor) fillLoop(req *OrderRequest) *OrderResult {
	remaining := req.Amount
	filledTokens := decimal.Zero
	filledUsd := decimal.Zero
	orderID := ""
	retries := 0
	hardAbort := false
	slippageReason := ""

	minRemaining := e.cfg.MinOrderSizeUsd
	if req.Side == clob.SideSell {
		minRemaining = e.cfg.MinOrderSizeTokens
	}

	for remaining.GreaterThanOrEqual(minRemaining) && retries < e.cfg.RetryLimit {
		book, err := e.client.OrderBook(req.TokenID)
		if err != nil {
			retries++
			continue
		}

		var level clob.PriceLevel
		var ok bool
		if req.Side == clob.SideBuy {
			level, ok = book.BestAsk()
		} else {
			level, ok = book.BestBid()
		}
		if !ok {
			break
		}

		if reason := e.slippage(req, level.Price); reason != "" {
			slippageReason = reason
			break
		}

		var price, tokens decimal.Decimal
		price = level.Price
		if req.Side == clob.SideBuy {
			levelUsd := level.Size.Mul(price)
			usd := decimal.Min(remaining, levelUsd)
			tokens = usd.Div(price)
		} else {
			tokens = decimal.Min(remaining, level.Size)
		}

		resp, err := e.client.PlaceFOK(req.TokenID, req.Side, price, tokens)
		if err != nil {
			msg := err.Error()
			if resp != nil {
				if m := resp.ErrorMessage(); m != "" {
					msg = m
				}
			}
			if clob.IsNonRetryable(msg) {
				hardAbort = true
				break
			}
			log.Warn().Err(err).Int("retry", retries+1).Msg("Sub-order failed, retrying")
			retries++
			continue
		}

		orderID = resp.OrderID
		fillUsd := tokens.Mul(price)
		filledTokens = filledTokens.Add(tokens)
		filledUsd = filledUsd.Add(fillUsd)
		if req.Side == clob.SideBuy {
			remaining = remaining.Sub(fillUsd)
		} else {
			remaining = remaining.Sub(tokens)
		}
		retries = 0

		if req.TradeID != 0 {
			e.leases.Extend(req.TradeID)
		}
	}

	switch {
	case hardAbort:
		res := failed(ReasonInsufficient, false)
		res.FilledSize = filledUsd
		res.FilledTokens = filledTokens
		res.OrderID = orderID
		return res
	case retries >= e.cfg.RetryLimit:
		res := failed(ReasonRetriesExhausted, true)
		res.FilledSize = filledUsd
		res.FilledTokens = filledTokens
		res.OrderID = orderID
		return res
	case slippageReason != "" && filledTokens.IsZero():
		return skipped(slippageReason)
	case filledTokens.IsPositive():
		res := &OrderResult{
			Executed:     true,
			FilledSize:   filledUsd,
			FilledTokens: filledTokens,
			AvgFillPrice: filledUsd.Div(filledTokens),
			OrderID:      orderID,
		}
		res.NeedsManualReview = e.outOfBand(req, res)
		return res
	default:
		return skipped("no_liquidity")
	}
}

// slippage checks the price against the leader's execution price. Empty
// string means the fill may proceed.
func (e *Executor) slippage(req *OrderRequest, price decimal.Decimal) string {
	if !req.TraderPrice.IsPositive() {
		return ""
	}
	var slip decimal.Decimal
	if req.Side == clob.SideBuy {
		slip = price.Sub(req.TraderPrice)
	} else {
		slip = req.TraderPrice.Sub(price)
	}
	bps := slip.Div(req.TraderPrice).Mul(decimal.NewFromInt(10000))
	if bps.GreaterThan(decimal.NewFromInt(e.cfg.MaxSlippageBps)) {
		return fmt.Sprintf("slippage_%dbps_exceeds_max_%dbps", bps.Round(0).IntPart(), e.cfg.MaxSlippageBps)
	}
	return ""
}

// outOfBand flags fills whose size disagrees with the intent enough to need a
// human: a fill ratio outside [0.80, 1.20] or an overfill past rounding.
func (e *Executor) outOfBand(req *OrderRequest, res *OrderResult) bool {
	filled := res.FilledSize
	if req.Side == clob.SideSell {
		filled = res.FilledTokens
	}
	if filled.GreaterThan(req.Amount.Add(decimal.NewFromFloat(0.01))) {
		return true
	}
	if !req.Amount.IsPositive() {
		return false
	}
	ratio := filled.Div(req.Amount)
	return ratio.LessThan(decimal.NewFromFloat(0.80)) || ratio.GreaterThan(decimal.NewFromFloat(1.20))
}

// writeBack persists the outcome on the backing record. Results that mean
// "someone else owns this record" deliberately write nothing.
func (e *Executor) writeBack(req *OrderRequest, res *OrderResult) {
	if res.Reason == ReasonAlreadyExecuted || res.Reason == ReasonIdempotencyRace || res.Reason == ReasonLeaseFailed {
		return
	}

	var err error
	switch {
	case res.Executed:
		bought := decimal.Zero
		if req.Side == clob.SideBuy {
			bought = res.FilledTokens
		}
		expected := decimal.Zero
		if req.Side == clob.SideBuy && req.TraderPrice.IsPositive() {
			expected = req.Amount.Div(req.TraderPrice)
		} else if req.Side == clob.SideSell {
			expected = req.Amount
		}
		err = e.store.MarkExecuted(req.TradeID, storage.ExecutionOutcome{
			IntendedSize:      req.Amount,
			FilledSize:        res.FilledSize,
			ActualTokens:      res.FilledTokens,
			AvgFillPrice:      res.AvgFillPrice,
			ExpectedTokens:    expected,
			OrderID:           res.OrderID,
			NeedsManualReview: res.NeedsManualReview,
			BoughtSize:        bought,
		})
	case res.Skipped:
		err = e.store.MarkSkipped(req.TradeID, res.Reason, req.Amount)
	case res.Failed:
		err = e.store.MarkFailed(req.TradeID, res.Reason, res.Retryable, e.cfg.RetryLimit, req.Amount)
	}
	if err != nil {
		log.Error().Err(err).Uint("record", req.TradeID).Msg("Outcome writeback failed")
	}
}

func shortID(tokenID string) string {
	if len(tokenID) > 12 {
		return tokenID[:12]
	}
	return tokenID
}
