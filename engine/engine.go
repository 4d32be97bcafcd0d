// Package engine runs the trade executor loop: it drains unprocessed records,
// claims them, sizes the follower order, and hands it to the guarded
// executor. All order placement happens inside the executor package.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/clob"
	"github.com/web3guy0/polycopy/executor"
	"github.com/web3guy0/polycopy/lease"
	"github.com/web3guy0/polycopy/sizing"
	"github.com/web3guy0/polycopy/storage"
)

// AccountClient is the read-only account surface the loop needs for sizing.
type AccountClient interface {
	Balance() (decimal.Decimal, error)
	Positions(user string) ([]clob.Position, error)
}

// Notifier receives operator-facing events. Implementations must tolerate
// being called from the hot loop.
type Notifier interface {
	NotifyStuck(leader string, records []storage.TradeRecord)
	NotifyManualReview(record storage.TradeRecord, reason string)
}

// Config tunes the loop.
type Config struct {
	Leaders         []string
	FollowerAddress string
	Interval        time.Duration
	Batch           int
	RetryLimit      int
	Strategy        sizing.Config
}

type Engine struct {
	store    *storage.Store
	leases   *lease.Manager
	exec     *executor.Executor
	account  AccountClient
	notifier Notifier
	cfg      Config

	// Stuck records already alerted on; they stay stuck until an operator
	// acts, so each one alerts once per process.
	stuckAlerted map[uint]bool
}

func New(store *storage.Store, leases *lease.Manager, exec *executor.Executor, account AccountClient, notifier Notifier, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 300 * time.Millisecond
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	return &Engine{
		store:        store,
		leases:       leases,
		exec:         exec,
		account:      account,
		notifier:     notifier,
		cfg:          cfg,
		stuckAlerted: make(map[uint]bool),
	}
}

// Run drains records until the context is cancelled. In-flight executions run
// to completion; the loop stops at the next iteration boundary.
func (e *Engine) Run(ctx context.Context) {
	log.Info().
		Int("leaders", len(e.cfg.Leaders)).
		Dur("interval", e.cfg.Interval).
		Msg("Executor loop started")

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Executor loop stopped")
			return
		case <-ticker.C:
			for _, leader := range e.cfg.Leaders {
				e.TickLeader(leader)
			}
		}
	}
}

// TickLeader processes one batch for one leader: sweep stale leases, then
// claim and execute each eligible record in timestamp order.
func (e *Engine) TickLeader(leader string) {
	_, stuck, err := e.leases.Sweep(leader)
	if err != nil {
		log.Error().Err(err).Str("leader", leader).Msg("Lease sweep failed")
	} else if len(stuck) > 0 && e.notifier != nil {
		var fresh []storage.TradeRecord
		for _, r := range stuck {
			if !e.stuckAlerted[r.ID] {
				e.stuckAlerted[r.ID] = true
				fresh = append(fresh, r)
			}
		}
		if len(fresh) > 0 {
			e.notifier.NotifyStuck(leader, fresh)
		}
	}

	recs, err := e.store.Unprocessed(leader, e.cfg.Batch, e.cfg.RetryLimit)
	if err != nil {
		log.Error().Err(err).Str("leader", leader).Msg("Work query failed")
		return
	}

	for i := range recs {
		e.processRecord(leader, &recs[i])
	}
}

func (e *Engine) processRecord(leader string, rec *storage.TradeRecord) {
	ok, err := e.leases.Acquire(rec.ID)
	if err != nil {
		log.Error().Err(err).Uint("record", rec.ID).Msg("Lease acquire failed")
		return
	}
	if !ok {
		return
	}

	req, err := e.buildRequest(leader, rec)
	if err != nil {
		log.Error().Err(err).Uint("record", rec.ID).Msg("Request build failed")
		e.leases.Release(rec.ID)
		return
	}

	res := e.exec.Execute(req)

	if res.NeedsManualReview && e.notifier != nil {
		e.notifier.NotifyManualReview(*rec, res.Reason)
	}
	if res.Executed && req.Side == clob.SideSell && res.FilledTokens.IsPositive() {
		e.sellAccounting(leader, rec.TokenID, res.FilledTokens)
	}
}

// buildRequest fetches fresh balance and positions, classifies the trade, and
// sizes the follower order.
func (e *Engine) buildRequest(leader string, rec *storage.TradeRecord) (*executor.OrderRequest, error) {
	balance, err := e.account.Balance()
	if err != nil {
		return nil, err
	}
	followerPos, equity, err := e.positionAndEquity(e.cfg.FollowerAddress, rec.TokenID, balance)
	if err != nil {
		return nil, err
	}

	req := &executor.OrderRequest{
		TokenID:         rec.TokenID,
		TraderPrice:     rec.Price,
		EndDate:         rec.EndDate,
		MyPositionSize:  followerPos.size,
		MyPositionValue: followerPos.value,
		TradeID:         rec.ID,
		TradeSize:       rec.Size,
		TradeUsdcSize:   rec.UsdcSize,
		TradeTimestamp:  rec.Timestamp,
		MarketSlug:      rec.Slug,
	}

	switch e.classify(rec, followerPos.size) {
	case "BUY":
		req.Side = clob.SideBuy
		req.Amount = e.cfg.Strategy.BuyAmount(rec.UsdcSize, balance, followerPos.value, equity)
	case "MERGE":
		// A settled market's losing side: close out everything we hold.
		req.Side = clob.SideSell
		req.Merge = true
		req.Amount = followerPos.size
	default:
		req.Side = clob.SideSell
		leaderAfter, err := e.leaderPosition(leader, rec.TokenID)
		if err != nil {
			return nil, err
		}
		req.LeaderPositionAfter = leaderAfter
		tracked, err := e.trackedTokens(leader, rec.TokenID)
		if err != nil {
			return nil, err
		}
		req.Amount = e.cfg.Strategy.SellTokens(tracked, rec.Size, leaderAfter, followerPos.size)
	}
	return req, nil
}

// classify maps a record to BUY, SELL, or MERGE. A merge only matters when
// the follower actually holds the losing side.
func (e *Engine) classify(rec *storage.TradeRecord, followerSize decimal.Decimal) string {
	if rec.TradeType == "MERGE" && followerSize.IsPositive() {
		return "MERGE"
	}
	if rec.Side == string(clob.SideBuy) {
		return "BUY"
	}
	return "SELL"
}

type position struct {
	size  decimal.Decimal
	value decimal.Decimal
}

// positionAndEquity fetches the follower's live positions. Equity is the
// balance plus the current value of every position, used by the position cap.
func (e *Engine) positionAndEquity(owner, tokenID string, balance decimal.Decimal) (position, decimal.Decimal, error) {
	positions, err := e.account.Positions(owner)
	if err != nil {
		return position{}, decimal.Zero, err
	}
	var pos position
	equity := balance
	for _, p := range positions {
		value := p.Size.Mul(p.CurPrice)
		equity = equity.Add(value)
		if p.Asset == tokenID {
			pos = position{size: p.Size, value: value}
		}
	}
	return pos, equity, nil
}

func (e *Engine) leaderPosition(leader, tokenID string) (decimal.Decimal, error) {
	positions, err := e.account.Positions(leader)
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range positions {
		if p.Asset == tokenID {
			return p.Size, nil
		}
	}
	return decimal.Zero, nil
}

func (e *Engine) trackedTokens(leader, tokenID string) (decimal.Decimal, error) {
	buys, err := e.store.SurvivingBuys(leader, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, b := range buys {
		total = total.Add(b.MyBoughtSize)
	}
	return total, nil
}

// sellAccounting drains tracked purchase sizes proportionally to the sell's
// share of total tracked exposure. At 99% closed the remainder is dust and is
// cleared outright.
func (e *Engine) sellAccounting(leader, tokenID string, soldTokens decimal.Decimal) {
	buys, err := e.store.SurvivingBuys(leader, tokenID)
	if err != nil {
		log.Error().Err(err).Msg("Sell accounting query failed")
		return
	}
	total := decimal.Zero
	for _, b := range buys {
		total = total.Add(b.MyBoughtSize)
	}
	if !total.IsPositive() {
		return
	}

	ratio := soldTokens.Div(total)
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	closeAll := ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.99))

	for _, b := range buys {
		remaining := decimal.Zero
		if !closeAll {
			remaining = b.MyBoughtSize.Sub(b.MyBoughtSize.Mul(ratio))
		}
		if err := e.store.SetBoughtSize(b.ID, remaining); err != nil {
			log.Error().Err(err).Uint("record", b.ID).Msg("Bought size update failed")
		}
	}

	log.Info().
		Str("token", tokenID).
		Str("sold", soldTokens.StringFixed(4)).
		Str("ratio", ratio.StringFixed(4)).
		Bool("closed", closeAll).
		Msg("Sell accounting applied")
}
