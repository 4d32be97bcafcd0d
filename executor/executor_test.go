package executor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polycopy/clob"
	"github.com/web3guy0/polycopy/lease"
	"github.com/web3guy0/polycopy/storage"
)

type placedOrder struct {
	tokenID string
	side    clob.Side
	price   decimal.Decimal
	size    decimal.Decimal
}

// fakeClient serves a scripted sequence of order books and records every
// placed order. The last book repeats once the script runs out.
type fakeClient struct {
	books    []*clob.OrderBook
	bookIdx  int
	placeErr error
	placed   []placedOrder
	orders   int
}

func (f *fakeClient) OrderBook(tokenID string) (*clob.OrderBook, error) {
	idx := f.bookIdx
	if idx >= len(f.books) {
		idx = len(f.books) - 1
	}
	f.bookIdx++
	return f.books[idx], nil
}

func (f *fakeClient) PlaceFOK(tokenID string, side clob.Side, price, size decimal.Decimal) (*clob.OrderResponse, error) {
	f.placed = append(f.placed, placedOrder{tokenID: tokenID, side: side, price: price, size: size})
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.orders++
	return &clob.OrderResponse{Success: true, OrderID: fmt.Sprintf("ord-%d", f.orders), Status: "matched"}, nil
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func askBook(price, size float64) *clob.OrderBook {
	return &clob.OrderBook{Asks: []clob.PriceLevel{{Price: d(price), Size: d(size)}}}
}

func bidBook(price, size float64) *clob.OrderBook {
	return &clob.OrderBook{Bids: []clob.PriceLevel{{Price: d(price), Size: d(size)}}}
}

type fixture struct {
	store  *storage.Store
	leases *lease.Manager
	client *fakeClient
	exec   *Executor
}

func newFixture(t *testing.T, client *fakeClient) *fixture {
	t.Helper()
	s, err := storage.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := lease.NewManager(s, time.Minute)
	cfg := DefaultConfig()
	cfg.MaxSlippageBps = 500
	return &fixture{store: s, leases: m, client: client, exec: New(client, s, m, cfg)}
}

func (fx *fixture) insertRecord(t *testing.T, side clob.Side) *storage.TradeRecord {
	t.Helper()
	rec := &storage.TradeRecord{
		LeaderAddress:   "0xleader",
		TransactionHash: fmt.Sprintf("0xtx%d", time.Now().UnixNano()),
		TokenID:         "777000111",
		ConditionID:     "0xcond",
		Timestamp:       time.Now().Unix() - 300,
		Side:            string(side),
		Size:            d(200),
		UsdcSize:        d(100),
		Price:           d(0.5),
		State:           storage.StateDetected,
	}
	_, err := fx.store.InsertDetected(rec)
	require.NoError(t, err)
	return rec
}

func buyRequest(rec *storage.TradeRecord, amount float64) *OrderRequest {
	return &OrderRequest{
		Side:           clob.SideBuy,
		TokenID:        rec.TokenID,
		Amount:         d(amount),
		TraderPrice:    d(0.5),
		TradeID:        rec.ID,
		TradeSize:      rec.Size,
		TradeUsdcSize:  rec.UsdcSize,
		TradeTimestamp: rec.Timestamp,
		MarketSlug:     "test-market",
	}
}

func TestHappyBuy(t *testing.T) {
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{askBook(0.50, 200)}})
	rec := fx.insertRecord(t, clob.SideBuy)

	res := fx.exec.Execute(buyRequest(rec, 20))

	require.True(t, res.Executed)
	require.True(t, res.FilledSize.Equal(d(20)), "filled %s", res.FilledSize)
	require.True(t, res.FilledTokens.Equal(d(40)))
	require.True(t, res.AvgFillPrice.Equal(d(0.5)))
	require.False(t, res.NeedsManualReview)
	require.Len(t, fx.client.placed, 1)
	require.True(t, fx.client.placed[0].size.Equal(d(40)))

	got, err := fx.store.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StateExecuted, got.State)
	require.True(t, got.MyBoughtSize.Equal(d(40)))
	require.True(t, got.ActualTokens.Equal(d(40)))
	require.NotNil(t, got.IdempotencyKey)
	require.Equal(t, res.OrderID, got.ClobOrderID)
	require.Nil(t, got.ClaimedBy, "lease released after writeback")
}

func TestIdempotentReplay(t *testing.T) {
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{askBook(0.50, 200)}})
	rec := fx.insertRecord(t, clob.SideBuy)

	first := fx.exec.Execute(buyRequest(rec, 20))
	require.True(t, first.Executed)
	ordersAfterFirst := len(fx.client.placed)

	second := fx.exec.Execute(buyRequest(rec, 20))
	require.True(t, second.Skipped)
	require.Equal(t, ReasonAlreadyExecuted, second.Reason)
	require.Equal(t, first.OrderID, second.OrderID)
	require.Len(t, fx.client.placed, ordersAfterFirst, "replay must not touch the exchange")

	got, err := fx.store.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StateExecuted, got.State, "replay must not clobber terminal state")
}

func TestSlippageBlocksBuy(t *testing.T) {
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{askBook(0.56, 200)}})
	rec := fx.insertRecord(t, clob.SideBuy)

	res := fx.exec.Execute(buyRequest(rec, 20))

	require.True(t, res.Skipped)
	require.Equal(t, "slippage_1200bps_exceeds_max_500bps", res.Reason)
	require.Empty(t, fx.client.placed)

	got, err := fx.store.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StateSkipped, got.State)
}

func TestPartialFillThenSlippage(t *testing.T) {
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{
		askBook(0.50, 20),  // viability
		askBook(0.50, 20),  // first sub-order: $10
		askBook(0.60, 100), // 2000 bps over, blocks the rest
	}})
	rec := fx.insertRecord(t, clob.SideBuy)

	res := fx.exec.Execute(buyRequest(rec, 20))

	require.True(t, res.Executed, "partial fill before the slippage stop still counts")
	require.True(t, res.FilledSize.Equal(d(10)))
	require.True(t, res.FilledTokens.Equal(d(20)))
	require.True(t, res.NeedsManualReview, "fill ratio 0.5 is out of band")
	require.Len(t, fx.client.placed, 1)
}

func TestSellWithoutPosition(t *testing.T) {
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{bidBook(0.50, 200)}})
	rec := fx.insertRecord(t, clob.SideSell)

	res := fx.exec.Execute(&OrderRequest{
		Side:           clob.SideSell,
		TokenID:        rec.TokenID,
		Amount:         d(40),
		TraderPrice:    d(0.5),
		TradeID:        rec.ID,
		TradeSize:      d(200),
		TradeUsdcSize:  d(100),
		TradeTimestamp: rec.Timestamp,
		MyPositionSize: decimal.Zero,
	})

	require.True(t, res.Skipped)
	require.Equal(t, ReasonNoPosition, res.Reason)
	require.Empty(t, fx.client.placed)
}

func TestTimeToEndHardForBuySoftForSell(t *testing.T) {
	endDate := time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339)

	book := &clob.OrderBook{
		Bids: []clob.PriceLevel{{Price: d(0.49), Size: d(200)}},
		Asks: []clob.PriceLevel{{Price: d(0.50), Size: d(200)}},
	}
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{book}})

	buyRec := fx.insertRecord(t, clob.SideBuy)
	req := buyRequest(buyRec, 20)
	req.EndDate = endDate
	res := fx.exec.Execute(req)
	require.True(t, res.Skipped)
	require.Contains(t, res.Reason, "ends_in")

	sellRec := fx.insertRecord(t, clob.SideSell)
	res = fx.exec.Execute(&OrderRequest{
		Side:           clob.SideSell,
		TokenID:        sellRec.TokenID,
		Amount:         d(40),
		TraderPrice:    d(0.49),
		EndDate:        endDate,
		TradeID:        sellRec.ID,
		TradeSize:      d(200),
		TradeUsdcSize:  d(100),
		TradeTimestamp: sellRec.Timestamp,
		MyPositionSize: d(40),
	})
	require.True(t, res.Executed, "time-to-end is only a warning on exits: %s", res.Reason)
	require.True(t, res.FilledTokens.Equal(d(40)))
}

func TestNonRetryableErrorAborts(t *testing.T) {
	fx := newFixture(t, &fakeClient{
		books:    []*clob.OrderBook{askBook(0.50, 200)},
		placeErr: errors.New("order rejected: not enough balance"),
	})
	rec := fx.insertRecord(t, clob.SideBuy)

	res := fx.exec.Execute(buyRequest(rec, 20))

	require.True(t, res.Failed)
	require.False(t, res.Retryable)
	require.Equal(t, ReasonInsufficient, res.Reason)
	require.Len(t, fx.client.placed, 1, "hard abort after the first rejection")

	// Pinned retry count keeps the record out of the work queue.
	pending, err := fx.store.Unprocessed("0xleader", 10, fx.exec.cfg.RetryLimit)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestTransientErrorsExhaustRetries(t *testing.T) {
	fx := newFixture(t, &fakeClient{
		books:    []*clob.OrderBook{askBook(0.50, 200)},
		placeErr: errors.New("502 bad gateway"),
	})
	rec := fx.insertRecord(t, clob.SideBuy)

	res := fx.exec.Execute(buyRequest(rec, 20))

	require.True(t, res.Failed)
	require.True(t, res.Retryable)
	require.Equal(t, ReasonRetriesExhausted, res.Reason)
	require.Len(t, fx.client.placed, fx.exec.cfg.RetryLimit)

	got, err := fx.store.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StateFailed, got.State)
	require.Equal(t, 1, got.RetryCount)
}

func TestFailedAfterReservationBecomesTerminal(t *testing.T) {
	fx := newFixture(t, &fakeClient{
		books:    []*clob.OrderBook{askBook(0.50, 200)},
		placeErr: errors.New("502 bad gateway"),
	})
	rec := fx.insertRecord(t, clob.SideBuy)

	first := fx.exec.Execute(buyRequest(rec, 20))
	require.True(t, first.Failed)
	require.True(t, first.Retryable)

	// The failure left retries on the budget, so the work query re-offers
	// the record and a worker claims it again.
	pending, err := fx.store.Unprocessed("0xleader", 10, fx.exec.cfg.RetryLimit)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	ok, err := fx.leases.Acquire(rec.ID)
	require.NoError(t, err)
	require.True(t, ok)

	placed := len(fx.client.placed)
	second := fx.exec.Execute(buyRequest(rec, 20))
	require.True(t, second.Skipped)
	require.Equal(t, ReasonAlreadyExecuted, second.Reason)
	require.Len(t, fx.client.placed, placed, "reserved key must never reach the exchange again")

	// The skip pins the record terminal instead of leaving it claimed with
	// no lease, where nothing would ever pick it up again.
	got, err := fx.store.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StateFailed, got.State)
	require.Equal(t, fx.exec.cfg.RetryLimit, got.RetryCount)
	require.Nil(t, got.ClaimedBy)
	require.Nil(t, got.LeaseExpiresAt)

	pending, err = fx.store.Unprocessed("0xleader", 10, fx.exec.cfg.RetryLimit)
	require.NoError(t, err)
	require.Empty(t, pending)

	reset, stuck, err := fx.leases.Sweep("0xleader")
	require.NoError(t, err)
	require.Zero(t, reset)
	require.Empty(t, stuck)
}

func TestMinOrderSizeBoundary(t *testing.T) {
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{askBook(0.50, 200)}})

	atMin := fx.insertRecord(t, clob.SideBuy)
	res := fx.exec.Execute(buyRequest(atMin, 1.00))
	require.True(t, res.Executed, "amount exactly at the minimum passes")

	below := fx.insertRecord(t, clob.SideBuy)
	res = fx.exec.Execute(buyRequest(below, 0.99))
	require.True(t, res.Skipped)
	require.Equal(t, "below_min_order_size_usd", res.Reason)
}

func TestFreshnessBoundary(t *testing.T) {
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{askBook(0.50, 200)}})

	exact := fx.insertRecord(t, clob.SideBuy)
	req := buyRequest(exact, 20)
	req.TradeTimestamp = time.Now().Unix() - 24*3600 + 1
	res := fx.exec.Execute(req)
	require.True(t, res.Executed, "at the edge of the window passes: %s", res.Reason)

	tooOld := fx.insertRecord(t, clob.SideBuy)
	req = buyRequest(tooOld, 20)
	req.TradeTimestamp = time.Now().Unix() - 24*3600 - 2
	res = fx.exec.Execute(req)
	require.True(t, res.Skipped)
	require.Contains(t, res.Reason, "too_old")

	missing := fx.insertRecord(t, clob.SideBuy)
	req = buyRequest(missing, 20)
	req.TradeTimestamp = 0
	res = fx.exec.Execute(req)
	require.True(t, res.Skipped)
	require.Equal(t, "missing_timestamp", res.Reason, "fail closed without a timestamp")
}

func TestResolvedMarketSkipsBuy(t *testing.T) {
	book := &clob.OrderBook{
		Bids: []clob.PriceLevel{{Price: d(0.97), Size: d(200)}},
		Asks: []clob.PriceLevel{{Price: d(0.99), Size: d(200)}},
	}
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{book}})
	rec := fx.insertRecord(t, clob.SideBuy)

	res := fx.exec.Execute(buyRequest(rec, 20))
	require.True(t, res.Skipped)
	require.Contains(t, res.Reason, "resolved")
	require.Empty(t, fx.client.placed)
}

func TestEdgeFilterSmallDelta(t *testing.T) {
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{askBook(0.50, 200)}})
	rec := fx.insertRecord(t, clob.SideBuy)

	req := buyRequest(rec, 20)
	req.TradeUsdcSize = d(0.25) // leader moved a quarter
	res := fx.exec.Execute(req)

	require.True(t, res.Skipped)
	require.Equal(t, "below_min_position_delta", res.Reason)
}

func TestEdgeFilterMissingDeltaFailsClosed(t *testing.T) {
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{askBook(0.50, 200)}})
	rec := fx.insertRecord(t, clob.SideBuy)

	req := buyRequest(rec, 20)
	req.TradeUsdcSize = decimal.Zero
	res := fx.exec.Execute(req)

	require.True(t, res.Skipped)
	require.Equal(t, "below_min_position_delta", res.Reason)
	require.Empty(t, fx.client.placed)
}

func TestSellSweepsMultipleBidLevels(t *testing.T) {
	deep := &clob.OrderBook{Bids: []clob.PriceLevel{{Price: d(0.50), Size: d(25)}}}
	fx := newFixture(t, &fakeClient{books: []*clob.OrderBook{
		deep,
		deep,
		bidBook(0.50, 100),
	}})
	rec := fx.insertRecord(t, clob.SideSell)

	res := fx.exec.Execute(&OrderRequest{
		Side:           clob.SideSell,
		TokenID:        rec.TokenID,
		Amount:         d(40),
		TraderPrice:    d(0.5),
		TradeID:        rec.ID,
		TradeSize:      d(200),
		TradeUsdcSize:  d(100),
		TradeTimestamp: rec.Timestamp,
		MyPositionSize: d(40),
	})

	require.True(t, res.Executed)
	require.True(t, res.FilledTokens.Equal(d(40)), "filled %s", res.FilledTokens)
	require.Len(t, fx.client.placed, 2, "25 tokens then the 15 remaining")
	require.True(t, fx.client.placed[0].size.Equal(d(25)))
	require.True(t, fx.client.placed[1].size.Equal(d(15)))
}
