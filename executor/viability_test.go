package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polycopy/clob"
)

func book(bidPrice, bidSize, askPrice, askSize float64) *clob.OrderBook {
	b := &clob.OrderBook{}
	if bidSize > 0 {
		b.Bids = []clob.PriceLevel{{Price: d(bidPrice), Size: d(bidSize)}}
	}
	if askSize > 0 {
		b.Asks = []clob.PriceLevel{{Price: d(askPrice), Size: d(askSize)}}
	}
	return b
}

func TestViabilityHealthyMarket(t *testing.T) {
	v := checkViability(book(0.49, 200, 0.51, 200), clob.SideBuy, "", DefaultViability().Clamp(), time.Now())
	require.True(t, v.viable)
}

func TestViabilitySpreadBoundary(t *testing.T) {
	cfg := DefaultViability().Clamp() // 500 bps max

	// 0.4875/0.5125 on a 0.50 mid is exactly 500 bps.
	v := checkViability(book(0.4875, 200, 0.5125, 200), clob.SideBuy, "", cfg, time.Now())
	require.True(t, v.viable, "spread exactly at the cap passes: %s", v.reason)

	// A touch wider fails.
	v = checkViability(book(0.487, 200, 0.513, 200), clob.SideBuy, "", cfg, time.Now())
	require.False(t, v.viable)
	require.Equal(t, checkSpread, v.check)
	require.False(t, v.softForExit(), "illiquidity is hard even for exits")
}

func TestViabilityResolvedMarket(t *testing.T) {
	cfg := DefaultViability().Clamp()

	v := checkViability(book(0.96, 200, 0.98, 200), clob.SideBuy, "", cfg, time.Now())
	require.False(t, v.viable)
	require.Equal(t, checkResolved, v.check)
	require.True(t, v.softForExit())

	// Resolved the other way: ask collapsed to nearly zero.
	v = checkViability(book(0.0199, 1000, 0.02, 1000), clob.SideBuy, "", cfg, time.Now())
	require.False(t, v.viable)
	require.Equal(t, checkResolved, v.check)
}

func TestViabilityTimeToEnd(t *testing.T) {
	cfg := DefaultViability().Clamp() // 60 minutes
	soon := time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339)

	v := checkViability(book(0.49, 200, 0.51, 200), clob.SideBuy, soon, cfg, time.Now())
	require.False(t, v.viable)
	require.Equal(t, checkTimeToEnd, v.check)
	require.True(t, v.softForExit())

	// Unparsable end dates skip the time check.
	v = checkViability(book(0.49, 200, 0.51, 200), clob.SideBuy, "soon-ish", cfg, time.Now())
	require.True(t, v.viable)
}

func TestViabilityIlliquidityWinsOverTime(t *testing.T) {
	cfg := DefaultViability().Clamp()
	soon := time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339)

	// Ending soon AND a dead bid side: a sell must see the depth failure,
	// not the soft time failure.
	thin := book(0.49, 0.5, 0.51, 200)
	v := checkViability(thin, clob.SideSell, soon, cfg, time.Now())
	require.False(t, v.viable)
	require.Equal(t, checkDepth, v.check)
	require.False(t, v.softForExit())
}

func TestViabilityConfigClamp(t *testing.T) {
	cfg := ViabilityConfig{
		PriceLimit:             d(0.99),
		MinTimeBeforeEndMinute: 1,
		MaxSpreadBps:           d(9000),
		MinDepthUsd:            d(0.01),
	}.Clamp()

	require.True(t, cfg.PriceLimit.Equal(d(0.95)))
	require.Equal(t, 5, cfg.MinTimeBeforeEndMinute)
	require.True(t, cfg.MaxSpreadBps.Equal(d(2000)))
	require.True(t, cfg.MinDepthUsd.Equal(d(0.50)))
}
