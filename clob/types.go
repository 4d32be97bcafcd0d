package clob

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the taker side of an order or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Activity is one entry from the data-api activity feed for a user.
// Numeric fields arrive as JSON numbers or decimal strings depending on the
// endpoint version; decimal.Decimal accepts both.
type Activity struct {
	Timestamp       int64           `json:"timestamp"`
	ConditionID     string          `json:"conditionId"`
	Type            string          `json:"type"` // TRADE, MERGE, SPLIT, REDEEM
	Size            decimal.Decimal `json:"size"`
	UsdcSize        decimal.Decimal `json:"usdcSize"`
	Price           decimal.Decimal `json:"price"`
	Asset           string          `json:"asset"`
	Side            Side            `json:"side"`
	TransactionHash string          `json:"transactionHash"`
	OutcomeIndex    int             `json:"outcomeIndex"`
	Slug            string          `json:"slug"`
	Title           string          `json:"title"`
	Outcome         string          `json:"outcome"`
	EndDate         string          `json:"endDate"`
}

// Position is one entry from the data-api positions feed.
type Position struct {
	Asset       string          `json:"asset"`
	ConditionID string          `json:"conditionId"`
	Size        decimal.Decimal `json:"size"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	CurPrice    decimal.Decimal `json:"curPrice"`
	Slug        string          `json:"slug"`
	EndDate     string          `json:"endDate"`
	Redeemable  bool            `json:"redeemable"`
	Mergeable   bool            `json:"mergeable"`
}

// PriceLevel is a single order book level. The CLOB sends prices and sizes as
// decimal strings.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is the book for one token. Bids are sorted ascending and asks
// descending by the API, so the best levels sit at the end of each slice.
type OrderBook struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// BestBid returns the highest bid, or false when the bid side is empty.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	best := b.Bids[0]
	for _, l := range b.Bids[1:] {
		if l.Price.GreaterThan(best.Price) {
			best = l
		}
	}
	return best, true
}

// BestAsk returns the lowest ask, or false when the ask side is empty.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	best := b.Asks[0]
	for _, l := range b.Asks[1:] {
		if l.Price.LessThan(best.Price) {
			best = l
		}
	}
	return best, true
}

// SpreadBps returns the bid/ask spread in basis points of the mid price.
func (b *OrderBook) SpreadBps() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	mid := bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price).Div(mid).Mul(decimal.NewFromInt(10000)), true
}

// DepthUsd sums price*size over the given levels.
func DepthUsd(levels []PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Price.Mul(l.Size))
	}
	return total
}

// OrderResponse is the CLOB reply to an order submission.
type OrderResponse struct {
	Success bool            `json:"success"`
	OrderID string          `json:"orderID"`
	Status  string          `json:"status"`
	TxHash  string          `json:"transactionHash,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ErrorMessage flattens the polymorphic error payload. The CLOB sends either a
// bare string or a nested object with any of error/message/errorMsg set.
func (r *OrderResponse) ErrorMessage() string {
	if msg := extractError(r.Error); msg != "" {
		return msg
	}
	return r.Message
}

func extractError(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var nested struct {
		Error    string `json:"error"`
		Message  string `json:"message"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		for _, m := range []string{nested.Error, nested.Message, nested.ErrorMsg} {
			if m != "" {
				return m
			}
		}
	}
	return string(raw)
}

// IsNonRetryable reports whether an exchange error means the account cannot
// fund the order. These abort the sub-order loop instead of retrying.
func IsNonRetryable(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not enough balance") || strings.Contains(m, "allowance")
}
