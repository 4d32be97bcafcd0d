// Package reconcile verifies that the position implied by the executed trade
// ledger matches what the exchange says the follower actually holds.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/clob"
	"github.com/web3guy0/polycopy/storage"
)

// Severity grades a discrepancy by relative size.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Discrepancy is one expected-vs-actual mismatch for an asset. Unknown marks
// tokens the follower holds with no executed trade behind them.
type Discrepancy struct {
	TokenID  string
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Diff     decimal.Decimal
	PctDiff  decimal.Decimal
	Severity Severity
	Unknown  bool
}

// PositionClient is the read-only positions surface.
type PositionClient interface {
	Positions(user string) ([]clob.Position, error)
}

// Notifier receives discrepancies worth an operator's attention.
type Notifier interface {
	NotifyDiscrepancies(leader string, discrepancies []Discrepancy)
}

// Config tunes the reconciler.
type Config struct {
	Leaders         []string
	FollowerAddress string
	Interval        time.Duration
}

type Reconciler struct {
	store    *storage.Store
	client   PositionClient
	notifier Notifier
	cfg      Config
}

func New(store *storage.Store, client PositionClient, notifier Notifier, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Reconciler{store: store, client: client, notifier: notifier, cfg: cfg}
}

// Run reconciles on a fixed period until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().Dur("interval", r.cfg.Interval).Msg("Reconciler started")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciler stopped")
			return
		case <-ticker.C:
			for _, leader := range r.cfg.Leaders {
				if _, err := r.ReconcileLeader(leader); err != nil {
					log.Error().Err(err).Str("leader", leader).Msg("Reconciliation failed")
				}
			}
		}
	}
}

// ReconcileLeader compares expected positions per asset with the exchange's
// view. Matching assets have their executed records transitioned to
// reconciled; mismatches are returned and reported.
func (r *Reconciler) ReconcileLeader(leader string) ([]Discrepancy, error) {
	expected, err := r.expectedPositions(leader)
	if err != nil {
		return nil, err
	}

	positions, err := r.client.Positions(r.cfg.FollowerAddress)
	if err != nil {
		return nil, err
	}
	actual := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		actual[p.Asset] = p.Size
	}

	var discrepancies []Discrepancy
	for tokenID, exp := range expected {
		act := actual[tokenID]
		diff := exp.Sub(act).Abs()
		if diff.LessThanOrEqual(tolerance(exp)) {
			if err := r.store.MarkReconciled(leader, tokenID); err != nil {
				return nil, err
			}
			continue
		}
		discrepancies = append(discrepancies, grade(tokenID, exp, act))
	}

	// Holdings with no executed trade behind them.
	for tokenID, act := range actual {
		if _, known := expected[tokenID]; known || !act.GreaterThan(decimal.NewFromFloat(0.1)) {
			continue
		}
		discrepancies = append(discrepancies, Discrepancy{
			TokenID:  tokenID,
			Actual:   act,
			Diff:     act,
			Severity: SeverityWarning,
			Unknown:  true,
		})
	}

	for _, disc := range discrepancies {
		evt := log.Warn()
		if disc.Severity == SeverityCritical {
			evt = log.Error()
		}
		evt.Str("leader", leader).
			Str("token", disc.TokenID).
			Str("expected", disc.Expected.StringFixed(4)).
			Str("actual", disc.Actual.StringFixed(4)).
			Str("severity", string(disc.Severity)).
			Bool("unknown", disc.Unknown).
			Msg("Position discrepancy")
	}
	if len(discrepancies) > 0 && r.notifier != nil {
		r.notifier.NotifyDiscrepancies(leader, discrepancies)
	}
	return discrepancies, nil
}

// expectedPositions derives the follower's long exposure per asset from the
// executed trade ledger: BUY adds, SELL subtracts. Older records without
// actualTokens fall back to the tracked bought size.
func (r *Reconciler) expectedPositions(leader string) (map[string]decimal.Decimal, error) {
	tokens, err := r.store.ExecutedTokens(leader)
	if err != nil {
		return nil, err
	}
	expected := make(map[string]decimal.Decimal, len(tokens))
	for _, tokenID := range tokens {
		recs, err := r.store.ExecutedByToken(leader, tokenID)
		if err != nil {
			return nil, err
		}
		total := decimal.Zero
		for _, rec := range recs {
			moved := rec.ActualTokens
			if moved.IsZero() {
				moved = rec.MyBoughtSize
			}
			if rec.Side == string(clob.SideBuy) {
				total = total.Add(moved)
			} else {
				total = total.Sub(moved)
			}
		}
		expected[tokenID] = total
	}
	return expected, nil
}

func tolerance(expected decimal.Decimal) decimal.Decimal {
	return decimal.Max(expected.Abs().Mul(decimal.NewFromFloat(0.01)), decimal.NewFromFloat(0.1))
}

func grade(tokenID string, expected, actual decimal.Decimal) Discrepancy {
	diff := expected.Sub(actual).Abs()
	pct := decimal.NewFromInt(100)
	if !expected.IsZero() {
		pct = diff.Div(expected.Abs()).Mul(decimal.NewFromInt(100))
	}
	severity := SeverityInfo
	switch {
	case pct.GreaterThan(decimal.NewFromInt(20)):
		severity = SeverityCritical
	case pct.GreaterThan(decimal.NewFromInt(5)):
		severity = SeverityWarning
	}
	return Discrepancy{
		TokenID:  tokenID,
		Expected: expected,
		Actual:   actual,
		Diff:     diff,
		PctDiff:  pct,
		Severity: severity,
	}
}
