// Package detector ingests leader activity into the trade ledger and keeps
// position snapshots fresh. It never places orders.
package detector

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/web3guy0/polycopy/clob"
	"github.com/web3guy0/polycopy/storage"
)

// FeedClient is the read-only slice of the exchange client the detector uses.
type FeedClient interface {
	Activity(user string) ([]clob.Activity, error)
	Positions(user string) ([]clob.Position, error)
}

// Config tunes the detector.
type Config struct {
	Leaders         []string
	FollowerAddress string
	Interval        time.Duration
	TooOldHours     int
}

type Detector struct {
	client FeedClient
	store  *storage.Store
	cfg    Config
}

func New(client FeedClient, store *storage.Store, cfg Config) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.TooOldHours <= 0 {
		cfg.TooOldHours = 24
	}
	return &Detector{client: client, store: store, cfg: cfg}
}

// Run polls until the context is cancelled. A failing tick is logged and the
// loop continues at the next interval.
func (d *Detector) Run(ctx context.Context) {
	log.Info().
		Int("leaders", len(d.cfg.Leaders)).
		Dur("interval", d.cfg.Interval).
		Msg("Detector started")

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Detector stopped")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one detection pass over every leader plus a follower position
// refresh.
func (d *Detector) Tick(ctx context.Context) {
	for _, leader := range d.cfg.Leaders {
		if err := d.detectLeader(ctx, leader); err != nil {
			log.Error().Err(err).Str("leader", leader).Msg("Detection pass failed")
		}
	}
	if d.cfg.FollowerAddress != "" {
		if err := d.refreshPositions(ctx, d.cfg.FollowerAddress); err != nil {
			log.Error().Err(err).Msg("Follower position refresh failed")
		}
	}
}

func (d *Detector) detectLeader(ctx context.Context, leader string) error {
	entries, err := d.fetchActivity(ctx, leader)
	if err != nil {
		return err
	}

	hasRecords, err := d.store.HasRecords(leader)
	if err != nil {
		return err
	}

	// Cold start: absorb the entire history as skipped so months of past
	// trades are never replayed.
	bootstrap := !hasRecords

	inserted := 0
	cutoff := time.Now().Unix() - int64(d.cfg.TooOldHours)*3600
	for _, a := range entries {
		if a.TransactionHash == "" {
			continue
		}
		rec := recordFromActivity(leader, a)
		if bootstrap {
			rec.State = storage.StateSkipped
			rec.SkipReason = storage.SkipReasonBootstrap
		} else if a.Timestamp < cutoff {
			continue
		}
		ok, err := d.store.InsertDetected(rec)
		if err != nil {
			return err
		}
		if ok && !bootstrap {
			inserted++
			log.Info().
				Str("leader", leader).
				Str("side", string(a.Side)).
				Str("market", a.Slug).
				Str("usdc", a.UsdcSize.StringFixed(2)).
				Msg("New leader trade detected")
		}
	}
	if bootstrap {
		log.Warn().
			Str("leader", leader).
			Int("entries", len(entries)).
			Msg("First run for leader, history absorbed without execution")
	}

	return d.refreshPositions(ctx, leader)
}

// fetchActivity pulls the feed with a short exponential backoff; the activity
// endpoint throttles aggressively under load.
func (d *Detector) fetchActivity(ctx context.Context, leader string) ([]clob.Activity, error) {
	var entries []clob.Activity
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		entries, err = d.client.Activity(leader)
		return retry.RetryableError(err)
	})
	return entries, err
}

func (d *Detector) refreshPositions(ctx context.Context, owner string) error {
	var positions []clob.Position
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		positions, err = d.client.Positions(owner)
		return retry.RetryableError(err)
	})
	if err != nil {
		return err
	}

	snapshots := make([]storage.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		snapshots = append(snapshots, storage.PositionSnapshot{
			TokenID:     p.Asset,
			ConditionID: p.ConditionID,
			Size:        p.Size,
			AvgPrice:    p.AvgPrice,
			CurPrice:    p.CurPrice,
			Slug:        p.Slug,
			EndDate:     p.EndDate,
			Redeemable:  p.Redeemable,
			Mergeable:   p.Mergeable,
		})
	}
	return d.store.ReplacePositions(owner, snapshots)
}

func recordFromActivity(leader string, a clob.Activity) *storage.TradeRecord {
	return &storage.TradeRecord{
		LeaderAddress:   leader,
		TransactionHash: a.TransactionHash,
		TokenID:         a.Asset,
		ConditionID:     a.ConditionID,
		Timestamp:       a.Timestamp,
		Side:            string(a.Side),
		TradeType:       a.Type,
		Size:            a.Size,
		UsdcSize:        a.UsdcSize,
		Price:           a.Price,
		Title:           a.Title,
		Slug:            a.Slug,
		Outcome:         a.Outcome,
		OutcomeIndex:    a.OutcomeIndex,
		EndDate:         a.EndDate,
		State:           storage.StateDetected,
	}
}
