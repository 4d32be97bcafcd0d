// Package storage persists trade records and position snapshots. All worker
// coordination happens through atomic conditional updates here; there are no
// in-process locks, so workers in one process behave the same as workers in
// different processes.
package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// TradeState is the lifecycle state of a trade record.
type TradeState string

const (
	StateDetected   TradeState = "detected"
	StateClaimed    TradeState = "claimed"
	StateExecuting  TradeState = "executing"
	StateExecuted   TradeState = "executed"
	StateSkipped    TradeState = "skipped"
	StateFailed     TradeState = "failed"
	StateReconciled TradeState = "reconciled"
)

// SkipReasonBootstrap marks records inserted on a leader's first run, which
// are never executed.
const SkipReasonBootstrap = "historical_bootstrap"

// TradeRecord is one observed leader trade and everything that happened to it
// on our side. Nullable columns are populated only in certain lifecycle
// states.
type TradeRecord struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	LeaderAddress   string `gorm:"index:idx_leader_tx,unique"`
	TransactionHash string `gorm:"index:idx_leader_tx,unique"`
	TokenID         string `gorm:"index:idx_token_condition"`
	ConditionID     string `gorm:"index:idx_token_condition"`
	Timestamp       int64  `gorm:"index"`

	// Leader action.
	Side      string          // BUY or SELL
	TradeType string          // TRADE, MERGE, REDEEM from the feed
	Size      decimal.Decimal `gorm:"type:decimal(20,6)"` // tokens traded by leader
	UsdcSize  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price     decimal.Decimal `gorm:"type:decimal(10,6)"`

	// Market metadata.
	Title        string
	Slug         string
	Outcome      string
	OutcomeIndex int
	EndDate      string

	// Lifecycle.
	State         TradeState `gorm:"index:idx_state_claimed"`
	RetryCount    int
	LastRetryAt   *time.Time
	SkipReason    string
	FailureReason string

	// Lease.
	ClaimedBy      *string    `gorm:"index"`
	LeaseExpiresAt *int64     // epoch ms
	ClaimedAt      *time.Time `gorm:"index:idx_state_claimed"`

	// Idempotency.
	IdempotencyKey *string `gorm:"uniqueIndex"`
	ClobOrderID    string

	// Execution results.
	IntendedSize      decimal.Decimal `gorm:"type:decimal(20,6)"` // USD for BUY, tokens for SELL
	FilledSize        decimal.Decimal `gorm:"type:decimal(20,6)"` // USD filled
	ActualTokens      decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgFillPrice      decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExpectedTokens    decimal.Decimal `gorm:"type:decimal(20,6)"`
	ExecutedAt        *time.Time
	NeedsManualReview bool

	// Tokens still attributable to this purchase; decremented by later sells.
	MyBoughtSize decimal.Decimal `gorm:"type:decimal(20,6)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the record will never be retried.
func (r *TradeRecord) Terminal(retryLimit int) bool {
	switch r.State {
	case StateExecuted, StateSkipped, StateReconciled:
		return true
	case StateFailed:
		return r.RetryCount >= retryLimit
	}
	return false
}

// PositionSnapshot is a read-through cache row of the exchange positions feed.
type PositionSnapshot struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Owner       string `gorm:"index:idx_owner_token,unique"`
	TokenID     string `gorm:"index:idx_owner_token,unique"`
	ConditionID string
	Size        decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	CurPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	Slug        string
	EndDate     string
	Redeemable  bool
	Mergeable   bool
	UpdatedAt   time.Time
}

// LeaseInfo is the current lease view of a record.
type LeaseInfo struct {
	State          TradeState
	ClaimedBy      *string
	LeaseExpiresAt *int64
}

// Held reports whether the lease is currently held as of nowMs.
func (l *LeaseInfo) Held(nowMs int64) bool {
	return l.ClaimedBy != nil && l.LeaseExpiresAt != nil && *l.LeaseExpiresAt > nowMs
}

// Store wraps the database. SQLite by default, PostgreSQL when the path is a
// postgres:// URL.
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		db, err = gorm.Open(postgres.Open(path), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Store connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("Store initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRecord{}, &PositionSnapshot{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// InsertDetected inserts a record, returning false without error when the
// (leader, transactionHash) natural key already exists.
func (s *Store) InsertDetected(rec *TradeRecord) (bool, error) {
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "leader_address"}, {Name: "transaction_hash"}},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// HasRecords reports whether any record exists for a leader, in any state.
// Used for the first-run bootstrap decision.
func (s *Store) HasRecords(leader string) (bool, error) {
	var count int64
	err := s.db.Model(&TradeRecord{}).Where("leader_address = ?", leader).Limit(1).Count(&count).Error
	return count > 0, err
}

// Unprocessed returns up to batch records eligible for execution, oldest
// first: detected, or failed with retries remaining.
func (s *Store) Unprocessed(leader string, batch, retryLimit int) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := s.db.
		Where("leader_address = ? AND (state = ? OR (state = ? AND retry_count < ?))",
			leader, StateDetected, StateFailed, retryLimit).
		Order("timestamp asc").
		Limit(batch).
		Find(&recs).Error
	return recs, err
}

func (s *Store) Get(id uint) (*TradeRecord, error) {
	var rec TradeRecord
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// TryClaim is the atomic compare-and-set behind lease acquisition. It
// succeeds iff the record is claimable (no holder, expired lease, or the same
// worker re-acquiring) and not in a terminal or executing state.
func (s *Store) TryClaim(id uint, workerID string, ttl time.Duration) (bool, error) {
	now := nowMs()
	expires := now + ttl.Milliseconds()
	claimedAt := time.Now()

	res := s.db.Model(&TradeRecord{}).
		Where("id = ? AND state IN ?", id, []TradeState{StateDetected, StateFailed, StateClaimed}).
		Where("claimed_by IS NULL OR claimed_by = ? OR lease_expires_at IS NULL OR lease_expires_at < ?", workerID, now).
		Updates(map[string]interface{}{
			"claimed_by":       workerID,
			"lease_expires_at": expires,
			"claimed_at":       claimedAt,
			"state":            StateClaimed,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseLease clears the lease only if workerID is the current holder.
func (s *Store) ReleaseLease(id uint, workerID string) error {
	return s.db.Model(&TradeRecord{}).
		Where("id = ? AND claimed_by = ?", id, workerID).
		Updates(map[string]interface{}{
			"claimed_by":       nil,
			"lease_expires_at": nil,
		}).Error
}

// ExtendLease pushes out the expiry of a lease this worker still holds.
func (s *Store) ExtendLease(id uint, workerID string, ttl time.Duration) (bool, error) {
	now := nowMs()
	res := s.db.Model(&TradeRecord{}).
		Where("id = ? AND claimed_by = ? AND lease_expires_at > ?", id, workerID, now).
		Update("lease_expires_at", now+ttl.Milliseconds())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) LeaseStatus(id uint) (*LeaseInfo, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return &LeaseInfo{
		State:          rec.State,
		ClaimedBy:      rec.ClaimedBy,
		LeaseExpiresAt: rec.LeaseExpiresAt,
	}, nil
}

// ResetExpiredClaims returns stale claimed records to detected so another
// worker can pick them up. Records in executing are deliberately left alone;
// an order may have been accepted without the writeback completing.
func (s *Store) ResetExpiredClaims(leader string) (int64, error) {
	res := s.db.Model(&TradeRecord{}).
		Where("leader_address = ? AND state = ? AND lease_expires_at < ?", leader, StateClaimed, nowMs()).
		Updates(map[string]interface{}{
			"state":            StateDetected,
			"claimed_by":       nil,
			"lease_expires_at": nil,
			"claimed_at":       nil,
		})
	return res.RowsAffected, res.Error
}

// StuckExecuting returns executing records whose lease expired. These need a
// human: the order may or may not have reached the exchange.
func (s *Store) StuckExecuting(leader string) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := s.db.
		Where("leader_address = ? AND state = ? AND lease_expires_at < ?", leader, StateExecuting, nowMs()).
		Find(&recs).Error
	return recs, err
}

// ReserveIdempotency durably sets the idempotency key and moves the record to
// executing, only if no key was ever assigned. Returns false when another
// worker won the race.
func (s *Store) ReserveIdempotency(id uint, key string) (bool, error) {
	res := s.db.Model(&TradeRecord{}).
		Where("id = ? AND idempotency_key IS NULL AND state <> ?", id, StateExecuted).
		Updates(map[string]interface{}{
			"idempotency_key": key,
			"state":           StateExecuting,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FinalizeReserved pins a record whose idempotency key was reserved by an
// earlier attempt that then failed. The order must never be re-submitted, so
// the failure becomes terminal: retry_count jumps to the limit and the work
// query stops returning the record. Executing records and records already in
// a terminal state are left untouched.
func (s *Store) FinalizeReserved(id uint, retryLimit int) (bool, error) {
	res := s.db.Model(&TradeRecord{}).
		Where("id = ? AND idempotency_key IS NOT NULL AND state IN ?", id, []TradeState{StateFailed, StateClaimed}).
		Updates(map[string]interface{}{
			"state":       StateFailed,
			"retry_count": retryLimit,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ExecutionOutcome is the terminal writeback of a successful execution.
type ExecutionOutcome struct {
	IntendedSize      decimal.Decimal
	FilledSize        decimal.Decimal
	ActualTokens      decimal.Decimal
	AvgFillPrice      decimal.Decimal
	ExpectedTokens    decimal.Decimal
	OrderID           string
	NeedsManualReview bool
	BoughtSize        decimal.Decimal
}

// MarkExecuted writes the execution results and transitions to executed.
func (s *Store) MarkExecuted(id uint, out ExecutionOutcome) error {
	now := time.Now()
	return s.UpdateFields(id, map[string]interface{}{
		"state":               StateExecuted,
		"intended_size":       out.IntendedSize,
		"filled_size":         out.FilledSize,
		"actual_tokens":       out.ActualTokens,
		"avg_fill_price":      out.AvgFillPrice,
		"expected_tokens":     out.ExpectedTokens,
		"clob_order_id":       out.OrderID,
		"needs_manual_review": out.NeedsManualReview,
		"my_bought_size":      out.BoughtSize,
		"executed_at":         &now,
		"failure_reason":      "",
	})
}

// MarkSkipped transitions to skipped with the gate's reason.
func (s *Store) MarkSkipped(id uint, reason string, intendedSize decimal.Decimal) error {
	return s.UpdateFields(id, map[string]interface{}{
		"state":         StateSkipped,
		"skip_reason":   reason,
		"intended_size": intendedSize,
	})
}

// MarkFailed transitions to failed. Non-retryable failures have their retry
// count pinned to the limit so the executor loop never selects them again.
func (s *Store) MarkFailed(id uint, reason string, retryable bool, retryLimit int, intendedSize decimal.Decimal) error {
	now := time.Now()
	fields := map[string]interface{}{
		"state":          StateFailed,
		"failure_reason": reason,
		"last_retry_at":  &now,
		"intended_size":  intendedSize,
	}
	if retryable {
		fields["retry_count"] = gorm.Expr("retry_count + 1")
	} else {
		fields["retry_count"] = retryLimit
	}
	return s.db.Model(&TradeRecord{}).Where("id = ?", id).Updates(fields).Error
}

// Update persists all fields of the record.
func (s *Store) Update(rec *TradeRecord) error {
	return s.db.Save(rec).Error
}

// UpdateFields applies a partial update to one record.
func (s *Store) UpdateFields(id uint, fields map[string]interface{}) error {
	return s.db.Model(&TradeRecord{}).Where("id = ?", id).Updates(fields).Error
}

// ExecutedByToken returns executed (including already reconciled) records for
// one asset, oldest first.
func (s *Store) ExecutedByToken(leader, tokenID string) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := s.db.
		Where("leader_address = ? AND token_id = ? AND state IN ?",
			leader, tokenID, []TradeState{StateExecuted, StateReconciled}).
		Order("timestamp asc").
		Find(&recs).Error
	return recs, err
}

// ExecutedTokens returns the distinct assets with executed trades for a
// leader.
func (s *Store) ExecutedTokens(leader string) ([]string, error) {
	var tokens []string
	err := s.db.Model(&TradeRecord{}).
		Where("leader_address = ? AND state IN ?", leader, []TradeState{StateExecuted, StateReconciled}).
		Distinct("token_id").
		Pluck("token_id", &tokens).Error
	return tokens, err
}

// MarkReconciled transitions all executed records for an asset to reconciled.
func (s *Store) MarkReconciled(leader, tokenID string) error {
	return s.db.Model(&TradeRecord{}).
		Where("leader_address = ? AND token_id = ? AND state = ?", leader, tokenID, StateExecuted).
		Update("state", StateReconciled).Error
}

// SurvivingBuys returns executed BUY records with tracked tokens remaining,
// oldest first. Sell accounting drains these.
func (s *Store) SurvivingBuys(leader, tokenID string) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := s.db.
		Where("leader_address = ? AND token_id = ? AND side = ? AND state IN ? AND my_bought_size > 0",
			leader, tokenID, "BUY", []TradeState{StateExecuted, StateReconciled}).
		Order("timestamp asc").
		Find(&recs).Error
	return recs, err
}

func (s *Store) SetBoughtSize(id uint, size decimal.Decimal) error {
	return s.db.Model(&TradeRecord{}).Where("id = ?", id).Update("my_bought_size", size).Error
}

// ReplacePositions refreshes the cached positions for one owner in a single
// transaction.
func (s *Store) ReplacePositions(owner string, positions []PositionSnapshot) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner = ?", owner).Delete(&PositionSnapshot{}).Error; err != nil {
			return err
		}
		for i := range positions {
			positions[i].ID = 0
			positions[i].Owner = owner
			positions[i].UpdatedAt = time.Now()
			if err := tx.Create(&positions[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// PositionFor returns the cached position for one asset, or nil when the
// owner holds none.
func (s *Store) PositionFor(owner, tokenID string) (*PositionSnapshot, error) {
	var pos PositionSnapshot
	err := s.db.First(&pos, "owner = ? AND token_id = ?", owner, tokenID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (s *Store) PositionsFor(owner string) ([]PositionSnapshot, error) {
	var positions []PositionSnapshot
	err := s.db.Where("owner = ?", owner).Find(&positions).Error
	return positions, err
}

// ManualReview returns records flagged for operator attention.
func (s *Store) ManualReview(leader string) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := s.db.
		Where("leader_address = ? AND needs_manual_review = ?", leader, true).
		Order("timestamp desc").
		Find(&recs).Error
	return recs, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
