// Package lease provides expiring, worker-scoped claims on trade records.
// Claims live in the database so they hold across process restarts and
// between processes sharing one store.
package lease

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/storage"
)

const DefaultTimeout = 2 * time.Minute

// Manager claims and releases leases on behalf of a single worker identity.
type Manager struct {
	store    *storage.Store
	workerID string
	timeout  time.Duration
}

func NewManager(store *storage.Store, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Manager{
		store:    store,
		workerID: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		timeout:  timeout,
	}
}

func (m *Manager) WorkerID() string { return m.workerID }

func (m *Manager) Timeout() time.Duration { return m.timeout }

// Acquire attempts to claim the record. A false return means another worker
// holds a live lease or the record is no longer claimable.
func (m *Manager) Acquire(recordID uint) (bool, error) {
	ok, err := m.store.TryClaim(recordID, m.workerID, m.timeout)
	if err != nil {
		return false, fmt.Errorf("claim record %d: %w", recordID, err)
	}
	return ok, nil
}

// Release gives up the lease. Safe to call when the lease was lost; only the
// current holder's lease is cleared.
func (m *Manager) Release(recordID uint) {
	if err := m.store.ReleaseLease(recordID, m.workerID); err != nil {
		log.Error().Err(err).Uint("record", recordID).Msg("Lease release failed")
	}
}

// Extend pushes out the expiry of a lease this worker still holds. Used
// during long execution loops so the lease outlives slow fills.
func (m *Manager) Extend(recordID uint) (bool, error) {
	return m.store.ExtendLease(recordID, m.workerID, m.timeout)
}

// Status returns the current lease view of a record.
func (m *Manager) Status(recordID uint) (*storage.LeaseInfo, error) {
	return m.store.LeaseStatus(recordID)
}

// Sweep resets stale claimed records to detected and returns any executing
// records whose lease expired. The latter are never reset here; an order may
// have reached the exchange, so they go to an operator instead.
func (m *Manager) Sweep(leader string) (int64, []storage.TradeRecord, error) {
	reset, err := m.store.ResetExpiredClaims(leader)
	if err != nil {
		return 0, nil, fmt.Errorf("reset expired claims: %w", err)
	}
	if reset > 0 {
		log.Warn().Int64("count", reset).Msg("Reset expired claims to detected")
	}
	stuck, err := m.store.StuckExecuting(leader)
	if err != nil {
		return reset, nil, fmt.Errorf("query stuck executing: %w", err)
	}
	return reset, stuck, nil
}
