package lease

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polycopy/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertDetected(t *testing.T, s *storage.Store, tx string) *storage.TradeRecord {
	t.Helper()
	rec := &storage.TradeRecord{
		LeaderAddress:   "0xleader",
		TransactionHash: tx,
		TokenID:         "1234",
		Timestamp:       time.Now().Unix(),
		Side:            "BUY",
		Size:            decimal.NewFromInt(10),
		State:           storage.StateDetected,
	}
	_, err := s.InsertDetected(rec)
	require.NoError(t, err)
	return rec
}

func TestAcquireIsExclusiveAcrossManagers(t *testing.T) {
	s := newTestStore(t)
	rec := insertDetected(t, s, "0xaaa")

	m1 := NewManager(s, time.Minute)
	m2 := NewManager(s, time.Minute)
	require.NotEqual(t, m1.WorkerID(), m2.WorkerID())

	ok, err := m1.Acquire(rec.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m2.Acquire(rec.ID)
	require.NoError(t, err)
	require.False(t, ok)

	m1.Release(rec.ID)

	ok, err = m2.Acquire(rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	rec := insertDetected(t, s, "0xaaa")

	m1 := NewManager(s, -time.Second) // clamps to default
	require.Equal(t, DefaultTimeout, m1.Timeout())

	ok, err := s.TryClaim(rec.ID, "dead-worker", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m1.Acquire(rec.ID)
	require.NoError(t, err)
	require.True(t, ok, "expired lease must be acquirable")

	info, err := m1.Status(rec.ID)
	require.NoError(t, err)
	require.Equal(t, m1.WorkerID(), *info.ClaimedBy)
}

func TestSweepSeparatesClaimedFromExecuting(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, time.Minute)

	claimed := insertDetected(t, s, "0xclaimed")
	ok, err := s.TryClaim(claimed.ID, "dead-worker", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	executing := insertDetected(t, s, "0xexecuting")
	ok, err = s.TryClaim(executing.ID, "dead-worker", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ReserveIdempotency(executing.ID, "key-1")
	require.NoError(t, err)
	require.True(t, ok)

	reset, stuck, err := m.Sweep("0xleader")
	require.NoError(t, err)
	require.Equal(t, int64(1), reset)
	require.Len(t, stuck, 1)
	require.Equal(t, executing.ID, stuck[0].ID)

	got, err := s.Get(claimed.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StateDetected, got.State)

	got, err = s.Get(executing.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StateExecuting, got.State, "stuck executing stays put")
}

func TestExtendOnlyWhileHeld(t *testing.T) {
	s := newTestStore(t)
	rec := insertDetected(t, s, "0xaaa")
	m := NewManager(s, time.Minute)

	ok, err := m.Extend(rec.ID)
	require.NoError(t, err)
	require.False(t, ok, "cannot extend a lease never acquired")

	ok, err = m.Acquire(rec.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Extend(rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
}
