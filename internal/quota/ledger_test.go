package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileflow/fileflow/internal/store"
)

func newTestLedger(t *testing.T, quota int64) (*Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.PutUser(context.Background(), &store.User{
		ID:           "alice",
		StorageQuota: quota,
	}))
	return NewLedger(mem, 0, time.Hour), mem
}

func TestCheckAndReserve(t *testing.T) {
	l, _ := newTestLedger(t, 1000)
	ctx := context.Background()

	ok, err := l.CheckAndReserve(ctx, "alice", 600)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second reservation must see the first one.
	ok, err = l.CheckAndReserve(ctx, "alice", 600)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.CheckAndReserve(ctx, "alice", 400)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReserveRejectsInvalidSize(t *testing.T) {
	l, _ := newTestLedger(t, 1000)

	_, err := l.CheckAndReserve(context.Background(), "alice", 0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = l.CheckAndReserve(context.Background(), "alice", -5)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestConfirmMovesReservedToUsed(t *testing.T) {
	l, mem := newTestLedger(t, 1000)
	ctx := context.Background()

	ok, err := l.CheckAndReserve(ctx, "alice", 300)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Confirm(ctx, "alice", 300))

	u, err := mem.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(300), u.StorageUsed)

	usage, err := l.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Reserved)
	assert.Equal(t, int64(300), usage.Used)
	assert.Equal(t, int64(700), usage.Available)
}

func TestReleaseFreesReservation(t *testing.T) {
	l, _ := newTestLedger(t, 1000)
	ctx := context.Background()

	ok, _ := l.CheckAndReserve(ctx, "alice", 900)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "alice", 900))

	ok, err := l.CheckAndReserve(ctx, "alice", 900)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Upload lifecycle: quota 1000, 200 already used, reserve 900 must
// fail, reserve 700 + confirm leaves 100 available.
func TestReserveConfirmLifecycle(t *testing.T) {
	l, mem := newTestLedger(t, 1000)
	ctx := context.Background()

	_, err := mem.UpdateUsed(ctx, "alice", 200)
	require.NoError(t, err)

	ok, err := l.CheckAndReserve(ctx, "alice", 900)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.CheckAndReserve(ctx, "alice", 700)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Confirm(ctx, "alice", 700))

	usage, err := l.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(900), usage.Used)
	assert.Equal(t, int64(100), usage.Available)
}

// Concurrent reservations must never over-commit: with quota 1000 and
// 100-byte requests, exactly 10 of any number of concurrent attempts
// can win.
func TestConcurrentReservationsNoDoubleSpend(t *testing.T) {
	l, _ := newTestLedger(t, 1000)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.CheckAndReserve(ctx, "alice", 100)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
}

func TestReservationExpiry(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.PutUser(context.Background(), &store.User{
		ID:           "alice",
		StorageQuota: 1000,
	}))
	l := NewLedger(mem, 0, 10*time.Millisecond)
	ctx := context.Background()

	ok, _ := l.CheckAndReserve(ctx, "alice", 1000)
	require.True(t, ok)

	ok, _ = l.CheckAndReserve(ctx, "alice", 1000)
	assert.False(t, ok)

	time.Sleep(20 * time.Millisecond)

	// Orphaned reservation lapses, capacity recovers.
	ok, err := l.CheckAndReserve(ctx, "alice", 1000)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuotaExtensions(t *testing.T) {
	l, mem := newTestLedger(t, 1000)
	ctx := context.Background()

	require.NoError(t, mem.PutExtension(ctx, &store.QuotaExtension{
		ID:        "ext1",
		UserID:    "alice",
		AdditionalSpace: 500,
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	ok, err := l.CheckAndReserve(ctx, "alice", 1200)
	require.NoError(t, err)
	assert.True(t, ok)

	usage, err := l.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), usage.Extensions)
	assert.Equal(t, int64(1500), usage.EffectiveQuota)
}

func TestExpiredExtensionIgnored(t *testing.T) {
	l, mem := newTestLedger(t, 1000)
	ctx := context.Background()

	require.NoError(t, mem.PutExtension(ctx, &store.QuotaExtension{
		ID:        "ext1",
		UserID:    "alice",
		AdditionalSpace: 500,
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	ok, err := l.CheckAndReserve(ctx, "alice", 1200)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetBaseQuotaRejectsBelowMinimum(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.PutUser(context.Background(), &store.User{
		ID:           "alice",
		StorageQuota: 1000,
	}))
	l := NewLedger(mem, 500, time.Hour)

	err := l.SetBaseQuota(context.Background(), "alice", 100)
	assert.ErrorIs(t, err, ErrQuotaBelowMinimum)

	require.NoError(t, l.SetBaseQuota(context.Background(), "alice", 2000))
	usage, err := l.Usage(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), usage.Base)
}

func TestReleaseStorage(t *testing.T) {
	l, mem := newTestLedger(t, 1000)
	ctx := context.Background()

	_, err := mem.UpdateUsed(ctx, "alice", 400)
	require.NoError(t, err)

	require.NoError(t, l.ReleaseStorage(ctx, "alice", 300))
	u, err := mem.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.StorageUsed)

	// Floored at zero, never negative.
	require.NoError(t, l.ReleaseStorage(ctx, "alice", 500))
	u, err = mem.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.StorageUsed)
}
