package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skyhive/skyhive/internal/pipeline"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAddIfAbsent_Idempotent(t *testing.T) {
	t.Parallel()

	store := NewStore(newFakeClock(), 3)
	ctx := context.Background()

	inserted, err := store.AddIfAbsent(ctx, "user-1", "alice.example")
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.AddIfAbsent(ctx, "user-1", "alice.example")
	require.NoError(t, err)
	require.False(t, inserted)

	e, ok := store.Get("user-1")
	require.True(t, ok)
	require.Equal(t, pipeline.StatusDiscovered, e.Status)
}

func TestAddIfAbsent_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	store := NewStore(newFakeClock(), 3)
	ctx := context.Background()

	const callers = 32
	var wg sync.WaitGroup
	insertedCount := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := store.AddIfAbsent(ctx, "user-1", "alice.example")
			require.NoError(t, err)
			insertedCount <- inserted
		}()
	}
	wg.Wait()
	close(insertedCount)

	wins := 0
	for inserted := range insertedCount {
		if inserted {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestAddIfAbsent_RejectsEmptyID(t *testing.T) {
	t.Parallel()

	store := NewStore(newFakeClock(), 3)
	_, err := store.AddIfAbsent(context.Background(), "", "alice.example")
	require.Error(t, err)
}

func TestClaimBatch_LeaseExclusivityAndProgression(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewStore(clock, 3)
	ctx := context.Background()

	_, err := store.AddIfAbsent(ctx, "user-1", "alice.example")
	require.NoError(t, err)

	batch, err := store.ClaimBatch(ctx, pipeline.StatusDiscovered, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "user-1", batch[0].ID)
	require.Equal(t, "worker-a", batch[0].ClaimedBy)

	// Second claim one second later returns nothing: the lease is live.
	clock.Advance(time.Second)
	batch2, err := store.ClaimBatch(ctx, pipeline.StatusDiscovered, 1, "worker-b", time.Minute)
	require.NoError(t, err)
	require.Empty(t, batch2)

	err = store.Complete(ctx, "user-1", batch[0].Version, pipeline.StatusProfiled)
	require.NoError(t, err)

	batch3, err := store.ClaimBatch(ctx, pipeline.StatusDiscovered, 1, "worker-b", time.Minute)
	require.NoError(t, err)
	require.Empty(t, batch3)

	batch4, err := store.ClaimBatch(ctx, pipeline.StatusProfiled, 1, "worker-b", time.Minute)
	require.NoError(t, err)
	require.Len(t, batch4, 1)
	require.Equal(t, "user-1", batch4[0].ID)
}

func TestClaimBatch_OldestFirstAndLimit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewStore(clock, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.AddIfAbsent(ctx, fmt.Sprintf("user-%d", i), "")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	batch, err := store.ClaimBatch(ctx, pipeline.StatusDiscovered, 3, "worker-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, "user-0", batch[0].ID)
	require.Equal(t, "user-1", batch[1].ID)
	require.Equal(t, "user-2", batch[2].ID)
}

func TestClaimBatch_ReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewStore(clock, 3)
	ctx := context.Background()

	_, err := store.AddIfAbsent(ctx, "user-1", "")
	require.NoError(t, err)

	first, err := store.ClaimBatch(ctx, pipeline.StatusDiscovered, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(2 * time.Minute)

	second, err := store.ClaimBatch(ctx, pipeline.StatusDiscovered, 1, "worker-b", time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "worker-b", second[0].ClaimedBy)

	// The stolen lease bumped the version, so the first worker's Complete
	// must observe a conflict instead of clobbering worker-b's claim.
	err = store.Complete(ctx, "user-1", first[0].Version, pipeline.StatusProfiled)
	require.ErrorIs(t, err, pipeline.ErrConflict)
}

func TestFail_RevertsUntilBudgetExceeded(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewStore(clock, 2)
	ctx := context.Background()

	_, err := store.AddIfAbsent(ctx, "user-1", "")
	require.NoError(t, err)

	batch, err := store.ClaimBatch(ctx, pipeline.StatusDiscovered, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	err = store.Fail(ctx, "user-1", batch[0].Version, pipeline.StageProfile, errors.New("timeout"))
	require.NoError(t, err)

	e, ok := store.Get("user-1")
	require.True(t, ok)
	require.Equal(t, pipeline.StatusDiscovered, e.Status)
	require.Equal(t, 1, e.Attempts[pipeline.StageProfile])
	require.Contains(t, e.LastError, "timeout")

	batch, err = store.ClaimBatch(ctx, pipeline.StatusDiscovered, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	err = store.Fail(ctx, "user-1", batch[0].Version, pipeline.StageProfile, errors.New("timeout"))
	require.NoError(t, err)

	e, _ = store.Get("user-1")
	require.Equal(t, pipeline.FailedStatus(pipeline.StageProfile), e.Status)
	require.True(t, e.Status.Terminal())
}

func TestMarkFailed_BypassesBudget(t *testing.T) {
	t.Parallel()

	store := NewStore(newFakeClock(), 5)
	ctx := context.Background()

	_, err := store.AddIfAbsent(ctx, "user-1", "")
	require.NoError(t, err)
	batch, err := store.ClaimBatch(ctx, pipeline.StatusDiscovered, 1, "worker-a", time.Minute)
	require.NoError(t, err)

	err = store.MarkFailed(ctx, "user-1", batch[0].Version, pipeline.StageProfile, errors.New("account deleted"))
	require.NoError(t, err)

	e, _ := store.Get("user-1")
	require.Equal(t, pipeline.FailedStatus(pipeline.StageProfile), e.Status)
}

func TestRelease_NoAttemptCharged(t *testing.T) {
	t.Parallel()

	store := NewStore(newFakeClock(), 3)
	ctx := context.Background()

	_, err := store.AddIfAbsent(ctx, "user-1", "")
	require.NoError(t, err)
	batch, err := store.ClaimBatch(ctx, pipeline.StatusDiscovered, 1, "worker-a", time.Minute)
	require.NoError(t, err)

	err = store.Release(ctx, "user-1", batch[0].Version)
	require.NoError(t, err)

	e, _ := store.Get("user-1")
	require.Empty(t, e.ClaimedBy)
	require.Zero(t, e.Attempts[pipeline.StageDiscovery])
	require.Equal(t, pipeline.StatusDiscovered, e.Status)
}

func TestReleaseExpiredLeases_Sweep(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewStore(clock, 3)
	ctx := context.Background()

	_, err := store.AddIfAbsent(ctx, "user-1", "")
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, pipeline.StatusDiscovered, 1, "worker-a", time.Minute)
	require.NoError(t, err)

	released, err := store.ReleaseExpiredLeases(ctx)
	require.NoError(t, err)
	require.Zero(t, released)

	clock.Advance(2 * time.Minute)

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[pipeline.StatusStale])

	released, err = store.ReleaseExpiredLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	// Idempotent: a second sweep finds nothing.
	released, err = store.ReleaseExpiredLeases(ctx)
	require.NoError(t, err)
	require.Zero(t, released)

	counts, err = store.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[pipeline.StatusDiscovered])
}

func TestClaimBatch_OverlappingClaimsNeverShareEntities(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewStore(clock, 3)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := store.AddIfAbsent(ctx, fmt.Sprintf("user-%d", i), "")
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			batch, err := store.ClaimBatch(ctx, pipeline.StatusDiscovered, 5, owner, time.Minute)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, e := range batch {
				seen[e.ID]++
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	for id, n := range seen {
		require.Equalf(t, 1, n, "entity %s claimed by %d workers", id, n)
	}
	require.Len(t, seen, 20)
}
