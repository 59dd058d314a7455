package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/skyhive/skyhive/internal/pipeline"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStoreWithPool(mock, "entities", 3, fixedClock{now: testNow})
	require.NoError(t, err)
	return store, mock
}

func TestNewStoreRejectsBadTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStoreWithPool(mock, "entities; DROP TABLE", 3, fixedClock{now: testNow})
	require.Error(t, err)
}

func TestAddIfAbsentInsertsOnce(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO entities").
		WithArgs("user-1", "alice.example", "discovered", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := store.AddIfAbsent(context.Background(), "user-1", "alice.example")
	require.NoError(t, err)
	require.True(t, inserted)

	mock.ExpectExec("INSERT INTO entities").
		WithArgs("user-1", "alice.example", "discovered", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err = store.AddIfAbsent(context.Background(), "user-1", "alice.example")
	require.NoError(t, err)
	require.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddIfAbsentRejectsEmptyID(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, err := store.AddIfAbsent(context.Background(), "", "alice.example")
	require.Error(t, err)
}

func TestClaimBatchReturnsLeasedEntities(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	expires := testNow.Add(time.Minute)

	rows := pgxmock.NewRows([]string{
		"id", "handle", "status", "version", "claimed_by", "claim_expires_at", "last_error", "attempts", "updated_at",
	}).AddRow(
		"user-1", "alice.example", "discovered", int64(2),
		ptr("worker-a"), &expires, (*string)(nil), []byte(`{"profile":1}`), testNow,
	)

	mock.ExpectQuery("UPDATE entities SET").
		WithArgs("worker-a", expires, testNow, "discovered", 10).
		WillReturnRows(rows)

	batch, err := store.ClaimBatch(context.Background(), pipeline.StatusDiscovered, 10, "worker-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "user-1", batch[0].ID)
	require.Equal(t, "worker-a", batch[0].ClaimedBy)
	require.Equal(t, int64(2), batch[0].Version)
	require.Equal(t, 1, batch[0].Attempts[pipeline.StageProfile])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchZeroLimitSkipsQuery(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	batch, err := store.ClaimBatch(context.Background(), pipeline.StatusDiscovered, 0, "worker-a", time.Minute)
	require.NoError(t, err)
	require.Empty(t, batch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteConflictOnStaleVersion(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE entities SET").
		WithArgs("profiled", testNow, "user-1", int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.Complete(context.Background(), "user-1", 7, pipeline.StatusProfiled)
	require.ErrorIs(t, err, pipeline.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailChargesAttempt(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE entities SET").
		WithArgs("profile", 3, "failed:profile", "profile: request timeout", testNow, "user-1", int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.Fail(context.Background(), "user-1", 4, pipeline.StageProfile, errors.New("request timeout"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedTerminal(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE entities SET").
		WithArgs("failed:content", "content: account deleted", testNow, "user-1", int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.MarkFailed(context.Background(), "user-1", 2, pipeline.StageContent, errors.New("account deleted"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseExpiredLeasesReportsCount(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE entities SET").
		WithArgs(testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	released, err := store.ReleaseExpiredLeases(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusCountsBucketsStale(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)

	rows := pgxmock.NewRows([]string{"bucket", "count"}).
		AddRow("discovered", 5).
		AddRow("stale", 2).
		AddRow("failed:profile", 1)

	mock.ExpectQuery("SELECT").
		WithArgs(testNow).
		WillReturnRows(rows)

	counts, err := store.StatusCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, counts[pipeline.StatusDiscovered])
	require.Equal(t, 2, counts[pipeline.StatusStale])
	require.Equal(t, 1, counts[pipeline.FailedStatus(pipeline.StageProfile)])
	require.NoError(t, mock.ExpectationsWereMet())
}

func ptr(s string) *string { return &s }
