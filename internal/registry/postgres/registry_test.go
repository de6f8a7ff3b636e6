package postgres

import (
	"context"
	"errors"
	"os"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/verifierpool/internal/registry"
)

func newMock(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestClaimOne_ReturnsClaimedRecord(t *testing.T) {
	reg, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"address", "is_locked", "pending_count", "last_claimed_height"}).
		AddRow("0xA", true, int64(1), int64(42))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(int64(42), int64(5)).
		WillReturnRows(rows)

	rec, err := reg.ClaimOne(context.Background(), 42, 5)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, registry.Record{Address: "0xA", IsLocked: true, PendingCount: 1, LastClaimedHeight: 42}, *rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOne_EmptyIsNotAnError(t *testing.T) {
	reg, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE verifiers")).
		WillReturnRows(sqlmock.NewRows([]string{"address", "is_locked", "pending_count", "last_claimed_height"}))

	rec, err := reg.ClaimOne(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOne_WrapsDriverError(t *testing.T) {
	reg, mock := newMock(t)
	boom := errors.New("connection reset")

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE verifiers")).WillReturnError(boom)

	_, err := reg.ClaimOne(context.Background(), 1, 5)
	assert.True(t, errors.Is(err, boom))
}

func TestRelease(t *testing.T) {
	reg, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("GREATEST(pending_count - 1, 0)")).
		WithArgs("0xA").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE verifiers")).
		WithArgs("0xZ").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, reg.Release(context.Background(), "0xA"))
	err := reg.Release(context.Background(), "0xZ")
	assert.True(t, errors.Is(err, registry.ErrUnknownVerifier))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStale(t *testing.T) {
	reg, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE is_locked = TRUE AND last_claimed_height < $2")).
		WithArgs(int64(102), int64(101)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := reg.ReclaimStale(context.Background(), 102, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStale_YoungChainSkipsQuery(t *testing.T) {
	reg, mock := newMock(t)

	n, err := reg.ReclaimStale(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAndEnsure(t *testing.T) {
	reg, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (address) DO UPDATE")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (address) DO NOTHING")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, reg.UpsertAll(ctx, []string{"0xA", "0xB", "0xA"}))
	require.NoError(t, reg.EnsureAll(ctx, []string{"0xA", "0xC"}))
	require.NoError(t, reg.UpsertAll(ctx, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetAllAndList(t *testing.T) {
	reg, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("SET is_locked = FALSE, pending_count = 0")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY address")).
		WillReturnRows(sqlmock.NewRows([]string{"address", "is_locked", "pending_count", "last_claimed_height"}).
			AddRow("0xA", false, int64(0), int64(7)).
			AddRow("0xB", false, int64(0), int64(9)))

	ctx := context.Background()
	require.NoError(t, reg.ResetAll(ctx))
	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []registry.Record{
		{Address: "0xA", LastClaimedHeight: 7},
		{Address: "0xB", LastClaimedHeight: 9},
	}, list)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"a", "b", "a", "b"}))
	assert.Empty(t, dedupe(nil))
}

func TestRegistryIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	reg, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	addrs := []string{"0xintegration1", "0xintegration2"}
	require.NoError(t, reg.UpsertAll(ctx, addrs))
	t.Cleanup(func() {
		_, _ = reg.db.ExecContext(ctx, `DELETE FROM verifiers WHERE address = ANY($1)`, pq.Array(addrs))
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := reg.ClaimOne(ctx, 10, 5)
			if err != nil || rec == nil {
				return
			}
			mu.Lock()
			claimed = append(claimed, rec.Address)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Other rows in a shared database may win claims; ours can each be taken once.
	seen := map[string]int{}
	for _, a := range claimed {
		seen[a]++
	}
	for _, a := range addrs {
		assert.LessOrEqual(t, seen[a], 1, a)
	}

	n, err := reg.ReclaimStale(ctx, 12, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(0))

	require.NoError(t, reg.UpsertAll(ctx, addrs))
}
