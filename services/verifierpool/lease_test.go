package verifierpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/verifierpool/internal/credential"
	"github.com/R3E-Network/verifierpool/internal/registry"
	"github.com/R3E-Network/verifierpool/pkg/testutil"
)

func TestCoordinator_AcquireBindsLocalSigner(t *testing.T) {
	ctx := context.Background()
	signers := loadSigners(t, 2)
	mem := registry.NewMemory()
	require.NoError(t, mem.UpsertAll(ctx, credential.Addresses(signers)))

	c := NewCoordinator(mem, testutil.NewMockHeightSource(42), signers, testConfig(), nil, nil)

	lease, err := c.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.ID())
	assert.Same(t, signers[lease.Address()], lease.Signer())
	assert.Equal(t, uint64(42), lease.Record().LastClaimedHeight)
	assert.Equal(t, int64(1), c.InFlight())

	rec, _ := mem.Get(lease.Address())
	assert.True(t, rec.IsLocked)
	assert.Equal(t, int64(1), rec.PendingCount)

	require.NoError(t, lease.Release(ctx))
	rec, _ = mem.Get(lease.Address())
	assert.False(t, rec.IsLocked)
	assert.Equal(t, int64(0), rec.PendingCount)
	assert.Equal(t, int64(0), c.InFlight())
}

func TestCoordinator_EmptyPool(t *testing.T) {
	ctx := context.Background()
	signers := loadSigners(t, 1)
	mem := registry.NewMemory()
	for addr := range signers {
		mem.Set(registry.Record{Address: addr, IsLocked: true, PendingCount: 1})
	}

	c := NewCoordinator(mem, testutil.NewMockHeightSource(1), signers, testConfig(), nil, nil)
	lease, err := c.Acquire(ctx)
	assert.Nil(t, lease)
	assert.Equal(t, ErrNoLeaseAvailable, err)
}

func TestCoordinator_InconsistentLeaseIsReleased(t *testing.T) {
	ctx := context.Background()
	signers := loadSigners(t, 1)
	mem := registry.NewMemory()
	for addr := range signers {
		mem.Set(registry.Record{Address: addr, IsLocked: true, PendingCount: 1})
	}
	const ghost = "0x0000000000000000000000000000000000000001"
	mem.Set(registry.Record{Address: ghost})

	c := NewCoordinator(mem, testutil.NewMockHeightSource(7), signers, testConfig(), nil, nil)
	lease, err := c.Acquire(ctx)
	assert.Nil(t, lease)
	assert.ErrorIs(t, err, ErrNoLeaseAvailable)
	assert.Equal(t, int64(0), c.InFlight())

	rec, ok := mem.Get(ghost)
	require.True(t, ok)
	assert.False(t, rec.IsLocked)
	assert.Equal(t, int64(0), rec.PendingCount)
}

func TestCoordinator_StoreErrorIsNoLease(t *testing.T) {
	ctx := context.Background()
	signers := loadSigners(t, 1)
	mem := registry.NewMemory()
	require.NoError(t, mem.UpsertAll(ctx, credential.Addresses(signers)))

	faulty := testutil.NewFaultyRegistry(mem)
	storeErr := errors.New("connection reset")
	faulty.FailClaims(storeErr)

	c := NewCoordinator(faulty, testutil.NewMockHeightSource(1), signers, testConfig(), nil, nil)
	_, err := c.Acquire(ctx)
	assert.ErrorIs(t, err, ErrNoLeaseAvailable)
	assert.ErrorIs(t, err, storeErr)

	heights := testutil.NewMockHeightSource(1)
	heights.FailHeight(errors.New("rpc down"))
	c = NewCoordinator(mem, heights, signers, testConfig(), nil, nil)
	_, err = c.Acquire(ctx)
	assert.ErrorIs(t, err, ErrNoLeaseAvailable)
}

func TestLease_ReleaseOnce(t *testing.T) {
	signers := loadSigners(t, 1)
	mem := registry.NewMemory()
	require.NoError(t, mem.UpsertAll(context.Background(), credential.Addresses(signers)))
	faulty := testutil.NewFaultyRegistry(mem)

	c := NewCoordinator(faulty, testutil.NewMockHeightSource(1), signers, testConfig(), nil, nil)
	lease, err := c.Acquire(context.Background())
	require.NoError(t, err)

	// A cancelled caller context must not prevent the release.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	assert.Equal(t, 1, faulty.Releases())
	assert.Equal(t, int64(0), c.InFlight())
	rec, _ := mem.Get(lease.Address())
	assert.False(t, rec.IsLocked)
}

func TestLease_ReleaseFailureIsReported(t *testing.T) {
	signers := loadSigners(t, 1)
	mem := registry.NewMemory()
	require.NoError(t, mem.UpsertAll(context.Background(), credential.Addresses(signers)))
	faulty := testutil.NewFaultyRegistry(mem)

	c := NewCoordinator(faulty, testutil.NewMockHeightSource(1), signers, testConfig(), nil, nil)
	lease, err := c.Acquire(context.Background())
	require.NoError(t, err)

	storeErr := errors.New("store unreachable")
	faulty.FailReleases(storeErr)
	err = lease.Release(context.Background())
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, err, lease.Release(context.Background()))
	assert.Equal(t, 1, faulty.Releases())
}

func TestCoordinator_ClaimRateLimit(t *testing.T) {
	signers := loadSigners(t, 1)
	mem := registry.NewMemory()
	require.NoError(t, mem.UpsertAll(context.Background(), credential.Addresses(signers)))

	cfg := testConfig()
	cfg.ClaimRate = 0.001
	cfg.ClaimBurst = 1
	c := NewCoordinator(mem, testutil.NewMockHeightSource(1), signers, cfg, nil, nil)

	lease, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))

	// The burst is spent; the next claim cannot fit inside the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLeasePoolExhausted)
}
