package verifierpool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/verifierpool/internal/credential"
	"github.com/R3E-Network/verifierpool/internal/registry"
	"github.com/R3E-Network/verifierpool/pkg/testutil"
)

// countingRegistry counts claim and sweep calls on top of another registry.
type countingRegistry struct {
	registry.Registry
	claims   atomic.Int64
	reclaims atomic.Int64
}

func (c *countingRegistry) ClaimOne(ctx context.Context, height uint64, maxPending int64) (*registry.Record, error) {
	c.claims.Add(1)
	return c.Registry.ClaimOne(ctx, height, maxPending)
}

func (c *countingRegistry) ReclaimStale(ctx context.Context, height, window uint64) (int64, error) {
	c.reclaims.Add(1)
	return c.Registry.ReclaimStale(ctx, height, window)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxPending = 1
	cfg.MaxRetries = 3
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.ReleaseTimeout = time.Second
	cfg.ResubscribeDelay = 10 * time.Millisecond
	return cfg
}

type fixture struct {
	pool    *Pool
	mem     *registry.Memory
	heights *testutil.MockHeightSource
	keys    []string
}

func newFixture(t *testing.T, n int, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		mem:     registry.NewMemory(),
		heights: testutil.NewMockHeightSource(100),
		keys:    testutil.GenerateKeys(t, n),
	}
	pool, err := Initialize(context.Background(), cfg, Dependencies{
		Registry: f.mem,
		Chain:    f.heights,
	}, f.keys)
	require.NoError(t, err)
	f.pool = pool
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return f
}

func (f *fixture) lockAll(height uint64) {
	for _, addr := range f.pool.Addresses() {
		f.mem.Set(registry.Record{Address: addr, IsLocked: true, PendingCount: 1, LastClaimedHeight: height})
	}
}

func loadSigners(t *testing.T, n int) map[string]*credential.Signer {
	t.Helper()
	signers, err := credential.Load(context.Background(), testutil.GenerateKeys(t, n), credential.SchemeEVM, nil)
	require.NoError(t, err)
	return signers
}

// occupancy tracks which addresses are inside an operation.
type occupancy struct {
	mu       sync.Mutex
	busy     map[string]bool
	current  int
	peak     int
	overlaps []string
}

func newOccupancy() *occupancy {
	return &occupancy{busy: make(map[string]bool)}
}

func (o *occupancy) enter(addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy[addr] {
		o.overlaps = append(o.overlaps, addr)
	}
	o.busy[addr] = true
	o.current++
	if o.current > o.peak {
		o.peak = o.current
	}
}

func (o *occupancy) leave(addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy[addr] = false
	o.current--
}

func (o *occupancy) result() (peak int, overlaps []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := append([]string(nil), o.overlaps...)
	sort.Strings(out)
	return o.peak, out
}
