package verifierpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/verifierpool/internal/chain"
	"github.com/R3E-Network/verifierpool/internal/credential"
	"github.com/R3E-Network/verifierpool/internal/logging"
	"github.com/R3E-Network/verifierpool/internal/metrics"
	"github.com/R3E-Network/verifierpool/internal/registry"
)

// Lease is an exclusive claim on one verifier. It must be released exactly once;
// extra Release calls return the first result without touching the registry.
type Lease struct {
	id         string
	signer     *credential.Signer
	record     registry.Record
	acquiredAt time.Time
	coord      *Coordinator

	once sync.Once
	err  error
}

func (l *Lease) ID() string                 { return l.id }
func (l *Lease) Signer() *credential.Signer { return l.signer }
func (l *Lease) Address() string            { return l.record.Address }
func (l *Lease) Record() registry.Record    { return l.record }
func (l *Lease) AcquiredAt() time.Time      { return l.acquiredAt }

// Release returns the verifier to the pool. It runs on a context detached from ctx's
// cancellation so an aborted caller still frees its verifier.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.coord.release(ctx, l)
	})
	return l.err
}

// Coordinator turns registry claims into leases bound to locally loaded signers.
type Coordinator struct {
	registry       registry.Registry
	heights        chain.HeightSource
	signers        map[string]*credential.Signer
	maxPending     int64
	releaseTimeout time.Duration
	limiter        *rate.Limiter
	log            *logging.Logger
	metrics        *metrics.Collector

	inFlight atomic.Int64
}

// NewCoordinator creates a coordinator. A nil logger discards output and a nil
// collector records nothing.
func NewCoordinator(
	reg registry.Registry,
	heights chain.HeightSource,
	signers map[string]*credential.Signer,
	cfg Config,
	log *logging.Logger,
	m *metrics.Collector,
) *Coordinator {
	if log == nil {
		log = logging.NewNop()
	}
	c := &Coordinator{
		registry:       reg,
		heights:        heights,
		signers:        signers,
		maxPending:     cfg.MaxPending,
		releaseTimeout: cfg.ReleaseTimeout,
		log:            log,
		metrics:        m,
	}
	if c.maxPending < 1 {
		c.maxPending = 1
	}
	if cfg.ClaimRate > 0 {
		burst := cfg.ClaimBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRate), burst)
	}
	return c
}

// InFlight returns the number of leases this coordinator has handed out and not
// yet released.
func (c *Coordinator) InFlight() int64 {
	return c.inFlight.Load()
}

// Acquire makes one claim attempt. Store and chain failures are reported as
// ErrNoLeaseAvailable wrapping the cause, so callers can retry them like an empty
// pool. A cancelled ctx is returned as is.
func (c *Coordinator) Acquire(ctx context.Context) (*Lease, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %w", ErrNoLeaseAvailable, err)
		}
	}

	height, err := c.heights.CurrentHeight(ctx)
	if err != nil {
		c.metrics.RecordClaim(metrics.ClaimError)
		c.log.WithContext(ctx).WithError(err).Warn("lease claim skipped, chain height unavailable")
		return nil, fmt.Errorf("%w: current height: %w", ErrNoLeaseAvailable, err)
	}

	rec, err := c.registry.ClaimOne(ctx, height, c.maxPending)
	if err != nil {
		c.metrics.RecordClaim(metrics.ClaimError)
		c.log.WithContext(ctx).WithError(err).Warn("lease claim failed")
		return nil, fmt.Errorf("%w: claim: %w", ErrNoLeaseAvailable, err)
	}
	if rec == nil {
		c.metrics.RecordClaim(metrics.ClaimEmpty)
		return nil, ErrNoLeaseAvailable
	}

	signer, ok := c.signers[rec.Address]
	if !ok {
		c.metrics.RecordClaim(metrics.ClaimInconsistent)
		c.log.Warn(ctx, "claimed verifier has no local signer, releasing", map[string]interface{}{
			"address": rec.Address,
		})
		if err := c.releaseAddress(ctx, rec.Address); err != nil {
			c.log.WithContext(ctx).WithError(err).WithField("address", rec.Address).
				Error("failed to release inconsistent lease")
		}
		return nil, ErrNoLeaseAvailable
	}

	c.metrics.RecordClaim(metrics.ClaimAcquired)
	c.inFlight.Add(1)

	lease := &Lease{
		id:         uuid.NewString(),
		signer:     signer,
		record:     *rec,
		acquiredAt: time.Now(),
		coord:      c,
	}
	c.log.Debug(ctx, "lease acquired", map[string]interface{}{
		"lease_id": lease.id,
		"address":  rec.Address,
		"pending":  rec.PendingCount,
		"height":   rec.LastClaimedHeight,
	})
	return lease, nil
}

func (c *Coordinator) release(ctx context.Context, l *Lease) error {
	err := c.releaseAddress(ctx, l.record.Address)
	c.inFlight.Add(-1)
	c.metrics.RecordRelease(err)

	if err != nil {
		c.log.Error(ctx, "lease release failed, stale sweep will recover it", map[string]interface{}{
			"lease_id": l.id,
			"address":  l.record.Address,
			"error":    err.Error(),
		})
		return fmt.Errorf("release %s: %w", l.record.Address, err)
	}

	c.log.Debug(ctx, "lease released", map[string]interface{}{
		"lease_id": l.id,
		"address":  l.record.Address,
		"held":     time.Since(l.acquiredAt).String(),
	})
	return nil
}

func (c *Coordinator) releaseAddress(ctx context.Context, address string) error {
	ctx = context.WithoutCancel(ctx)
	if c.releaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.releaseTimeout)
		defer cancel()
	}
	return c.registry.Release(ctx, address)
}
