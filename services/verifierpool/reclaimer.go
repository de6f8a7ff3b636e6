package verifierpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/verifierpool/internal/chain"
	"github.com/R3E-Network/verifierpool/internal/logging"
	"github.com/R3E-Network/verifierpool/internal/metrics"
	"github.com/R3E-Network/verifierpool/internal/registry"
)

// Reclaimer force-releases leases held longer than the block window. It keeps no
// per-lease state, so every process sharing a registry may run one.
type Reclaimer struct {
	registry         registry.Registry
	heights          chain.HeightSource
	blockWindow      uint64
	interval         uint64
	schedule         string
	resubscribeDelay time.Duration
	log              *logging.Logger
	metrics          *metrics.Collector

	mu          sync.Mutex
	checked     bool
	lastChecked uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReclaimer creates a reclaimer. An empty cfg.FallbackSweep disables the
// scheduled sweep.
func NewReclaimer(
	reg registry.Registry,
	heights chain.HeightSource,
	cfg Config,
	log *logging.Logger,
	m *metrics.Collector,
) *Reclaimer {
	if log == nil {
		log = logging.NewNop()
	}
	delay := cfg.ResubscribeDelay
	if delay <= 0 {
		delay = chain.DefaultPollInterval
	}
	return &Reclaimer{
		registry:         reg,
		heights:          heights,
		blockWindow:      cfg.BlockWindow,
		interval:         cfg.ReclaimIntervalBlocks,
		schedule:         cfg.FallbackSweep,
		resubscribeDelay: delay,
		log:              log,
		metrics:          m,
	}
}

// LastChecked returns the height of the last successful sweep.
func (r *Reclaimer) LastChecked() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastChecked, r.checked
}

// OnHeight handles one height notification. It sweeps on the first notification and
// then whenever the height has moved at least the reclaim interval past the last
// successful sweep. A failed sweep leaves the last checked height untouched.
func (r *Reclaimer) OnHeight(ctx context.Context, height uint64) error {
	r.metrics.RecordHeight(height)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.checked && height < r.lastChecked+r.interval {
		return nil
	}

	n, err := r.registry.ReclaimStale(ctx, height, r.blockWindow)
	r.metrics.RecordSweep(n, err)
	if err != nil {
		r.log.Error(ctx, "stale lease sweep failed", map[string]interface{}{
			"height": height,
			"error":  err.Error(),
		})
		return fmt.Errorf("%w at height %d: %w", ErrReclaimSweepFailed, height, err)
	}

	r.checked = true
	r.lastChecked = height

	fields := map[string]interface{}{"height": height, "reclaimed": n}
	if n > 0 {
		r.log.Info(ctx, "reclaimed stale leases", fields)
	} else {
		r.log.Debug(ctx, "stale lease sweep complete", fields)
	}
	return nil
}

// Run follows chain heights until ctx is done, resubscribing after a lost
// subscription. When a fallback schedule is set, a cron job also polls the current
// height so sweeps continue while no notifications arrive.
func (r *Reclaimer) Run(ctx context.Context) {
	if r.schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(r.schedule, func() { r.poll(ctx) }); err != nil {
			r.log.WithContext(ctx).WithError(err).WithField("schedule", r.schedule).
				Error("invalid fallback sweep schedule")
		} else {
			c.Start()
			defer func() { <-c.Stop().Done() }()
		}
	}

	for attempt := 0; ; attempt++ {
		err := r.follow(ctx, attempt > 0)
		if ctx.Err() != nil {
			return
		}
		r.log.Warn(ctx, "height subscription lost", map[string]interface{}{
			"error": err.Error(),
			"retry": r.resubscribeDelay.String(),
		})

		timer := time.NewTimer(r.resubscribeDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Reclaimer) follow(ctx context.Context, resubscribe bool) error {
	sub, err := r.heights.SubscribeHeights(ctx)
	if err != nil {
		return fmt.Errorf("subscribe heights: %w", err)
	}
	defer sub.Unsubscribe()

	if resubscribe {
		r.log.Warn(ctx, "height subscription restored", nil)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = chain.ErrSubscriptionClosed
			}
			return err
		case h, ok := <-sub.Heights():
			if !ok {
				return chain.ErrSubscriptionClosed
			}
			// Failures are logged by OnHeight and retried on the next height.
			_ = r.OnHeight(ctx, h)
		}
	}
}

func (r *Reclaimer) poll(ctx context.Context) {
	h, err := r.heights.CurrentHeight(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.log.WithContext(ctx).WithError(err).Warn("fallback sweep could not read chain height")
		}
		return
	}
	_ = r.OnHeight(ctx, h)
}

// Start runs the reclaimer in its own goroutine. It is a no-op if already running.
func (r *Reclaimer) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		r.Run(ctx)
	}()
}

// Stop cancels a reclaimer started with Start and waits for it to exit.
func (r *Reclaimer) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
