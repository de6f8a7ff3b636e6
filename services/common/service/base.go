// Package service provides common service infrastructure.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/verifierpool/internal/logging"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker reports an aggregated health status string.
type HealthChecker interface {
	HealthStatus() string
}

// BaseConfig contains shared configuration for all services.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logging.Logger
}

// BaseService carries the plumbing every service shares:
// - a gorilla/mux router for its HTTP surface
// - safe stop channel management (sync.Once prevents double-close panic)
// - an optional hydration hook run before workers start
// - background workers that are awaited on Stop
// - a statistics provider for the /info endpoint
type BaseService struct {
	id      string
	name    string
	version string
	log     *logging.Logger
	router  *mux.Router

	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	hydrate func(context.Context) error
	statsFn func() map[string]any
	probes  map[string]func(context.Context) error

	workers []func(context.Context)

	healthMu        sync.RWMutex
	probeResults    map[string]string
	lastHealthCheck time.Time
	startTime       time.Time
}

var _ HealthChecker = (*BaseService)(nil)

// NewBase constructs a BaseService from shared config.
func NewBase(cfg BaseConfig) *BaseService {
	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &BaseService{
		id:           cfg.ID,
		name:         cfg.Name,
		version:      cfg.Version,
		log:          log,
		router:       mux.NewRouter(),
		stopCh:       make(chan struct{}),
		probes:       make(map[string]func(context.Context) error),
		probeResults: make(map[string]string),
	}
}

func (b *BaseService) ID() string              { return b.id }
func (b *BaseService) Name() string            { return b.name }
func (b *BaseService) Version() string         { return b.version }
func (b *BaseService) Router() *mux.Router     { return b.router }
func (b *BaseService) Logger() *logging.Logger { return b.log }

// WithHydrate sets an optional hook executed during Start before workers launch.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider for the /info endpoint.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// WithProbe registers a dependency check consulted by HealthStatus.
func (b *BaseService) WithProbe(name string, fn func(context.Context) error) *BaseService {
	b.probes[name] = fn
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers must return once ctx is done or StopChan is closed.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

// AddTickerWorker registers a worker that calls fn every interval until Stop.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error) *BaseService {
	worker := func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					b.log.WithContext(ctx).WithError(err).Warn("worker error")
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate with ctx, then spins workers. Workers get a context that keeps
// ctx's values but not its deadline, and is cancelled by Stop.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	for _, w := range b.workers {
		worker := w
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			worker(workerCtx)
		}()
	}

	b.log.Info(ctx, "service started", map[string]interface{}{
		"service_id": b.id,
		"version":    b.version,
		"workers":    len(b.workers),
	})
	return nil
}

// Stop signals workers and waits for them to return. It is idempotent.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.cancel != nil {
			b.cancel()
		}
	})
	b.wg.Wait()
	return nil
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// CheckHealth refreshes the cached health state by running every probe.
func (b *BaseService) CheckHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	results := make(map[string]string, len(b.probes))
	for name, probe := range b.probes {
		if err := probe(ctx); err != nil {
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	b.healthMu.Lock()
	b.probeResults = results
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus returns "healthy", "unhealthy" when any probe fails, or "stopped".
func (b *BaseService) HealthStatus() string {
	select {
	case <-b.stopCh:
		return "stopped"
	default:
	}

	b.CheckHealth()
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	for _, res := range b.probeResults {
		if res != "ok" {
			return "unhealthy"
		}
	}
	return "healthy"
}

// HealthDetails returns a map describing the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	details := map[string]any{}
	for name, res := range b.probeResults {
		details[name] = res
	}
	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()

	return details
}
