// Package verifierpool multiplexes chain submissions across a fixed set of signing
// identities. Leases are coordinated through a shared registry so several processes
// can draw from the same pool, and stale leases are reclaimed as the chain advances.
package verifierpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/verifierpool/internal/chain"
	"github.com/R3E-Network/verifierpool/internal/config"
	"github.com/R3E-Network/verifierpool/internal/credential"
	"github.com/R3E-Network/verifierpool/internal/logging"
	"github.com/R3E-Network/verifierpool/internal/metrics"
	"github.com/R3E-Network/verifierpool/internal/registry"
	commonservice "github.com/R3E-Network/verifierpool/services/common/service"
)

const (
	ServiceID   = "verifierpool"
	ServiceName = "Verifier Lease Pool"
	Version     = "1.0.0"
)

// Config holds pool behaviour. Zero values are replaced by DefaultConfig values in New.
type Config struct {
	Scheme credential.Scheme

	MaxPending            int64
	BlockWindow           uint64
	ReclaimIntervalBlocks uint64
	ResetOnStartup        bool
	ResetOnShutdown       bool
	FallbackSweep         string
	ResubscribeDelay      time.Duration

	MaxRetries     int
	RetryDelay     time.Duration
	ClaimRate      float64
	ClaimBurst     int
	ReleaseTimeout time.Duration
}

// DefaultConfig returns the built-in pool settings.
func DefaultConfig() Config {
	exec := DefaultExecuteOptions()
	return Config{
		Scheme:                credential.SchemeEVM,
		MaxPending:            5,
		BlockWindow:           1,
		ReclaimIntervalBlocks: 5,
		ResetOnShutdown:       true,
		ResubscribeDelay:      chain.DefaultPollInterval,
		MaxRetries:            exec.MaxRetries,
		RetryDelay:            exec.RetryDelay,
		ClaimBurst:            1,
		ReleaseTimeout:        5 * time.Second,
	}
}

// ConfigFromPool maps process configuration onto pool settings.
func ConfigFromPool(pc *config.PoolConfig) (Config, error) {
	scheme, err := credential.ParseScheme(pc.Chain)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Scheme:                scheme,
		MaxPending:            pc.MaxPending,
		BlockWindow:           pc.BlockWindow,
		ReclaimIntervalBlocks: pc.ReclaimIntervalBlocks,
		ResetOnStartup:        pc.ResetOnStartup,
		ResetOnShutdown:       pc.ResetOnShutdown,
		ResubscribeDelay:      pc.PollInterval,
		MaxRetries:            pc.MaxRetries,
		RetryDelay:            pc.RetryDelay,
		ClaimRate:             pc.ClaimRate,
		ClaimBurst:            pc.ClaimBurst,
		ReleaseTimeout:        pc.ReleaseTimeout,
	}
	if pc.SweepEnabled() {
		cfg.FallbackSweep = pc.FallbackSweep
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Scheme == "" {
		c.Scheme = d.Scheme
	}
	if c.MaxPending < 1 {
		c.MaxPending = d.MaxPending
	}
	if c.ResubscribeDelay <= 0 {
		c.ResubscribeDelay = d.ResubscribeDelay
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = d.ReleaseTimeout
	}
	return c
}

// Dependencies are the collaborators a pool is built from. Logger and Metrics are
// optional.
type Dependencies struct {
	Registry registry.Registry
	Chain    chain.HeightSource
	Logger   *logging.Logger
	Metrics  *metrics.Collector
}

// Pool is the verifier lease pool service.
type Pool struct {
	*commonservice.BaseService

	cfg         Config
	registry    registry.Registry
	chain       chain.HeightSource
	signers     map[string]*credential.Signer
	coordinator *Coordinator
	reclaimer   *Reclaimer
	log         *logging.Logger
	metrics     *metrics.Collector

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// VerifierStatus is a registry record annotated with whether this process holds the
// matching signer.
type VerifierStatus struct {
	registry.Record
	Loaded bool `json:"loaded"`
}

// New builds a pool over already validated signers. The pool is not started.
func New(cfg Config, deps Dependencies, signers map[string]*credential.Signer) (*Pool, error) {
	if deps.Registry == nil {
		return nil, errors.New("verifierpool: registry is required")
	}
	if deps.Chain == nil {
		return nil, errors.New("verifierpool: chain height source is required")
	}
	if len(signers) == 0 {
		return nil, credential.ErrNoValidCredentials
	}
	log := deps.Logger
	if log == nil {
		log = logging.NewNop()
	}
	cfg = cfg.withDefaults()

	base := commonservice.NewBase(commonservice.BaseConfig{
		ID:      ServiceID,
		Name:    ServiceName,
		Version: Version,
		Logger:  log,
	})

	p := &Pool{
		BaseService: base,
		cfg:         cfg,
		registry:    deps.Registry,
		chain:       deps.Chain,
		signers:     signers,
		coordinator: NewCoordinator(deps.Registry, deps.Chain, signers, cfg, log, deps.Metrics),
		reclaimer:   NewReclaimer(deps.Registry, deps.Chain, cfg, log, deps.Metrics),
		log:         log,
		metrics:     deps.Metrics,
	}

	base.WithHydrate(p.hydrate)
	base.WithStats(p.Stats)
	base.AddWorker(p.reclaimer.Run)

	p.registerRoutes()
	return p, nil
}

// Initialize validates credentials, builds the pool and starts it. It fails when no
// credential is usable, the chain is unreachable or the registry cannot be seeded.
func Initialize(ctx context.Context, cfg Config, deps Dependencies, credentials []string) (*Pool, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = credential.SchemeEVM
	}
	signers, err := credential.Load(ctx, credentials, cfg.Scheme, deps.Logger)
	if err != nil {
		return nil, err
	}

	p, err := New(cfg, deps, signers)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Config returns the effective pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Coordinator exposes the lease coordinator for callers that manage leases directly.
func (p *Pool) Coordinator() *Coordinator {
	return p.coordinator
}

// Reclaimer exposes the stale lease reclaimer.
func (p *Pool) Reclaimer() *Reclaimer {
	return p.reclaimer
}

// Addresses returns the loaded verifier addresses in sorted order.
func (p *Pool) Addresses() []string {
	addrs := credential.Addresses(p.signers)
	sort.Strings(addrs)
	return addrs
}

// Verifiers returns every registry record, flagging the ones this process can sign for.
func (p *Pool) Verifiers(ctx context.Context) ([]VerifierStatus, error) {
	records, err := p.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list verifiers: %w", err)
	}
	out := make([]VerifierStatus, 0, len(records))
	for _, rec := range records {
		_, loaded := p.signers[rec.Address]
		out = append(out, VerifierStatus{Record: rec, Loaded: loaded})
	}
	return out, nil
}

// Stats returns pool statistics for the /info endpoint.
func (p *Pool) Stats() map[string]any {
	stats := map[string]any{
		"verifiers":        len(p.signers),
		"leases_in_flight": p.coordinator.InFlight(),
		"max_pending":      p.cfg.MaxPending,
		"block_window":     p.cfg.BlockWindow,
		"closed":           p.closed.Load(),
	}
	if h, ok := p.reclaimer.LastChecked(); ok {
		stats["last_sweep_height"] = h
	}
	return stats
}
