package verifierpool

import (
	"context"
	"fmt"

	"github.com/R3E-Network/verifierpool/internal/credential"
)

// =============================================================================
// Lifecycle
// =============================================================================

// Start checks the chain is reachable, seeds the registry and starts the reclaimer.
func (p *Pool) Start(ctx context.Context) error {
	height, err := p.chain.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("chain unreachable: %w", err)
	}
	p.metrics.RecordHeight(height)

	if err := p.BaseService.Start(ctx); err != nil {
		return err
	}

	p.log.Info(ctx, "verifier pool initialized", map[string]interface{}{
		"verifiers":   len(p.signers),
		"height":      height,
		"max_pending": p.cfg.MaxPending,
		"reset":       p.cfg.ResetOnStartup,
	})
	return nil
}

// hydrate registers every loaded verifier. Existing records keep their lease state
// unless ResetOnStartup is set; leases left by dead processes are reclaimed by the
// sweep instead.
func (p *Pool) hydrate(ctx context.Context) error {
	addrs := credential.Addresses(p.signers)
	if p.cfg.ResetOnStartup {
		if err := p.registry.UpsertAll(ctx, addrs); err != nil {
			return fmt.Errorf("reset verifiers: %w", err)
		}
		return nil
	}
	if err := p.registry.EnsureAll(ctx, addrs); err != nil {
		return fmt.Errorf("register verifiers: %w", err)
	}
	return nil
}

// Shutdown rejects new executions, resets the registry when configured and stops the
// reclaimer. Leases still held are released normally by their executions. Subsequent
// calls return the first result.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.closed.Store(true)

		if p.cfg.ResetOnShutdown {
			if err := p.registry.ResetAll(ctx); err != nil {
				p.log.WithContext(ctx).WithError(err).Error("failed to reset verifiers on shutdown")
				p.shutdownErr = fmt.Errorf("reset verifiers: %w", err)
			}
		}

		_ = p.BaseService.Stop()
		p.log.Info(ctx, "verifier pool stopped", nil)
	})
	return p.shutdownErr
}

// Stop is Shutdown without a caller context.
func (p *Pool) Stop() error {
	return p.Shutdown(context.Background())
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	return p.closed.Load()
}
