package verifierpool

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/R3E-Network/verifierpool/internal/chain"
	"github.com/R3E-Network/verifierpool/internal/credential"
	"github.com/R3E-Network/verifierpool/internal/logging"
)

// Execute results reported to metrics.
const (
	resultOK        = "ok"
	resultError     = "error"
	resultExhausted = "exhausted"
)

// Operation performs a chain submission with the leased signer. The signer must not
// be used after the operation returns.
type Operation func(ctx context.Context, signer *credential.Signer) error

// ExecuteOptions bound lease acquisition. MaxRetries counts attempts, not retries
// after the first.
type ExecuteOptions struct {
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultExecuteOptions returns three attempts one second apart.
func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{MaxRetries: 3, RetryDelay: time.Second}
}

// Submitter sends a transaction signed by a leased verifier.
type Submitter interface {
	Submit(ctx context.Context, signer *credential.Signer, req chain.TxRequest) (*types.Receipt, error)
}

// Execute leases a verifier, runs op with its signer and releases the lease on every
// exit path, panics included. Acquisition is retried with a fixed delay; op itself
// is never retried and its error is returned unchanged. A nil opts uses the pool
// defaults.
func (p *Pool) Execute(ctx context.Context, op Operation, opts *ExecuteOptions) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	start := time.Now()
	lease, err := p.acquire(ctx, p.executeOptions(opts))
	if err != nil {
		p.metrics.RecordExecute(resultExhausted, time.Since(start))
		return err
	}

	ctx = logging.WithLeaseID(ctx, lease.ID())
	result := resultError
	defer func() {
		_ = lease.Release(ctx)
		p.metrics.RecordExecute(result, time.Since(start))
	}()

	if err := op(ctx, lease.Signer()); err != nil {
		return err
	}
	result = resultOK
	return nil
}

// Submit runs sub.Submit under a lease and returns its receipt.
func (p *Pool) Submit(ctx context.Context, sub Submitter, req chain.TxRequest, opts *ExecuteOptions) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := p.Execute(ctx, func(ctx context.Context, signer *credential.Signer) error {
		r, err := sub.Submit(ctx, signer, req)
		receipt = r
		return err
	}, opts)
	return receipt, err
}

func (p *Pool) acquire(ctx context.Context, opts ExecuteOptions) (*Lease, error) {
	var last error
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if p.closed.Load() {
			return nil, ErrPoolClosed
		}

		lease, err := p.coordinator.Acquire(ctx)
		if err == nil {
			return lease, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		last = err

		if attempt == opts.MaxRetries {
			break
		}
		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	p.metrics.RecordExhausted()
	p.log.Warn(ctx, "lease pool exhausted", map[string]interface{}{
		"attempts":    opts.MaxRetries,
		"retry_delay": opts.RetryDelay.String(),
	})
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrLeasePoolExhausted, opts.MaxRetries, last)
}

func (p *Pool) executeOptions(opts *ExecuteOptions) ExecuteOptions {
	o := ExecuteOptions{MaxRetries: p.cfg.MaxRetries, RetryDelay: p.cfg.RetryDelay}
	if opts != nil {
		o = *opts
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 1
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	return o
}
