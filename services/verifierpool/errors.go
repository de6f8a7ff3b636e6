package verifierpool

import "errors"

var (
	// ErrLeasePoolExhausted is returned by Execute when no lease could be claimed
	// within the allowed attempts. It wraps the error of the last attempt.
	ErrLeasePoolExhausted = errors.New("lease pool exhausted")

	// ErrNoLeaseAvailable means a single acquire attempt came back empty.
	ErrNoLeaseAvailable = errors.New("no lease available")

	// ErrReclaimSweepFailed wraps a store error from a stale lease sweep.
	ErrReclaimSweepFailed = errors.New("reclaim sweep failed")

	// ErrPoolClosed is returned once Shutdown has been called.
	ErrPoolClosed = errors.New("verifier pool closed")
)
