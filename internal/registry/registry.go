// Package registry holds the durable pool state: one record per verifier identity.
//
// The registry is shared by every process that signs with the same verifier set, so
// all mutations go through atomic operations of the backing store. Implementations
// must never claim with a read-then-write sequence.
package registry

import (
	"context"
	"errors"
)

// ErrUnknownVerifier is returned when an operation names an address with no record.
var ErrUnknownVerifier = errors.New("unknown verifier")

// Record is the persisted lease state of a single verifier identity.
type Record struct {
	Address           string `json:"address" db:"address"`
	IsLocked          bool   `json:"is_locked" db:"is_locked"`
	PendingCount      int64  `json:"pending_count" db:"pending_count"`
	LastClaimedHeight uint64 `json:"last_claimed_height" db:"last_claimed_height"`
}

// Registry is the storage contract of the verifier pool.
type Registry interface {
	// UpsertAll creates or resets a record per address to the unlocked/zero state.
	UpsertAll(ctx context.Context, addresses []string) error
	// EnsureAll creates missing records and leaves existing lease state untouched.
	EnsureAll(ctx context.Context, addresses []string) error
	// ClaimOne atomically picks the least-loaded unlocked record with
	// PendingCount < maxPending, locks it at currentHeight and increments PendingCount.
	// It returns nil, nil when nothing is eligible.
	ClaimOne(ctx context.Context, currentHeight uint64, maxPending int64) (*Record, error)
	// Release unlocks the record and decrements PendingCount, flooring at zero.
	Release(ctx context.Context, address string) error
	// ReclaimStale unlocks every lease claimed before currentHeight-blockWindow and
	// returns how many records were reset.
	ReclaimStale(ctx context.Context, currentHeight, blockWindow uint64) (int64, error)
	// ResetAll forces every record to the unlocked/zero state.
	ResetAll(ctx context.Context) error
	// List returns every record ordered by address.
	List(ctx context.Context) ([]Record, error)
}

// StaleThreshold returns the height below which a held lease is stale, and false when
// the chain is too young for any lease to be stale.
func StaleThreshold(currentHeight, blockWindow uint64) (uint64, bool) {
	if currentHeight <= blockWindow {
		return 0, false
	}
	return currentHeight - blockWindow, true
}

// Eligible reports whether r may be claimed under maxPending.
func (r Record) Eligible(maxPending int64) bool {
	return !r.IsLocked && r.PendingCount < maxPending
}

// Less orders claim candidates: fewest pending first, then oldest claim, then address.
func Less(a, b Record) bool {
	if a.PendingCount != b.PendingCount {
		return a.PendingCount < b.PendingCount
	}
	if a.LastClaimedHeight != b.LastClaimedHeight {
		return a.LastClaimedHeight < b.LastClaimedHeight
	}
	return a.Address < b.Address
}
