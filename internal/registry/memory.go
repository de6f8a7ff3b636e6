package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is a thread-safe in-process registry. It is atomic within one process only
// and is intended for tests and single-instance deployments.
type Memory struct {
	mu      sync.Mutex
	records map[string]*Record
}

var _ Registry = (*Memory)(nil)

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

func (m *Memory) UpsertAll(_ context.Context, addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, addr := range addresses {
		m.records[addr] = &Record{Address: addr}
	}
	return nil
}

func (m *Memory) EnsureAll(_ context.Context, addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, addr := range addresses {
		if _, ok := m.records[addr]; !ok {
			m.records[addr] = &Record{Address: addr}
		}
	}
	return nil
}

func (m *Memory) ClaimOne(_ context.Context, currentHeight uint64, maxPending int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Record
	for _, rec := range m.records {
		if !rec.Eligible(maxPending) {
			continue
		}
		if best == nil || Less(*rec, *best) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}

	best.IsLocked = true
	best.LastClaimedHeight = currentHeight
	best.PendingCount++

	out := *best
	return &out, nil
}

func (m *Memory) Release(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVerifier, address)
	}
	rec.IsLocked = false
	if rec.PendingCount > 0 {
		rec.PendingCount--
	}
	return nil
}

func (m *Memory) ReclaimStale(_ context.Context, currentHeight, blockWindow uint64) (int64, error) {
	threshold, ok := StaleThreshold(currentHeight, blockWindow)
	if !ok {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, rec := range m.records {
		if rec.IsLocked && rec.LastClaimedHeight < threshold {
			rec.IsLocked = false
			rec.PendingCount = 0
			rec.LastClaimedHeight = currentHeight
			n++
		}
	}
	return n, nil
}

func (m *Memory) ResetAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		rec.IsLocked = false
		rec.PendingCount = 0
	}
	return nil
}

func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// Get returns a copy of the record for address.
func (m *Memory) Get(address string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[address]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Set overwrites a record. Tests use it to stage registry state.
func (m *Memory) Set(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := rec
	m.records[rec.Address] = &r
}
