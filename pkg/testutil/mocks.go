// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/verifierpool/internal/chain"
	"github.com/R3E-Network/verifierpool/internal/registry"
)

// MockHeightSource is a manually driven chain.HeightSource.
type MockHeightSource struct {
	mu           sync.Mutex
	height       uint64
	heightErr    error
	subscribeErr error
	subs         map[*mockSubscription]struct{}
	subscribes   int
}

var _ chain.HeightSource = (*MockHeightSource)(nil)

// NewMockHeightSource creates a source reporting height.
func NewMockHeightSource(height uint64) *MockHeightSource {
	return &MockHeightSource{height: height, subs: make(map[*mockSubscription]struct{})}
}

// SetHeight changes the height reported by CurrentHeight without notifying subscribers.
func (m *MockHeightSource) SetHeight(h uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = h
}

// FailHeight makes CurrentHeight return err until called again with nil.
func (m *MockHeightSource) FailHeight(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heightErr = err
}

// FailSubscribe makes SubscribeHeights return err until called again with nil.
func (m *MockHeightSource) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// Push sets the height and delivers it to every live subscription.
func (m *MockHeightSource) Push(h uint64) {
	m.mu.Lock()
	m.height = h
	subs := make([]*mockSubscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.heights <- h:
		case <-s.quit:
		}
	}
}

// Break ends every live subscription with err.
func (m *MockHeightSource) Break(err error) {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[*mockSubscription]struct{})
	m.mu.Unlock()

	for s := range subs {
		select {
		case s.errc <- err:
		default:
		}
	}
}

// Subscribes returns how many successful subscriptions were made.
func (m *MockHeightSource) Subscribes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribes
}

// Subscribers returns the number of live subscriptions.
func (m *MockHeightSource) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *MockHeightSource) CurrentHeight(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heightErr != nil {
		return 0, m.heightErr
	}
	return m.height, nil
}

func (m *MockHeightSource) SubscribeHeights(context.Context) (chain.HeightSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	s := &mockSubscription{
		owner:   m,
		heights: make(chan uint64),
		errc:    make(chan error, 1),
		quit:    make(chan struct{}),
	}
	m.subs[s] = struct{}{}
	m.subscribes++
	return s, nil
}

type mockSubscription struct {
	owner   *MockHeightSource
	heights chan uint64
	errc    chan error
	quit    chan struct{}
	once    sync.Once
}

func (s *mockSubscription) Heights() <-chan uint64 { return s.heights }

func (s *mockSubscription) Err() <-chan error { return s.errc }

func (s *mockSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		close(s.quit)
	})
}

// FaultyRegistry wraps a registry and injects errors per operation.
type FaultyRegistry struct {
	registry.Registry

	mu         sync.Mutex
	claimErr   error
	releaseErr error
	reclaimErr error
	releases   int
}

// NewFaultyRegistry wraps inner.
func NewFaultyRegistry(inner registry.Registry) *FaultyRegistry {
	return &FaultyRegistry{Registry: inner}
}

// FailClaims makes ClaimOne return err; nil restores normal behaviour.
func (f *FaultyRegistry) FailClaims(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimErr = err
}

// FailReleases makes Release return err without touching the inner registry.
func (f *FaultyRegistry) FailReleases(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseErr = err
}

// FailReclaims makes ReclaimStale return err.
func (f *FaultyRegistry) FailReclaims(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimErr = err
}

// Releases counts Release calls, failed ones included.
func (f *FaultyRegistry) Releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

func (f *FaultyRegistry) ClaimOne(ctx context.Context, height uint64, maxPending int64) (*registry.Record, error) {
	f.mu.Lock()
	err := f.claimErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Registry.ClaimOne(ctx, height, maxPending)
}

func (f *FaultyRegistry) Release(ctx context.Context, address string) error {
	f.mu.Lock()
	f.releases++
	err := f.releaseErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Registry.Release(ctx, address)
}

func (f *FaultyRegistry) ReclaimStale(ctx context.Context, height, window uint64) (int64, error) {
	f.mu.Lock()
	err := f.reclaimErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Registry.ReclaimStale(ctx, height, window)
}

// GenerateKeys returns n fresh secp256k1 keys as 0x-less hex strings.
func GenerateKeys(t testing.TB, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		k, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		out = append(out, hex.EncodeToString(crypto.FromECDSA(k)))
	}
	return out
}
