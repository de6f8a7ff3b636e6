package chain

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is used when a poller is created with a non-positive interval.
const DefaultPollInterval = 2 * time.Second

type heightReader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

// pollingSubscription emulates a head subscription by polling CurrentHeight.
type pollingSubscription struct {
	heights chan uint64
	errc    chan error
	quit    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewPollingSubscription polls source every interval and emits a height whenever it
// increases. The first successful poll is always emitted. A failed poll ends the
// subscription with that error.
func NewPollingSubscription(ctx context.Context, source heightReader, interval time.Duration) HeightSubscription {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	s := &pollingSubscription{
		heights: make(chan uint64, 1),
		errc:    make(chan error, 1),
		quit:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx, source, interval)
	return s
}

func (s *pollingSubscription) loop(ctx context.Context, source heightReader, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last    uint64
		emitted bool
	)
	for {
		h, err := source.CurrentHeight(ctx)
		if err != nil {
			s.errc <- err
			return
		}
		if !emitted || h > last {
			select {
			case s.heights <- h:
				last, emitted = h, true
			case <-s.quit:
				return
			case <-ctx.Done():
				s.errc <- ctx.Err()
				return
			}
		}

		select {
		case <-ticker.C:
		case <-s.quit:
			return
		case <-ctx.Done():
			s.errc <- ctx.Err()
			return
		}
	}
}

func (s *pollingSubscription) Heights() <-chan uint64 { return s.heights }

func (s *pollingSubscription) Err() <-chan error { return s.errc }

func (s *pollingSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
	})
	s.wg.Wait()
}
