// Package chain provides block height sources and transaction submission for the
// chains the verifier pool signs for.
package chain

import (
	"context"
	"errors"
)

// ErrSubscriptionClosed is delivered when a subscription ends without a transport error.
var ErrSubscriptionClosed = errors.New("height subscription closed")

// HeightSource reports the current block height and streams new heights.
type HeightSource interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	SubscribeHeights(ctx context.Context) (HeightSubscription, error)
}

// HeightSubscription delivers block heights until it fails or is unsubscribed.
// At most one error is sent on Err, after which no further heights arrive.
type HeightSubscription interface {
	Heights() <-chan uint64
	Err() <-chan error
	Unsubscribe()
}
