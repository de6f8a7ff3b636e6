package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/rpcclient"
)

type blockCounter interface {
	GetBlockCount() (uint32, error)
}

// NeoClient is a polling HeightSource for Neo N3 nodes.
type NeoClient struct {
	rpc          blockCounter
	closer       func()
	pollInterval time.Duration
}

var _ HeightSource = (*NeoClient)(nil)

// DialNeo connects to a Neo N3 JSON-RPC endpoint.
func DialNeo(ctx context.Context, endpoint string, pollInterval time.Duration) (*NeoClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	c, err := rpcclient.New(ctx, endpoint, rpcclient.Options{})
	if err != nil {
		return nil, fmt.Errorf("dial neo %s: %w", endpoint, err)
	}
	return &NeoClient{rpc: c, closer: c.Close, pollInterval: pollInterval}, nil
}

// Close releases the RPC client.
func (c *NeoClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// CurrentHeight returns the index of the latest block, which is getblockcount - 1.
func (c *NeoClient) CurrentHeight(_ context.Context) (uint64, error) {
	count, err := c.rpc.GetBlockCount()
	if err != nil {
		return 0, fmt.Errorf("getblockcount: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	return uint64(count - 1), nil
}

// SubscribeHeights polls the node; Neo RPC has no head notifications over HTTP.
func (c *NeoClient) SubscribeHeights(ctx context.Context) (HeightSubscription, error) {
	return NewPollingSubscription(ctx, c, c.pollInterval), nil
}
