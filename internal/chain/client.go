package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/R3E-Network/verifierpool/internal/credential"
)

// ErrTxReverted is returned by Submit when the transaction was mined with a failed status.
var ErrTxReverted = errors.New("transaction reverted")

// gasBufferPercent pads gas estimates.
const gasBufferPercent = 20

// EVMConfig configures an EVMClient.
type EVMConfig struct {
	// ChainID overrides the node-reported chain id when non-zero.
	ChainID uint64
	// PollInterval is used when the transport does not support head notifications.
	PollInterval time.Duration
}

// EVMClient is a HeightSource and transaction submitter for EVM chains.
type EVMClient struct {
	eth          *ethclient.Client
	pollInterval time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

var _ HeightSource = (*EVMClient)(nil)

// DialEVM connects to an EVM JSON-RPC endpoint. Websocket and IPC endpoints get push
// notifications; HTTP endpoints fall back to polling.
func DialEVM(ctx context.Context, rawURL string, cfg EVMConfig) (*EVMClient, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	eth, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return NewEVMClient(eth, cfg), nil
}

// NewEVMClient wraps an existing ethclient.
func NewEVMClient(eth *ethclient.Client, cfg EVMConfig) *EVMClient {
	c := &EVMClient{eth: eth, pollInterval: cfg.PollInterval}
	if cfg.ChainID != 0 {
		c.chainID = new(big.Int).SetUint64(cfg.ChainID)
	}
	return c
}

// Close closes the RPC connection.
func (c *EVMClient) Close() {
	c.eth.Close()
}

// CurrentHeight returns the latest block number.
func (c *EVMClient) CurrentHeight(ctx context.Context) (uint64, error) {
	h, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return h, nil
}

// SubscribeHeights subscribes to new heads, polling when notifications are unavailable.
func (c *EVMClient) SubscribeHeights(ctx context.Context) (HeightSubscription, error) {
	heads := make(chan *types.Header, 16)
	sub, err := c.eth.SubscribeNewHead(ctx, heads)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return NewPollingSubscription(ctx, c, c.pollInterval), nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}
	return newHeadSubscription(sub, heads), nil
}

// ChainID returns the configured chain id, querying the node on first use.
func (c *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// TxRequest describes a transaction to submit from a leased verifier.
type TxRequest struct {
	To    *common.Address
	Value *big.Int
	Data  []byte
	// GasLimit skips estimation when non-zero.
	GasLimit uint64
}

// Submit builds, signs and sends a transaction from signer and waits for its receipt.
func (c *EVMClient) Submit(ctx context.Context, signer *credential.Signer, req TxRequest) (*types.Receipt, error) {
	from, err := signer.CommonAddress()
	if err != nil {
		return nil, err
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit, err = c.eth.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		gasLimit += gasLimit * gasBufferPercent / 100
	}

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce for %s: %w", from.Hex(), err)
	}

	tx, err := c.buildTx(ctx, chainID, nonce, gasLimit, value, req)
	if err != nil {
		return nil, err
	}

	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction %s: %w", signed.Hash().Hex(), err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTxReverted, signed.Hash().Hex())
	}
	return receipt, nil
}

// buildTx prefers a dynamic-fee transaction and falls back to legacy pricing on chains
// without a base fee.
func (c *EVMClient) buildTx(ctx context.Context, chainID *big.Int, nonce, gasLimit uint64, value *big.Int, req TxRequest) (*types.Transaction, error) {
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       req.To,
			Value:    value,
			Data:     req.Data,
		}), nil
	}

	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        req.To,
		Value:     value,
		Data:      req.Data,
	}), nil
}

// headSubscription adapts a new-head subscription to HeightSubscription.
type headSubscription struct {
	sub     ethereum.Subscription
	heights chan uint64
	errc    chan error
	quit    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newHeadSubscription(sub ethereum.Subscription, heads <-chan *types.Header) *headSubscription {
	s := &headSubscription{
		sub:     sub,
		heights: make(chan uint64, 1),
		errc:    make(chan error, 1),
		quit:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(heads)
	return s
}

func (s *headSubscription) loop(heads <-chan *types.Header) {
	defer s.wg.Done()
	for {
		select {
		case head := <-heads:
			if head == nil || head.Number == nil {
				continue
			}
			select {
			case s.heights <- head.Number.Uint64():
			case <-s.quit:
				return
			}
		case err, ok := <-s.sub.Err():
			if !ok || err == nil {
				err = ErrSubscriptionClosed
			}
			s.errc <- err
			return
		case <-s.quit:
			return
		}
	}
}

func (s *headSubscription) Heights() <-chan uint64 { return s.heights }

func (s *headSubscription) Err() <-chan error { return s.errc }

func (s *headSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
	s.wg.Wait()
}
