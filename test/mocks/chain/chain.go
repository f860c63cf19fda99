// Package chain provides an in-memory chain provider for tests.
package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	anysender "github.com/anydotcrypto/cyberdice"
)

// CallHandler answers eth_call requests
type CallHandler func(msg ethereum.CallMsg) ([]byte, error)

// Chain implements anysender.ChainProvider in memory.
// Every call to BlockNumber advances the head by BlocksPerPoll.
type Chain struct {
	mu sync.Mutex

	height        uint64
	BlocksPerPoll uint64
	chainID       *big.Int
	gasPrice      *big.Int

	balances map[common.Address]*big.Int
	logs     []types.Log
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	nonces   map[common.Address]uint64

	// OnSend runs after a transaction is accepted, with the lock released
	OnSend func(tx *types.Transaction)
	// Call answers CallContract; nil returns an error
	Call CallHandler

	// BlockNumberErr, FilterErr and SendErr force failures when set
	BlockNumberErr error
	FilterErr      error
	SendErr        error
	// FailFilters makes the next n FilterLogs calls return FilterErr
	FailFilters int

	filterCalls int
	queries     []ethereum.FilterQuery
}

var _ anysender.ChainProvider = (*Chain)(nil)

// New creates a chain at height
func New(height uint64) *Chain {
	return &Chain{
		height:   height,
		chainID:  big.NewInt(1),
		gasPrice: big.NewInt(1_000_000_000),
		balances: make(map[common.Address]*big.Int),
		receipts: make(map[common.Hash]*types.Receipt),
		nonces:   make(map[common.Address]uint64),
	}
}

// Height returns the current head without advancing it
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// SetHeight moves the head
func (c *Chain) SetHeight(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = h
}

// Mine advances the head by n blocks
func (c *Chain) Mine(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
}

// SetBalance sets the on-chain balance of an account
func (c *Chain) SetBalance(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(wei)
}

// AddLog appends a log visible to FilterLogs
func (c *Chain) AddLog(l types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, l)
}

// SetReceipt registers a receipt for a transaction hash
func (c *Chain) SetReceipt(r *types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[r.TxHash] = r
}

// Sent returns every transaction accepted by SendTransaction
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Transaction, len(c.sent))
	copy(out, c.sent)
	return out
}

// FilterCalls returns how many times FilterLogs was called
func (c *Chain) FilterCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filterCalls
}

// Queries returns every filter query received
func (c *Chain) Queries() []ethereum.FilterQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ethereum.FilterQuery, len(c.queries))
	copy(out, c.queries)
	return out
}

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BlockNumberErr != nil {
		return 0, c.BlockNumberErr
	}
	h := c.height
	c.height += c.BlocksPerPoll
	return h, nil
}

func (c *Chain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filterCalls++
	c.queries = append(c.queries, q)
	if c.FailFilters > 0 {
		c.FailFilters--
		if c.FilterErr != nil {
			return nil, c.FilterErr
		}
		return nil, errors.New("filter failed")
	}
	if c.FilterErr != nil {
		return nil, c.FilterErr
	}

	var out []types.Log
	for _, l := range c.logs {
		if matches(q, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matches(q ethereum.FilterQuery, l types.Log) bool {
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
		return false
	}
	if len(q.Topics) > len(l.Topics) {
		return false
	}
	for i, alternatives := range q.Topics {
		if len(alternatives) == 0 {
			continue
		}
		found := false
		for _, topic := range alternatives {
			if topic == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *Chain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if c.Call == nil {
		return nil, errors.New("no call handler")
	}
	return c.Call(msg)
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *Chain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 60000, nil
}

func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	if c.SendErr != nil {
		c.mu.Unlock()
		return c.SendErr
	}
	c.sent = append(c.sent, tx)
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err == nil {
		c.nonces[from]++
	}
	onSend := c.OnSend
	c.mu.Unlock()

	if onSend != nil {
		onSend(tx)
	}
	return nil
}

// MineReceipt returns an OnSend hook that mines every transaction in the
// next block with the given status.
func (c *Chain) MineReceipt(status uint64) func(tx *types.Transaction) {
	return func(tx *types.Transaction) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.height++
		c.receipts[tx.Hash()] = &types.Receipt{
			Status:      status,
			TxHash:      tx.Hash(),
			BlockNumber: new(big.Int).SetUint64(c.height),
		}
	}
}
