package anysender

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ============================================================================
// Collaborators
// ============================================================================

// Signer is an account identity that can sign 32-byte digests.
// Signers are owned by the caller and are never copied or mutated internally.
type Signer interface {
	// Address returns the signer's Ethereum address
	Address() common.Address

	// SignDigest signs a 32-byte digest and returns a 65-byte [R || S || V] signature
	// with V in {27, 28}
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// TransactionSigner is a Signer that can also sign on-chain transactions.
type TransactionSigner interface {
	Signer

	SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ChainReader is the read side of the chain provider.
// *ethclient.Client satisfies it.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainWriter is the transaction-submission side of the chain provider.
// *ethclient.Client satisfies it.
type ChainWriter interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ChainProvider combines chain reads and transaction submission.
type ChainProvider interface {
	ChainReader
	ChainWriter
}

// RelayOperator is the relay operator's API.
type RelayOperator interface {
	// Balance returns the prepaid balance the operator holds for an address
	Balance(ctx context.Context, address common.Address) (*big.Int, error)

	// Relay submits a signed relay transaction and returns the operator's receipt.
	// No retry is attempted; rejections surface to the caller.
	Relay(ctx context.Context, tx *RelayTransaction) (*RelayReceipt, error)
}

// ============================================================================
// Lifecycle components
// ============================================================================

// FundingGate makes sure the signer's operator balance can pay for relaying.
type FundingGate interface {
	EnsureFunded(ctx context.Context, signer TransactionSigner) (*DepositResult, error)
}

// PayloadEncoder allocates replay protection and signs forwardable calls.
type PayloadEncoder interface {
	SignMetaTransaction(ctx context.Context, signer Signer, call Call) (*MetaTransactionPayload, error)

	// EncodeForward returns the forwarding contract and the calldata that invokes it
	EncodeForward(payload *MetaTransactionPayload) (common.Address, []byte, error)
}

// RelayBuilder builds and signs deadline-bound relay transactions.
type RelayBuilder interface {
	Build(ctx context.Context, signer Signer, to common.Address, gas uint64, data []byte, compensation *big.Int) (*RelayTransaction, error)
}

// ConfirmationWatcher blocks until a relay transaction's execution event is on chain.
type ConfirmationWatcher interface {
	Watch(ctx context.Context, tx *RelayTransaction) (*ConfirmationRecord, error)
}

// NonceConsumer is optionally implemented by a PayloadEncoder that wants to
// learn when an allocated nonce has been confirmed on chain.
type NonceConsumer interface {
	Consume(signer common.Address, lane uint64, nonce *big.Int)
}

// NonceReleaser is optionally implemented by a PayloadEncoder that can take
// back a nonce whose meta-transaction never reached the chain, so the lane
// does not skip it.
type NonceReleaser interface {
	Release(signer common.Address, lane uint64, nonce *big.Int)
}
