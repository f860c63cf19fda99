// Package relay builds relay transactions for the any.sender operator,
// watches the relay contract for their execution and keeps the sender's
// operator balance funded.
package relay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
)

// HeightReader reads the current chain height
type HeightReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// BuilderConfig configures a Builder
type BuilderConfig struct {
	Chain HeightReader
	// RelayContract defaults to the mainnet relay contract
	RelayContract common.Address
	// MinimumDeadline is added to the current height, default 410.
	// It must be strictly greater than the protocol minimum of 400.
	MinimumDeadline uint64
	Logger          log.Logger
}

// Builder produces signed, deadline-bound relay transactions
type Builder struct {
	chain           HeightReader
	relayContract   common.Address
	minimumDeadline uint64
	logger          log.Logger
}

var _ anysender.RelayBuilder = (*Builder)(nil)

// NewBuilder creates a Builder
func NewBuilder(config BuilderConfig) (*Builder, error) {
	if config.Chain == nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "chain provider is required", nil)
	}
	b := &Builder{
		chain:           config.Chain,
		relayContract:   config.RelayContract,
		minimumDeadline: config.MinimumDeadline,
		logger:          config.Logger,
	}
	if b.relayContract == (common.Address{}) {
		b.relayContract = evm.MainnetRelayContract
	}
	if b.minimumDeadline == 0 {
		b.minimumDeadline = evm.DefaultMinimumDeadline
	}
	if b.logger == nil {
		b.logger = log.Root()
	}
	return b, nil
}

// Build reads the current height, sets deadlineBlockNumber = height + MinimumDeadline
// and signs the EIP-191 hash of the relay transaction id. The height is read on
// every call. Nothing is returned when any step fails.
func (b *Builder) Build(ctx context.Context, signer anysender.Signer, to common.Address, gas uint64, data []byte, compensation *big.Int) (*anysender.RelayTransaction, error) {
	if b.minimumDeadline <= evm.ProtocolMinimumDeadline {
		return nil, anysender.NewRelayError(anysender.ErrCodeInvalidDeadline, anysender.StepBuild,
			fmt.Sprintf("minimum deadline %d must exceed the protocol minimum of %d blocks", b.minimumDeadline, evm.ProtocolMinimumDeadline), nil)
	}
	if compensation == nil {
		compensation = new(big.Int)
	}
	if compensation.Sign() < 0 {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepBuild, "compensation cannot be negative", nil)
	}

	height, err := b.chain.BlockNumber(ctx)
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepBuild, "failed to read block number", err)
	}

	unsigned := anysender.UnsignedRelayTransaction{
		From:                 signer.Address(),
		To:                   to,
		Gas:                  gas,
		Data:                 append([]byte{}, data...),
		DeadlineBlockNumber:  height + b.minimumDeadline,
		Compensation:         new(big.Int).Set(compensation),
		RelayContractAddress: b.relayContract,
	}

	return b.Sign(ctx, signer, unsigned)
}

// Sign signs an unsigned relay transaction as is
func (b *Builder) Sign(ctx context.Context, signer anysender.Signer, unsigned anysender.UnsignedRelayTransaction) (*anysender.RelayTransaction, error) {
	id := unsigned.ID()
	signature, err := evm.SignMessage(ctx, signer, id.Bytes())
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeSigning, anysender.StepBuild, "failed to sign relay transaction", err).WithRelayTx(id)
	}

	b.logger.Debug("Built relay transaction", "relayTxId", id, "from", unsigned.From, "to", unsigned.To, "deadline", unsigned.DeadlineBlockNumber)

	return &anysender.RelayTransaction{
		UnsignedRelayTransaction: unsigned,
		Signature:                signature,
	}, nil
}

// VerifySignature reports whether tx is signed by its From address
func VerifySignature(tx *anysender.RelayTransaction) (bool, error) {
	return evm.VerifyMessage(tx.ID().Bytes(), tx.Signature, tx.From)
}
