// Package replay implements multinonce replay protection for meta-transactions
// forwarded through a RelayHub contract.
package replay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
)

var (
	replayProtectionArguments = abi.Arguments{
		{Name: "lane", Type: evm.MustType("uint256")},
		{Name: "nonce", Type: evm.MustType("uint256")},
	}

	metaTxDigestArguments = abi.Arguments{
		{Name: "target", Type: evm.MustType("address")},
		{Name: "value", Type: evm.MustType("uint256")},
		{Name: "data", Type: evm.MustType("bytes")},
		{Name: "replayProtection", Type: evm.MustType("bytes")},
		{Name: "replayProtectionAuthority", Type: evm.MustType("address")},
		{Name: "hub", Type: evm.MustType("address")},
		{Name: "chainId", Type: evm.MustType("uint256")},
	}
)

// EncoderConfig configures an Encoder
type EncoderConfig struct {
	// Hub is the RelayHub that verifies and forwards meta-transactions (required)
	Hub common.Address
	// ChainID binds signatures to one chain (required)
	ChainID *big.Int
	// Lanes is the number of nonce lanes per signer, default 100
	Lanes uint64
	// State is shared allocation state; a fresh one is created when nil
	State *State
	// Source seeds lanes from chain on first use; lanes start at zero when nil
	Source NonceSource
	Logger log.Logger
}

// Encoder signs meta-transactions with multinonce replay protection
type Encoder struct {
	hub     common.Address
	chainID *big.Int
	state   *State
	source  NonceSource
	logger  log.Logger
}

var (
	_ anysender.PayloadEncoder = (*Encoder)(nil)
	_ anysender.NonceConsumer  = (*Encoder)(nil)
	_ anysender.NonceReleaser  = (*Encoder)(nil)
)

// NewEncoder creates an Encoder
func NewEncoder(config EncoderConfig) (*Encoder, error) {
	if config.Hub == (common.Address{}) {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "relay hub address is required", nil)
	}
	if config.ChainID == nil || config.ChainID.Sign() <= 0 {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "chain id is required", nil)
	}

	state := config.State
	if state == nil {
		lanes := config.Lanes
		if lanes == 0 {
			lanes = evm.DefaultLanes
		}
		state = NewState(lanes)
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}

	return &Encoder{
		hub:     config.Hub,
		chainID: new(big.Int).Set(config.ChainID),
		state:   state,
		source:  config.Source,
		logger:  logger,
	}, nil
}

// Hub returns the forwarding contract address
func (e *Encoder) Hub() common.Address {
	return e.hub
}

// State returns the allocation state
func (e *Encoder) State() *State {
	return e.state
}

// EncodeReplayProtection returns abi.encode(uint256 lane, uint256 nonce)
func EncodeReplayProtection(lane uint64, nonce *big.Int) ([]byte, error) {
	return replayProtectionArguments.Pack(new(big.Int).SetUint64(lane), nonce)
}

// MetaTransactionDigest returns the message a signer authorizes:
// keccak256(abi.encode(target, value, data, replayProtection, authority, hub, chainId))
func MetaTransactionDigest(target common.Address, value *big.Int, data []byte, replayProtection []byte, authority common.Address, hub common.Address, chainID *big.Int) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if data == nil {
		data = []byte{}
	}
	encoded, err := metaTxDigestArguments.Pack(target, value, data, replayProtection, authority, hub, chainID)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(encoded), nil
}

// SignMetaTransaction allocates a fresh (lane, nonce) for the signer and signs
// the call. On signing failure the allocation is released and a signing_error
// is returned.
func (e *Encoder) SignMetaTransaction(ctx context.Context, signer anysender.Signer, call anysender.Call) (*anysender.MetaTransactionPayload, error) {
	from := signer.Address()

	var seed SeedFunc
	if e.source != nil {
		seed = func(ctx context.Context, signer common.Address, lane uint64) (*big.Int, error) {
			return e.source.NonceOf(ctx, signer, lane)
		}
	}

	lane, nonce, err := e.state.Allocate(ctx, from, seed)
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepEncode, "failed to seed replay protection lane", err)
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	replayProtection, err := EncodeReplayProtection(lane, nonce)
	if err != nil {
		e.state.Release(from, lane, nonce)
		return nil, anysender.NewRelayError(anysender.ErrCodeSigning, anysender.StepEncode, "failed to encode replay protection", err)
	}

	digest, err := MetaTransactionDigest(call.Target, value, call.Data, replayProtection, evm.MultiNonceAuthority, e.hub, e.chainID)
	if err != nil {
		e.state.Release(from, lane, nonce)
		return nil, anysender.NewRelayError(anysender.ErrCodeSigning, anysender.StepEncode, "failed to encode meta-transaction", err)
	}

	signature, err := evm.SignMessage(ctx, signer, digest)
	if err != nil {
		e.state.Release(from, lane, nonce)
		return nil, anysender.NewRelayError(anysender.ErrCodeSigning, anysender.StepEncode, "failed to sign meta-transaction", err)
	}

	e.logger.Debug("Signed meta-transaction", "signer", from, "lane", lane, "nonce", nonce, "target", call.Target)

	return &anysender.MetaTransactionPayload{
		Target:                    call.Target,
		Value:                     new(big.Int).Set(value),
		Data:                      append([]byte{}, call.Data...),
		Lane:                      lane,
		Nonce:                     nonce,
		ReplayProtection:          replayProtection,
		ReplayProtectionAuthority: evm.MultiNonceAuthority,
		Hub:                       e.hub,
		Signer:                    from,
		Signature:                 signature,
	}, nil
}

// EncodeForward returns the hub address and the calldata of
// forward(target, value, data, replayProtection, authority, signer, signature)
func (e *Encoder) EncodeForward(payload *anysender.MetaTransactionPayload) (common.Address, []byte, error) {
	value := payload.Value
	if value == nil {
		value = new(big.Int)
	}
	data := []byte(payload.Data)
	if data == nil {
		data = []byte{}
	}

	calldata, err := evm.RelayHubContractABI().Pack(
		evm.FunctionForward,
		payload.Target,
		value,
		data,
		[]byte(payload.ReplayProtection),
		payload.ReplayProtectionAuthority,
		payload.Signer,
		[]byte(payload.Signature),
	)
	if err != nil {
		return common.Address{}, nil, anysender.NewRelayError(anysender.ErrCodeSigning, anysender.StepEncode, "failed to encode forward call", err)
	}
	hub := payload.Hub
	if hub == (common.Address{}) {
		hub = e.hub
	}
	return hub, calldata, nil
}

// Consume marks a nonce as used on chain
func (e *Encoder) Consume(signer common.Address, lane uint64, nonce *big.Int) {
	e.state.Consume(signer, lane, nonce)
}

// Release returns a nonce whose meta-transaction never reached the chain to
// its lane. With a nonce source configured the lane is read from the hub
// again before its next use.
func (e *Encoder) Release(signer common.Address, lane uint64, nonce *big.Int) {
	e.state.Release(signer, lane, nonce)
	if e.source != nil {
		e.state.Reseed(signer, lane)
	}
	e.logger.Debug("Released nonce", "signer", signer, "lane", lane, "nonce", nonce)
}
