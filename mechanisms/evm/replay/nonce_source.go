package replay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
)

// NonceSource reads the next unused nonce of a lane from chain
type NonceSource interface {
	NonceOf(ctx context.Context, signer common.Address, lane uint64) (*big.Int, error)
}

var laneIndexArguments = abi.Arguments{
	{Name: "signer", Type: evm.MustType("address")},
	{Name: "lane", Type: evm.MustType("uint256")},
}

// LaneIndex returns the hub storage key of a signer's lane:
// keccak256(abi.encode(signer, lane))
func LaneIndex(signer common.Address, lane uint64) (common.Hash, error) {
	encoded, err := laneIndexArguments.Pack(signer, new(big.Int).SetUint64(lane))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// HubNonceSource reads lane nonces from the hub's nonceStore mapping
type HubNonceSource struct {
	chain anysender.ChainReader
	hub   common.Address
}

// NewHubNonceSource creates a NonceSource backed by RelayHub.nonceStore
func NewHubNonceSource(chain anysender.ChainReader, hub common.Address) *HubNonceSource {
	return &HubNonceSource{chain: chain, hub: hub}
}

// NonceOf returns nonceStore(keccak256(abi.encode(signer, lane)))
func (s *HubNonceSource) NonceOf(ctx context.Context, signer common.Address, lane uint64) (*big.Int, error) {
	index, err := LaneIndex(signer, lane)
	if err != nil {
		return nil, fmt.Errorf("failed to compute lane index: %w", err)
	}

	hubABI := evm.RelayHubContractABI()
	calldata, err := hubABI.Pack(evm.FunctionNonceStore, [32]byte(index))
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", evm.FunctionNonceStore, err)
	}

	result, err := evm.CallView(ctx, s.chain, s.hub, calldata)
	if err != nil {
		return nil, err
	}

	outputs, err := hubABI.Unpack(evm.FunctionNonceStore, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", evm.FunctionNonceStore, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s output count %d", evm.FunctionNonceStore, len(outputs))
	}
	nonce, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s output type %T", evm.FunctionNonceStore, outputs[0])
	}
	return nonce, nil
}
