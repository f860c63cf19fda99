package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	anysender "github.com/anydotcrypto/cyberdice"
)

// RelayExecuted is a decoded RelayExecuted event of the relay contract
type RelayExecuted struct {
	RelayTxID common.Hash
	Success   bool
	From      common.Address
	To        common.Address
	GasUsed   *big.Int
	GasPrice  *big.Int

	BlockNumber uint64
	TxHash      common.Hash
}

// RelayExecutedSignature returns the topic0 of the RelayExecuted event
func RelayExecutedSignature() common.Hash {
	return relayABI.Events[EventRelayExecuted].ID
}

// RelayExecutedTopics returns the log filter topics matching executions of tx:
// the event signature followed by the indexed from and to addresses.
func RelayExecutedTopics(tx *anysender.RelayTransaction) [][]common.Hash {
	return [][]common.Hash{
		{RelayExecutedSignature()},
		{common.BytesToHash(tx.From.Bytes())},
		{common.BytesToHash(tx.To.Bytes())},
	}
}

// DecodeRelayExecuted decodes a RelayExecuted log
func DecodeRelayExecuted(log types.Log) (*RelayExecuted, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("unexpected topic count %d for %s", len(log.Topics), EventRelayExecuted)
	}
	if log.Topics[0] != RelayExecutedSignature() {
		return nil, fmt.Errorf("log is not a %s event: %s", EventRelayExecuted, log.Topics[0].Hex())
	}

	values, err := relayABI.Unpack(EventRelayExecuted, log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", EventRelayExecuted, err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("unexpected %s field count %d", EventRelayExecuted, len(values))
	}

	id, ok := values[0].([32]byte)
	if !ok {
		return nil, fmt.Errorf("invalid relayTxId type %T", values[0])
	}
	success, ok := values[1].(bool)
	if !ok {
		return nil, fmt.Errorf("invalid success type %T", values[1])
	}
	gasUsed, ok := values[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("invalid gasUsed type %T", values[2])
	}
	gasPrice, ok := values[3].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("invalid gasPrice type %T", values[3])
	}

	return &RelayExecuted{
		RelayTxID:   common.Hash(id),
		Success:     success,
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		GasUsed:     gasUsed,
		GasPrice:    gasPrice,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
	}, nil
}

// EncodeRelayExecuted builds the log the relay contract emits for an execution.
// Used by fake chains in tests and the operator stub.
func EncodeRelayExecuted(ev RelayExecuted, relayContract common.Address) (types.Log, error) {
	gasUsed := ev.GasUsed
	if gasUsed == nil {
		gasUsed = new(big.Int)
	}
	gasPrice := ev.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}

	data, err := relayABI.Events[EventRelayExecuted].Inputs.NonIndexed().Pack(
		[32]byte(ev.RelayTxID), ev.Success, gasUsed, gasPrice,
	)
	if err != nil {
		return types.Log{}, fmt.Errorf("failed to pack %s: %w", EventRelayExecuted, err)
	}

	return types.Log{
		Address: relayContract,
		Topics: []common.Hash{
			RelayExecutedSignature(),
			common.BytesToHash(ev.From.Bytes()),
			common.BytesToHash(ev.To.Bytes()),
		},
		Data:        data,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
	}, nil
}

// PackDepositFor returns the calldata of depositFor(recipient)
func PackDepositFor(recipient common.Address) ([]byte, error) {
	data, err := relayABI.Pack(FunctionDepositFor, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", FunctionDepositFor, err)
	}
	return data, nil
}
