package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	anysender "github.com/anydotcrypto/cyberdice"
)

// SendTransaction signs and broadcasts a legacy transaction from signer to to,
// estimating gas when gasLimit is zero. It returns the signed transaction.
func SendTransaction(
	ctx context.Context,
	chain anysender.ChainProvider,
	signer anysender.TransactionSigner,
	to common.Address,
	value *big.Int,
	data []byte,
	gasLimit uint64,
) (*types.Transaction, error) {
	if value == nil {
		value = new(big.Int)
	}

	chainID, err := chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	nonce, err := chain.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	if gasLimit == 0 {
		gasLimit, err = chain.EstimateGas(ctx, ethereum.CallMsg{
			From:  signer.Address(),
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := signer.SignTransaction(ctx, tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := chain.SendTransaction(ctx, signedTx); err != nil {
		return signedTx, fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx, nil
}

// CallView performs an eth_call against contract at the latest block
func CallView(ctx context.Context, chain anysender.ChainReader, contract common.Address, calldata []byte) ([]byte, error) {
	result, err := chain.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: calldata,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call contract: %w", err)
	}
	return result, nil
}
