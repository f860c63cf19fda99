package evm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jpillora/backoff"

	anysender "github.com/anydotcrypto/cyberdice"
)

// ErrTransactionReverted is returned when a mined transaction has a failed status
var ErrTransactionReverted = errors.New("transaction reverted")

// ConfirmationOptions tunes WaitForConfirmations polling
type ConfirmationOptions struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	// OnProgress is called with the current confirmation count after every poll
	OnProgress func(confirmations uint64)
}

// Confirmations returns how many blocks (inclusive) have been built on top of minedIn
func Confirmations(height, minedIn uint64) uint64 {
	if height < minedIn {
		return 0
	}
	return height - minedIn + 1
}

// WaitForConfirmations blocks until txHash is mined and buried under
// confirmations blocks, or ctx is done. Receipt and height errors other than
// "not found" are returned immediately.
func WaitForConfirmations(ctx context.Context, chain anysender.ChainReader, txHash common.Hash, confirmations uint64, opts ConfirmationOptions) (*types.Receipt, error) {
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Second
	}
	if opts.MaxInterval < opts.MinInterval {
		opts.MaxInterval = 15 * time.Second
		if opts.MaxInterval < opts.MinInterval {
			opts.MaxInterval = opts.MinInterval
		}
	}
	b := &backoff.Backoff{
		Min:    opts.MinInterval,
		Max:    opts.MaxInterval,
		Factor: 1.5,
	}

	var receipt *types.Receipt
	for {
		if receipt == nil {
			r, err := chain.TransactionReceipt(ctx, txHash)
			switch {
			case err == nil:
				if r.Status != types.ReceiptStatusSuccessful {
					return r, fmt.Errorf("%w: %s", ErrTransactionReverted, txHash.Hex())
				}
				receipt = r
			case !errors.Is(err, ethereum.NotFound):
				return nil, fmt.Errorf("failed to get receipt: %w", err)
			}
		}

		if receipt != nil {
			height, err := chain.BlockNumber(ctx)
			if err != nil {
				return receipt, fmt.Errorf("failed to get block number: %w", err)
			}
			n := Confirmations(height, receipt.BlockNumber.Uint64())
			if opts.OnProgress != nil {
				opts.OnProgress(n)
			}
			if n >= confirmations {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return receipt, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}
