package relay

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm/replay"
)

// ClientConfig holds configuration for creating a relay client
type ClientConfig struct {
	// Chain is the JSON-RPC provider (required)
	Chain anysender.ChainProvider
	// Operator is the relay operator API (required)
	Operator anysender.RelayOperator
	// Hub is the RelayHub that forwards meta-transactions (required)
	Hub common.Address
	// ChainID is read from Chain when nil
	ChainID *big.Int

	RelayContract   common.Address
	MinimumDeadline uint64
	GasLimit        uint64
	Compensation    *big.Int

	// Lanes of replay protection per signer, default 100
	Lanes uint64
	// DisableLaneSeeding starts every lane at nonce zero instead of reading
	// the hub's nonceStore on first use. Only in-memory test chains want this.
	DisableLaneSeeding bool
	// ReplayState shares allocations between clients (optional)
	ReplayState *replay.State

	// Watcher tuning, zero values use the defaults
	PollInterval  time.Duration
	MaxWait       time.Duration
	MaxAttempts   int
	DeadlineGrace int64
	Observer      func(Transition)

	// DisableDeposits skips the funding check before each ticket
	DisableDeposits      bool
	DepositThreshold     *big.Int
	DepositAmount        *big.Int
	DepositMargin        *big.Int
	DepositConfirmations uint64
	DepositTimeout       time.Duration

	// HoldTTL keeps tickets whose submission failed with a transient error for
	// resubmission by a later Send of the same call. Disabled when zero.
	HoldTTL time.Duration

	Network string
	Logger  log.Logger
}

// NewRelayClient creates an anysender.Client wired with the multinonce
// encoder, the relay transaction builder, the confirmation watcher and,
// unless disabled, the deposit manager.
//
// Example:
//
//	operator := anyhttp.NewOperatorClient(&anyhttp.OperatorConfig{URL: evm.DefaultOperatorAPI})
//	client, err := relay.NewRelayClient(ctx, relay.ClientConfig{
//	    Chain:    ethClient,
//	    Operator: operator,
//	    Hub:      hub,
//	})
//	result, err := client.Send(ctx, signer, call)
func NewRelayClient(ctx context.Context, config ClientConfig) (*anysender.Client, error) {
	if config.Chain == nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "chain provider is required", nil)
	}
	if config.Operator == nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "relay operator is required", nil)
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}

	chainID := config.ChainID
	if chainID == nil {
		id, err := config.Chain.ChainID(ctx)
		if err != nil {
			return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepConfig, "failed to read chain id", err)
		}
		chainID = id
	}

	var source replay.NonceSource
	if !config.DisableLaneSeeding {
		source = replay.NewHubNonceSource(config.Chain, config.Hub)
	}
	encoder, err := replay.NewEncoder(replay.EncoderConfig{
		Hub:     config.Hub,
		ChainID: chainID,
		Lanes:   config.Lanes,
		State:   config.ReplayState,
		Source:  source,
		Logger:  logger.With("component", "replay"),
	})
	if err != nil {
		return nil, err
	}

	builder, err := NewBuilder(BuilderConfig{
		Chain:           config.Chain,
		RelayContract:   config.RelayContract,
		MinimumDeadline: config.MinimumDeadline,
		Logger:          logger.With("component", "builder"),
	})
	if err != nil {
		return nil, err
	}

	watcher, err := NewWatcher(WatcherConfig{
		Chain:         config.Chain,
		RelayContract: config.RelayContract,
		PollInterval:  config.PollInterval,
		MaxWait:       config.MaxWait,
		MaxAttempts:   config.MaxAttempts,
		DeadlineGrace: config.DeadlineGrace,
		Observer:      config.Observer,
		Logger:        logger.With("component", "watcher"),
	})
	if err != nil {
		return nil, err
	}

	gasLimit := config.GasLimit
	if gasLimit == 0 {
		gasLimit = evm.DefaultGasLimit
	}

	opts := []anysender.ClientOption{
		anysender.WithEncoder(encoder),
		anysender.WithBuilder(builder),
		anysender.WithOperator(config.Operator),
		anysender.WithWatcher(watcher),
		anysender.WithGasLimit(gasLimit),
		anysender.WithLogger(logger),
	}
	if config.Compensation != nil {
		opts = append(opts, anysender.WithCompensation(config.Compensation))
	}
	if config.HoldTTL > 0 {
		opts = append(opts, anysender.WithHeldTickets(anysender.NewHeldTickets(config.HoldTTL)))
	}

	if !config.DisableDeposits {
		deposits, err := NewDepositManager(DepositConfig{
			Chain:               config.Chain,
			Operator:            config.Operator,
			RelayContract:       config.RelayContract,
			Threshold:           config.DepositThreshold,
			Amount:              config.DepositAmount,
			Margin:              config.DepositMargin,
			Confirmations:       config.DepositConfirmations,
			ConfirmationTimeout: config.DepositTimeout,
			PollInterval:        config.PollInterval,
			Network:             config.Network,
			Logger:              logger.With("component", "deposit"),
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, anysender.WithFundingGate(deposits))
	}

	client := anysender.NewClient(opts...)
	if err := client.Validate(); err != nil {
		return nil, err
	}
	return client, nil
}
