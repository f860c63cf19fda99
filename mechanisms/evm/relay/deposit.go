package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
)

var (
	// DefaultDepositThreshold is the operator balance below which a deposit is made
	DefaultDepositThreshold = evm.MustParseEther("0.025")
	// DefaultDepositAmount is the value sent with depositFor
	DefaultDepositAmount = evm.MustParseEther("0.029")
	// DefaultDepositMargin is kept on chain on top of the deposit for gas
	DefaultDepositMargin = evm.MustParseEther("0.001")
)

// DepositConfig configures a DepositManager
type DepositConfig struct {
	Chain    anysender.ChainProvider
	Operator anysender.RelayOperator
	// RelayContract defaults to the mainnet relay contract
	RelayContract common.Address

	Threshold *big.Int
	Amount    *big.Int
	Margin    *big.Int

	// Confirmations the operator waits for before crediting a deposit, default 40
	Confirmations uint64
	// ConfirmationTimeout bounds the confirmation wait, default 30m
	ConfirmationTimeout time.Duration
	// PollInterval is the shortest wait between receipt polls, default 5s
	PollInterval time.Duration
	// GasLimit for the deposit transaction; estimated when zero
	GasLimit uint64
	// OnDeposit is called just before a deposit transaction is sent
	OnDeposit func(amount *big.Int)

	// Network names the chain for explorer links, default mainnet
	Network string
	Logger  log.Logger
}

// DepositManager keeps a signer's operator balance above a threshold
type DepositManager struct {
	chain         anysender.ChainProvider
	operator      anysender.RelayOperator
	relayContract common.Address

	threshold *big.Int
	amount    *big.Int
	margin    *big.Int

	confirmations       uint64
	confirmationTimeout time.Duration
	pollInterval        time.Duration
	gasLimit            uint64
	onDeposit           func(amount *big.Int)

	network string
	logger  log.Logger
}

var _ anysender.FundingGate = (*DepositManager)(nil)

// NewDepositManager creates a DepositManager
func NewDepositManager(config DepositConfig) (*DepositManager, error) {
	if config.Chain == nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "chain provider is required", nil)
	}
	if config.Operator == nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "relay operator is required", nil)
	}

	m := &DepositManager{
		chain:               config.Chain,
		operator:            config.Operator,
		relayContract:       config.RelayContract,
		threshold:           orDefault(config.Threshold, DefaultDepositThreshold),
		amount:              orDefault(config.Amount, DefaultDepositAmount),
		margin:              orDefault(config.Margin, DefaultDepositMargin),
		confirmations:       config.Confirmations,
		confirmationTimeout: config.ConfirmationTimeout,
		pollInterval:        config.PollInterval,
		gasLimit:            config.GasLimit,
		onDeposit:           config.OnDeposit,
		network:             config.Network,
		logger:              config.Logger,
	}
	if m.relayContract == (common.Address{}) {
		m.relayContract = evm.MainnetRelayContract
	}
	if m.confirmations == 0 {
		m.confirmations = evm.DefaultDepositConfirmations
	}
	if m.confirmationTimeout == 0 {
		m.confirmationTimeout = evm.DefaultDepositTimeout
	}
	if m.pollInterval <= 0 {
		m.pollInterval = evm.DefaultPollInterval
	}
	if m.network == "" {
		m.network = evm.DefaultNetwork
	}
	if m.logger == nil {
		m.logger = log.Root()
	}
	if m.amount.Sign() <= 0 {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "deposit amount must be positive", nil)
	}
	return m, nil
}

func orDefault(v, def *big.Int) *big.Int {
	if v == nil {
		return new(big.Int).Set(def)
	}
	return new(big.Int).Set(v)
}

// EnsureFunded tops up the signer's operator balance when it is below the
// threshold. No transaction is sent when the balance suffices. A deposit is
// only attempted when the on-chain balance exceeds amount plus margin;
// otherwise insufficient_funds is returned. The call returns once the deposit
// has the configured number of confirmations.
func (m *DepositManager) EnsureFunded(ctx context.Context, signer anysender.TransactionSigner) (*anysender.DepositResult, error) {
	address := signer.Address()
	logger := m.logger.With("signer", address)

	operatorBalance, err := m.operator.Balance(ctx, address)
	if err != nil {
		return nil, tagStep(err, anysender.ErrCodeTransientNetwork, "failed to read operator balance")
	}
	result := &anysender.DepositResult{OperatorBalance: operatorBalance}

	if operatorBalance.Cmp(m.threshold) >= 0 {
		logger.Debug("Operator balance sufficient", "balance", evm.FormatEther(operatorBalance))
		return result, nil
	}
	result.Required = true

	onchain, err := m.chain.BalanceAt(ctx, address, nil)
	if err != nil {
		return result, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepDeposit, "failed to read on-chain balance", err)
	}
	result.OnchainBalance = onchain

	required := new(big.Int).Add(m.amount, m.margin)
	if onchain.Cmp(required) <= 0 {
		logger.Warn("Wallet lacks the funds to top up the operator balance", "balance", evm.FormatEther(onchain), "required", evm.FormatEther(required))
		return result, anysender.NewRelayError(anysender.ErrCodeInsufficientFunds, anysender.StepDeposit,
			fmt.Sprintf("on-chain balance %s wei must exceed %s wei", onchain, required), nil).
			WithDetail("onchainBalance", onchain.String()).
			WithDetail("required", required.String())
	}

	if err := m.Deposit(ctx, signer, m.amount, result); err != nil {
		return result, err
	}
	return result, nil
}

// Deposit sends depositFor(signer) with amount and waits for the configured
// confirmations. result is filled in as the deposit progresses.
func (m *DepositManager) Deposit(ctx context.Context, signer anysender.TransactionSigner, amount *big.Int, result *anysender.DepositResult) error {
	if result == nil {
		result = &anysender.DepositResult{}
	}
	address := signer.Address()
	logger := m.logger.With("signer", address)

	data, err := evm.PackDepositFor(address)
	if err != nil {
		return anysender.NewRelayError(anysender.ErrCodeDepositFailed, anysender.StepDeposit, "failed to encode deposit", err)
	}

	if m.onDeposit != nil {
		m.onDeposit(amount)
	}
	tx, err := evm.SendTransaction(ctx, m.chain, signer, m.relayContract, amount, data, m.gasLimit)
	if err != nil {
		return anysender.NewRelayError(anysender.ErrCodeDepositFailed, anysender.StepDeposit, "failed to send deposit", err)
	}
	result.Amount = new(big.Int).Set(amount)
	result.TxHash = tx.Hash()

	logger.Info("Sending on-chain deposit", "amount", evm.FormatEther(amount), "confirmations", m.confirmations, "tx", evm.ExplorerTxURL(m.network, tx.Hash()))

	wctx, cancel := context.WithTimeout(ctx, m.confirmationTimeout)
	defer cancel()

	receipt, err := evm.WaitForConfirmations(wctx, m.chain, tx.Hash(), m.confirmations, evm.ConfirmationOptions{
		MinInterval: m.pollInterval,
		MaxInterval: 3 * m.pollInterval,
		OnProgress: func(n uint64) {
			logger.Debug("Deposit confirmations", "tx", tx.Hash(), "confirmations", n, "required", m.confirmations)
		},
	})
	if receipt != nil && receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if err != nil {
		code := anysender.ErrCodeDepositFailed
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			code = anysender.ErrCodeAborted
		}
		return anysender.NewRelayError(code, anysender.StepDeposit, "deposit was not confirmed", err).
			WithDetail("txHash", tx.Hash().Hex())
	}

	result.Deposited = true
	logger.Info("Deposit confirmed", "block", result.BlockNumber, "tx", tx.Hash())
	return nil
}

func tagStep(err error, code, message string) error {
	var relayErr *anysender.RelayError
	if errors.As(err, &relayErr) {
		return err
	}
	return anysender.NewRelayError(code, anysender.StepDeposit, message, err)
}
