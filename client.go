package anysender

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// DefaultGasLimit is the gas limit requested for the forwarded call
const DefaultGasLimit = 250000

// Client runs the relay lifecycle for one ticket at a time:
// deposit check, encode, build and sign, submit, confirm.
// A later step never starts before the previous step's result is available.
type Client struct {
	mu sync.RWMutex

	funding  FundingGate
	encoder  PayloadEncoder
	builder  RelayBuilder
	operator RelayOperator
	watcher  ConfirmationWatcher
	held     *HeldTickets
	logger   log.Logger

	gasLimit     uint64
	compensation *big.Int

	beforeSubmitHooks []BeforeSubmitHook
	afterConfirmHooks []AfterConfirmHook
	onFailureHooks    []OnTicketFailureHook
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithFundingGate sets the deposit check run before every ticket. Without one
// the deposit step is skipped.
func WithFundingGate(gate FundingGate) ClientOption {
	return func(c *Client) {
		c.funding = gate
	}
}

// WithEncoder sets the replay-protection encoder
func WithEncoder(encoder PayloadEncoder) ClientOption {
	return func(c *Client) {
		c.encoder = encoder
	}
}

// WithBuilder sets the relay transaction builder
func WithBuilder(builder RelayBuilder) ClientOption {
	return func(c *Client) {
		c.builder = builder
	}
}

// WithOperator sets the relay operator API client
func WithOperator(operator RelayOperator) ClientOption {
	return func(c *Client) {
		c.operator = operator
	}
}

// WithWatcher sets the confirmation watcher
func WithWatcher(watcher ConfirmationWatcher) ClientOption {
	return func(c *Client) {
		c.watcher = watcher
	}
}

// WithHeldTickets keeps relay transactions whose submission failed with a
// transient error, so a retried Send of the same call resubmits them
func WithHeldTickets(held *HeldTickets) ClientOption {
	return func(c *Client) {
		c.held = held
	}
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithGasLimit sets the gas limit requested for the forwarded call
func WithGasLimit(gas uint64) ClientOption {
	return func(c *Client) {
		c.gasLimit = gas
	}
}

// WithCompensation sets the compensation owed by the operator if it misses the deadline
func WithCompensation(compensation *big.Int) ClientOption {
	return func(c *Client) {
		c.compensation = new(big.Int).Set(compensation)
	}
}

// NewClient creates a new relay client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		logger:       log.Root(),
		gasLimit:     DefaultGasLimit,
		compensation: new(big.Int),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Validate checks that every required component is configured
func (c *Client) Validate() error {
	var missing []string
	if c.encoder == nil {
		missing = append(missing, "encoder")
	}
	if c.builder == nil {
		missing = append(missing, "builder")
	}
	if c.operator == nil {
		missing = append(missing, "operator")
	}
	if c.watcher == nil {
		missing = append(missing, "watcher")
	}
	if len(missing) > 0 {
		return NewRelayError(ErrCodeConfiguration, StepConfig, fmt.Sprintf("missing components: %v", missing), nil)
	}
	return nil
}

// Send relays a call on behalf of signer and blocks until its execution is
// confirmed on chain or a step fails. The returned result is non-nil even on
// failure and holds the output of every step that completed.
//
// A nonce whose meta-transaction cannot have reached the chain is released
// back to its lane. After a confirm-step failure the nonce stays allocated,
// since the operator may still execute the transaction.
func (c *Client) Send(ctx context.Context, signer TransactionSigner, call Call) (*TicketResult, error) {
	start := time.Now()
	result := &TicketResult{TicketID: uuid.NewString()}
	logger := c.logger.With("ticket", result.TicketID, "signer", signer.Address())

	fail := func(step string, err error) (*TicketResult, error) {
		var id common.Hash
		if result.RelayTx != nil {
			id = result.RelayTx.ID()
		}
		err = tagError(err, step, id)
		logger.Error("Ticket failed", "step", step, "err", err)
		c.runFailureHooks(TicketFailureContext{
			Ctx:      ctx,
			TicketID: result.TicketID,
			Step:     step,
			Error:    err,
			Partial:  result,
			Duration: time.Since(start),
		})
		return result, err
	}

	if err := c.Validate(); err != nil {
		return fail(StepConfig, err)
	}
	c.releaseExpired()

	if c.funding != nil {
		deposit, err := c.funding.EnsureFunded(ctx, signer)
		result.Deposit = deposit
		if err != nil {
			return fail(StepDeposit, err)
		}
	}

	var held *HeldTicket
	if c.held != nil {
		held = c.held.Take(signer.Address(), call)
	}

	var payload *MetaTransactionPayload
	var relayTx *RelayTransaction
	if held != nil {
		payload, relayTx = held.Payload, held.RelayTx
		result.Payload = payload
		result.RelayTx = relayTx
		logger = logger.With("relayTxId", relayTx.ID())
		logger.Info("Resubmitting held relay transaction", "lane", payload.Lane, "nonce", payload.Nonce, "deadline", relayTx.DeadlineBlockNumber)
	} else {
		var err error
		payload, err = c.encoder.SignMetaTransaction(ctx, signer, call)
		if err != nil {
			return fail(StepEncode, err)
		}
		result.Payload = payload

		hub, forwardData, err := c.encoder.EncodeForward(payload)
		if err != nil {
			c.release(payload)
			return fail(StepEncode, err)
		}

		relayTx, err = c.builder.Build(ctx, signer, hub, c.gasLimit, forwardData, c.compensation)
		if err != nil {
			c.release(payload)
			return fail(StepBuild, err)
		}
		result.RelayTx = relayTx
		logger = logger.With("relayTxId", relayTx.ID())
		logger.Info("Relay transaction signed", "lane", payload.Lane, "nonce", payload.Nonce, "deadline", relayTx.DeadlineBlockNumber)
	}

	submitCtx := SubmitContext{
		Ctx:       ctx,
		TicketID:  result.TicketID,
		Payload:   payload,
		RelayTx:   relayTx,
		Timestamp: time.Now(),
	}
	if err := c.runBeforeSubmitHooks(submitCtx); err != nil {
		c.release(payload)
		return fail(StepSubmit, err)
	}

	receipt, err := c.Submit(ctx, relayTx)
	if err != nil {
		c.afterSubmitFailure(logger, signer.Address(), call, payload, relayTx, err)
		return fail(StepSubmit, err)
	}
	result.Receipt = receipt
	logger.Info("Relay transaction accepted by operator", "verified", receipt.Verified)

	record, err := c.watcher.Watch(ctx, relayTx)
	if err != nil {
		return fail(StepConfirm, err)
	}
	result.Confirmation = record

	if !record.Success {
		// a reverted forward leaves the hub's nonce untouched
		c.release(payload)
		return fail(StepConfirm, NewRelayError(ErrCodeExecutionReverted, StepConfirm, "relayed call reverted", nil).
			WithRelayTx(record.RelayTxID).
			WithDetail("txHash", record.TxHash.Hex()).
			WithDetail("block", record.ConfirmedBlock))
	}

	if consumer, ok := c.encoder.(NonceConsumer); ok {
		consumer.Consume(payload.Signer, payload.Lane, payload.Nonce)
	}

	logger.Info("Relay transaction confirmed", "block", record.ConfirmedBlock, "latency", record.Latency(), "tx", record.TxHash)
	c.runAfterConfirmHooks(ConfirmResultContext{
		SubmitContext: submitCtx,
		Deposit:       result.Deposit,
		Receipt:       receipt,
		Confirmation:  record,
		Duration:      time.Since(start),
	})

	return result, nil
}

// afterSubmitFailure decides what happens to the nonce of a ticket the
// operator did not acknowledge. A transient failure leaves it unknown whether
// the operator accepted the transaction, so the ticket is held for
// resubmission when a store is configured. Anything else means the
// transaction was never accepted.
func (c *Client) afterSubmitFailure(logger log.Logger, signer common.Address, call Call, payload *MetaTransactionPayload, tx *RelayTransaction, err error) {
	if c.held == nil || !IsCode(err, ErrCodeTransientNetwork) {
		c.release(payload)
		return
	}
	if displaced := c.held.Hold(signer, call, payload, tx); displaced != nil {
		c.release(displaced.Payload)
	}
	logger.Warn("Holding relay transaction for resubmission", "lane", payload.Lane, "nonce", payload.Nonce)
}

func (c *Client) release(payload *MetaTransactionPayload) {
	releaser, ok := c.encoder.(NonceReleaser)
	if !ok || payload == nil {
		return
	}
	releaser.Release(payload.Signer, payload.Lane, payload.Nonce)
}

func (c *Client) releaseExpired() {
	if c.held == nil {
		return
	}
	for _, ticket := range c.held.Expire() {
		c.logger.Debug("Dropping expired held relay transaction", "relayTxId", ticket.RelayTx.ID(), "lane", ticket.Payload.Lane, "nonce", ticket.Payload.Nonce)
		c.release(ticket.Payload)
	}
}

// Submit sends a signed relay transaction to the operator
func (c *Client) Submit(ctx context.Context, tx *RelayTransaction) (*RelayReceipt, error) {
	if c.operator == nil {
		return nil, NewRelayError(ErrCodeConfiguration, StepSubmit, "no relay operator configured", nil)
	}
	return c.operator.Relay(ctx, tx)
}

// Watch waits for the execution event of a relay transaction submitted earlier
func (c *Client) Watch(ctx context.Context, tx *RelayTransaction) (*ConfirmationRecord, error) {
	if c.watcher == nil {
		return nil, NewRelayError(ErrCodeConfiguration, StepConfirm, "no confirmation watcher configured", nil)
	}
	return c.watcher.Watch(ctx, tx)
}

// Balance returns the signer's prepaid balance with the operator
func (c *Client) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	if c.operator == nil {
		return nil, NewRelayError(ErrCodeConfiguration, StepDeposit, "no relay operator configured", nil)
	}
	return c.operator.Balance(ctx, address)
}

// tagError makes sure err carries a RelayError with step and relay tx id.
// Untyped errors from collaborators are treated as transient network failures.
func tagError(err error, step string, id common.Hash) error {
	var relayErr *RelayError
	if !errors.As(err, &relayErr) {
		relayErr = NewRelayError(ErrCodeTransientNetwork, step, "unexpected failure", err)
		err = relayErr
	}
	if relayErr.Step == "" {
		relayErr.Step = step
	}
	if relayErr.RelayTxID == "" && id != (common.Hash{}) {
		relayErr.RelayTxID = id.Hex()
	}
	return err
}
