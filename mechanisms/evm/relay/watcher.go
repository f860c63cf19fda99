package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
)

// WatchState is a state of the confirmation watcher
type WatchState string

const (
	StateSubmitted      WatchState = "submitted"
	StatePolling        WatchState = "polling"
	StateConfirmed      WatchState = "confirmed"
	StateTimedOut       WatchState = "timed_out"
	StateDeadlineMissed WatchState = "deadline_missed"
)

// Transition is reported to the observer on every state change and poll
type Transition struct {
	RelayTxID common.Hash
	State     WatchState
	Attempt   int
	Height    uint64
}

// LogReader is the part of the chain provider the watcher needs
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// WatcherConfig configures a Watcher
type WatcherConfig struct {
	Chain LogReader
	// RelayContract defaults to the mainnet relay contract
	RelayContract common.Address

	// PollInterval between log queries, default 5s
	PollInterval time.Duration
	// LookBack and LookAhead bound the scanned range around the submission height
	LookBack  uint64
	LookAhead uint64

	// MaxWait bounds the whole watch, default 90m; negative disables it
	MaxWait time.Duration
	// MaxAttempts bounds the number of log queries; 0 is unlimited
	MaxAttempts int
	// DeadlineGrace is how many blocks past the deadline the watcher keeps
	// polling before reporting deadline_missed; negative disables the check
	DeadlineGrace int64

	// Observer is called on every state transition
	Observer func(Transition)
	Logger   log.Logger
}

// Watcher waits for the RelayExecuted event of a relay transaction
type Watcher struct {
	chain         LogReader
	relayContract common.Address
	pollInterval  time.Duration
	lookBack      uint64
	lookAhead     uint64
	maxWait       time.Duration
	maxAttempts   int
	deadlineGrace int64
	observer      func(Transition)
	logger        log.Logger
}

var _ anysender.ConfirmationWatcher = (*Watcher)(nil)

// NewWatcher creates a Watcher
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Chain == nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "chain provider is required", nil)
	}
	w := &Watcher{
		chain:         config.Chain,
		relayContract: config.RelayContract,
		pollInterval:  config.PollInterval,
		lookBack:      config.LookBack,
		lookAhead:     config.LookAhead,
		maxWait:       config.MaxWait,
		maxAttempts:   config.MaxAttempts,
		deadlineGrace: config.DeadlineGrace,
		observer:      config.Observer,
		logger:        config.Logger,
	}
	if w.relayContract == (common.Address{}) {
		w.relayContract = evm.MainnetRelayContract
	}
	if w.pollInterval <= 0 {
		w.pollInterval = evm.DefaultPollInterval
	}
	if w.lookBack == 0 {
		w.lookBack = evm.DefaultLookBack
	}
	if w.lookAhead == 0 {
		w.lookAhead = evm.DefaultLookAhead
	}
	if w.maxWait == 0 {
		w.maxWait = evm.DefaultMaxWait
	}
	if w.deadlineGrace == 0 {
		w.deadlineGrace = evm.DefaultDeadlineGrace
	}
	if w.logger == nil {
		w.logger = log.Root()
	}
	return w, nil
}

// FilterQuery returns the log query covering [height-LookBack, height+LookAhead]
func (w *Watcher) FilterQuery(tx *anysender.RelayTransaction, height uint64) ethereum.FilterQuery {
	from := uint64(0)
	if height > w.lookBack {
		from = height - w.lookBack
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(height + w.lookAhead),
		Addresses: []common.Address{w.relayContract},
		Topics:    evm.RelayExecutedTopics(tx),
	}
}

// Watch records the submission height and polls the relay contract's logs
// until a RelayExecuted event carrying tx's id appears. Logs with a different
// id never confirm. A failed poll is logged and retried on the next tick.
//
// Watch returns confirmation_timeout when MaxWait or MaxAttempts is exhausted
// or ctx expires, aborted when ctx is cancelled, and deadline_missed once the
// chain is DeadlineGrace blocks past the transaction deadline.
func (w *Watcher) Watch(ctx context.Context, tx *anysender.RelayTransaction) (*anysender.ConfirmationRecord, error) {
	id := tx.ID()
	logger := w.logger.With("relayTxId", id)

	height, err := w.chain.BlockNumber(ctx)
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepConfirm, "failed to read submission height", err).WithRelayTx(id)
	}
	w.notify(Transition{RelayTxID: id, State: StateSubmitted, Height: height})

	query := w.FilterQuery(tx, height)

	wctx := ctx
	if w.maxWait > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, w.maxWait)
		defer cancel()
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	logger.Info("Checking for relayed transaction", "fromBlock", query.FromBlock, "toBlock", query.ToBlock)

	attempt := 0
	for {
		select {
		case <-wctx.Done():
			return nil, w.stopped(ctx, id, attempt)
		case <-ticker.C:
		}

		attempt++
		w.notify(Transition{RelayTxID: id, State: StatePolling, Attempt: attempt})

		record, head, err := w.poll(wctx, query, id, height)
		switch {
		case err != nil:
			logger.Warn("Log query failed, retrying", "attempt", attempt, "err", err)
		case record != nil:
			logger.Info("Relay transaction executed", "block", record.ConfirmedBlock, "tx", record.TxHash, "success", record.Success)
			w.notify(Transition{RelayTxID: id, State: StateConfirmed, Attempt: attempt, Height: record.ConfirmedBlock})
			return record, nil
		default:
			logger.Debug("No matching execution yet", "attempt", attempt, "head", head)
		}

		if w.deadlineGrace >= 0 && head > 0 && head > tx.DeadlineBlockNumber+uint64(w.deadlineGrace) {
			w.notify(Transition{RelayTxID: id, State: StateDeadlineMissed, Attempt: attempt, Height: head})
			return nil, anysender.NewRelayError(anysender.ErrCodeDeadlineMissed, anysender.StepConfirm,
				fmt.Sprintf("no execution found %d blocks after deadline %d", head-tx.DeadlineBlockNumber, tx.DeadlineBlockNumber), nil).
				WithRelayTx(id).
				WithDetail("deadlineBlockNumber", tx.DeadlineBlockNumber).
				WithDetail("head", head)
		}

		if w.maxAttempts > 0 && attempt >= w.maxAttempts {
			w.notify(Transition{RelayTxID: id, State: StateTimedOut, Attempt: attempt})
			return nil, anysender.NewRelayError(anysender.ErrCodeConfirmationTimeout, anysender.StepConfirm,
				fmt.Sprintf("no execution found after %d attempts", attempt), nil).WithRelayTx(id)
		}
	}
}

// poll runs one log query. head is the chain height observed after the query,
// or zero when it could not be read.
func (w *Watcher) poll(ctx context.Context, query ethereum.FilterQuery, id common.Hash, submitted uint64) (*anysender.ConfirmationRecord, uint64, error) {
	logs, err := w.chain.FilterLogs(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	for _, l := range logs {
		ev, err := evm.DecodeRelayExecuted(l)
		if err != nil {
			w.logger.Debug("Skipping undecodable log", "tx", l.TxHash, "err", err)
			continue
		}
		if ev.RelayTxID != id {
			continue
		}
		return &anysender.ConfirmationRecord{
			RelayTxID:       id,
			SubmissionBlock: submitted,
			ConfirmedBlock:  ev.BlockNumber,
			TxHash:          ev.TxHash,
			Success:         ev.Success,
		}, ev.BlockNumber, nil
	}

	if w.deadlineGrace < 0 {
		return nil, 0, nil
	}
	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		return nil, 0, nil
	}
	return nil, head, nil
}

func (w *Watcher) stopped(parent context.Context, id common.Hash, attempt int) error {
	w.notify(Transition{RelayTxID: id, State: StateTimedOut, Attempt: attempt})
	if errors.Is(parent.Err(), context.Canceled) {
		return anysender.NewRelayError(anysender.ErrCodeAborted, anysender.StepConfirm, "confirmation wait cancelled", parent.Err()).WithRelayTx(id)
	}
	return anysender.NewRelayError(anysender.ErrCodeConfirmationTimeout, anysender.StepConfirm,
		fmt.Sprintf("no execution found after %d attempts", attempt), context.DeadlineExceeded).WithRelayTx(id)
}

func (w *Watcher) notify(t Transition) {
	if w.observer != nil {
		w.observer(t)
	}
}
