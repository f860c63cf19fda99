package anysender

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ============================================================================
// Mocks
// ============================================================================

type callLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *callLog) add(step string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.steps...)
}

type mockSigner struct {
	address common.Address
}

func (m *mockSigner) Address() common.Address { return m.address }

func (m *mockSigner) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	sig := make([]byte, 65)
	sig[64] = 27
	return sig, nil
}

func (m *mockSigner) SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

type mockFunding struct {
	log    *callLog
	result *DepositResult
	err    error
}

func (m *mockFunding) EnsureFunded(ctx context.Context, signer TransactionSigner) (*DepositResult, error) {
	m.log.add(StepDeposit)
	return m.result, m.err
}

type mockEncoder struct {
	log      *callLog
	err      error
	nonce    int64
	consumed []*big.Int
	released []*big.Int
}

func (m *mockEncoder) SignMetaTransaction(ctx context.Context, signer Signer, call Call) (*MetaTransactionPayload, error) {
	m.log.add(StepEncode)
	if m.err != nil {
		return nil, m.err
	}
	return &MetaTransactionPayload{
		Target: call.Target,
		Value:  new(big.Int),
		Data:   call.Data,
		Lane:   3,
		Nonce:  big.NewInt(7 + m.nonce),
		Hub:    common.HexToAddress("0x0b"),
		Signer: signer.Address(),
	}, nil
}

func (m *mockEncoder) EncodeForward(payload *MetaTransactionPayload) (common.Address, []byte, error) {
	return payload.Hub, append([]byte{0xf0}, payload.Data...), nil
}

func (m *mockEncoder) Consume(signer common.Address, lane uint64, nonce *big.Int) {
	m.consumed = append(m.consumed, nonce)
}

func (m *mockEncoder) Release(signer common.Address, lane uint64, nonce *big.Int) {
	m.released = append(m.released, nonce)
}

type mockBuilder struct {
	log *callLog
	err error
	gas uint64
}

func (m *mockBuilder) Build(ctx context.Context, signer Signer, to common.Address, gas uint64, data []byte, compensation *big.Int) (*RelayTransaction, error) {
	m.log.add(StepBuild)
	m.gas = gas
	if m.err != nil {
		return nil, m.err
	}
	return &RelayTransaction{
		UnsignedRelayTransaction: UnsignedRelayTransaction{
			From:                signer.Address(),
			To:                  to,
			Gas:                 gas,
			Data:                data,
			DeadlineBlockNumber: 510,
			Compensation:        compensation,
		},
		Signature: make([]byte, 65),
	}, nil
}

type mockOperator struct {
	log   *callLog
	err   error
	mu    sync.Mutex
	calls int
}

func (m *mockOperator) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	return big.NewInt(42), nil
}

func (m *mockOperator) Relay(ctx context.Context, tx *RelayTransaction) (*RelayReceipt, error) {
	m.log.add(StepSubmit)
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &RelayReceipt{RelayTransaction: *tx, ReceiptSignature: []byte{1}, Verified: true}, nil
}

type mockWatcher struct {
	log      *callLog
	err      error
	reverted bool
}

func (m *mockWatcher) Watch(ctx context.Context, tx *RelayTransaction) (*ConfirmationRecord, error) {
	m.log.add(StepConfirm)
	if m.err != nil {
		return nil, m.err
	}
	return &ConfirmationRecord{RelayTxID: tx.ID(), SubmissionBlock: 100, ConfirmedBlock: 105, Success: !m.reverted}, nil
}

type fixture struct {
	log      *callLog
	funding  *mockFunding
	encoder  *mockEncoder
	builder  *mockBuilder
	operator *mockOperator
	watcher  *mockWatcher
	signer   *mockSigner
}

func newFixture() *fixture {
	l := &callLog{}
	return &fixture{
		log:      l,
		funding:  &mockFunding{log: l, result: &DepositResult{}},
		encoder:  &mockEncoder{log: l},
		builder:  &mockBuilder{log: l},
		operator: &mockOperator{log: l},
		watcher:  &mockWatcher{log: l},
		signer:   &mockSigner{address: common.HexToAddress("0x01")},
	}
}

func (f *fixture) client(opts ...ClientOption) *Client {
	base := []ClientOption{
		WithFundingGate(f.funding),
		WithEncoder(f.encoder),
		WithBuilder(f.builder),
		WithOperator(f.operator),
		WithWatcher(f.watcher),
	}
	return NewClient(append(base, opts...)...)
}

var testCall = Call{Target: common.HexToAddress("0x2542f9c01b9a1Dfb26aB56Bc246E67058F4A0d10"), Data: []byte{0xaa}}

// ============================================================================
// Tests
// ============================================================================

func TestClientSend_RunsStepsInOrder(t *testing.T) {
	f := newFixture()
	client := f.client()

	result, err := client.Send(context.Background(), f.signer, testCall)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expected := []string{StepDeposit, StepEncode, StepBuild, StepSubmit, StepConfirm}
	got := f.log.get()
	if len(got) != len(expected) {
		t.Fatalf("Expected steps %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("Expected steps %v, got %v", expected, got)
		}
	}

	if result.TicketID == "" {
		t.Error("Expected a ticket id")
	}
	if result.Confirmation.Latency() != 5 {
		t.Errorf("Expected latency 5, got %d", result.Confirmation.Latency())
	}
	if f.builder.gas != DefaultGasLimit {
		t.Errorf("Expected default gas limit, got %d", f.builder.gas)
	}
	if len(f.encoder.consumed) != 1 || f.encoder.consumed[0].Int64() != 7 {
		t.Errorf("Expected nonce 7 to be consumed, got %v", f.encoder.consumed)
	}
	if result.RelayTx.To != common.HexToAddress("0x0b") {
		t.Errorf("Expected relay tx to target the hub, got %s", result.RelayTx.To.Hex())
	}
}

func TestClientSend_SkipsDepositWithoutFundingGate(t *testing.T) {
	f := newFixture()
	client := NewClient(WithEncoder(f.encoder), WithBuilder(f.builder), WithOperator(f.operator), WithWatcher(f.watcher))

	if _, err := client.Send(context.Background(), f.signer, testCall); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := f.log.get(); got[0] != StepEncode {
		t.Errorf("Expected encode first, got %v", got)
	}
}

func TestClientSend_AbortsOnFirstFailure(t *testing.T) {
	tests := []struct {
		name      string
		configure func(f *fixture)
		step      string
		code      string
		steps     int
		released  int
	}{
		{
			name:      "insufficient funds",
			configure: func(f *fixture) { f.funding.err = NewRelayError(ErrCodeInsufficientFunds, StepDeposit, "top up", nil) },
			step:      StepDeposit,
			code:      ErrCodeInsufficientFunds,
			steps:     1,
		},
		{
			name:      "signing failure",
			configure: func(f *fixture) { f.encoder.err = NewRelayError(ErrCodeSigning, "", "locked", nil) },
			step:      StepEncode,
			code:      ErrCodeSigning,
			steps:     2,
		},
		{
			name:      "untyped build failure",
			configure: func(f *fixture) { f.builder.err = errors.New("connection reset") },
			step:      StepBuild,
			code:      ErrCodeTransientNetwork,
			steps:     3,
			released:  1,
		},
		{
			name:      "operator rejection",
			configure: func(f *fixture) { f.operator.err = NewRelayError(ErrCodeSubmissionRejected, StepSubmit, "bad", nil) },
			step:      StepSubmit,
			code:      ErrCodeSubmissionRejected,
			steps:     4,
			released:  1,
		},
		{
			name:      "operator unreachable",
			configure: func(f *fixture) { f.operator.err = NewRelayError(ErrCodeTransientNetwork, StepSubmit, "503", nil) },
			step:      StepSubmit,
			code:      ErrCodeTransientNetwork,
			steps:     4,
			released:  1,
		},
		{
			name:      "confirmation timeout",
			configure: func(f *fixture) { f.watcher.err = NewRelayError(ErrCodeConfirmationTimeout, StepConfirm, "gave up", nil) },
			step:      StepConfirm,
			code:      ErrCodeConfirmationTimeout,
			steps:     5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.configure(f)

			var failure *TicketFailureContext
			client := f.client()
			client.OnTicketFailure(func(ctx TicketFailureContext) error {
				failure = &ctx
				return nil
			})

			result, err := client.Send(context.Background(), f.signer, testCall)
			if err == nil {
				t.Fatal("Expected error")
			}
			if result == nil {
				t.Fatal("Expected partial result on failure")
			}

			var relayErr *RelayError
			if !errors.As(err, &relayErr) {
				t.Fatalf("Expected RelayError, got %T", err)
			}
			if relayErr.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, relayErr.Code)
			}
			if relayErr.Step != tt.step {
				t.Errorf("Expected step %s, got %s", tt.step, relayErr.Step)
			}
			if result.RelayTx != nil && relayErr.RelayTxID != result.RelayTx.ID().Hex() {
				t.Errorf("Expected relay tx id on error, got %q", relayErr.RelayTxID)
			}
			if n := len(f.log.get()); n != tt.steps {
				t.Errorf("Expected %d steps to run, got %d (%v)", tt.steps, n, f.log.get())
			}
			if failure == nil || failure.Step != tt.step {
				t.Errorf("Expected failure hook for step %s, got %+v", tt.step, failure)
			}
			if len(f.encoder.consumed) != 0 {
				t.Error("Expected no nonce consumption on failure")
			}
			if len(f.encoder.released) != tt.released {
				t.Errorf("Expected %d released nonces, got %v", tt.released, f.encoder.released)
			}
		})
	}
}

func TestClientSend_BeforeSubmitHookAborts(t *testing.T) {
	f := newFixture()
	client := f.client()
	client.OnBeforeSubmit(func(ctx SubmitContext) (*BeforeHookResult, error) {
		return &BeforeHookResult{Abort: true, Reason: "competition closed"}, nil
	})

	_, err := client.Send(context.Background(), f.signer, testCall)
	if !IsCode(err, ErrCodeAborted) {
		t.Fatalf("Expected aborted, got %v", err)
	}
	for _, step := range f.log.get() {
		if step == StepSubmit {
			t.Error("Expected submission to be skipped")
		}
	}
	if len(f.encoder.released) != 1 || f.encoder.released[0].Int64() != 7 {
		t.Errorf("Expected nonce 7 to be released, got %v", f.encoder.released)
	}
}

func TestClientSend_HookErrorsAreNotFatal(t *testing.T) {
	f := newFixture()
	client := f.client()

	var confirmed *ConfirmResultContext
	client.OnBeforeSubmit(func(ctx SubmitContext) (*BeforeHookResult, error) {
		return nil, errors.New("metrics backend down")
	})
	client.OnAfterConfirm(func(ctx ConfirmResultContext) error {
		confirmed = &ctx
		return errors.New("ignored")
	})

	if _, err := client.Send(context.Background(), f.signer, testCall); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if confirmed == nil || confirmed.Confirmation.ConfirmedBlock != 105 {
		t.Errorf("Expected after-confirm hook with confirmation, got %+v", confirmed)
	}
}

func TestClientValidate(t *testing.T) {
	client := NewClient()
	err := client.Validate()
	if !IsCode(err, ErrCodeConfiguration) {
		t.Fatalf("Expected configuration_error, got %v", err)
	}

	result, err := client.Send(context.Background(), &mockSigner{}, testCall)
	if !IsCode(err, ErrCodeConfiguration) {
		t.Errorf("Expected configuration_error from Send, got %v", err)
	}
	if result == nil {
		t.Error("Expected non-nil result")
	}
}

func TestClientOptions(t *testing.T) {
	f := newFixture()
	client := f.client(WithGasLimit(100000), WithCompensation(big.NewInt(5)))

	result, err := client.Send(context.Background(), f.signer, testCall)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.RelayTx.Gas != 100000 {
		t.Errorf("Expected gas 100000, got %d", result.RelayTx.Gas)
	}
	if result.RelayTx.Compensation.Int64() != 5 {
		t.Errorf("Expected compensation 5, got %s", result.RelayTx.Compensation)
	}
}

func TestClientSend_RevertedExecution(t *testing.T) {
	f := newFixture()
	f.watcher.reverted = true
	client := f.client()

	var confirmed bool
	var failure *TicketFailureContext
	client.OnAfterConfirm(func(ctx ConfirmResultContext) error {
		confirmed = true
		return nil
	})
	client.OnTicketFailure(func(ctx TicketFailureContext) error {
		failure = &ctx
		return nil
	})

	result, err := client.Send(context.Background(), f.signer, testCall)
	if !IsCode(err, ErrCodeExecutionReverted) {
		t.Fatalf("Expected execution_reverted, got %v", err)
	}
	if result.Confirmation == nil || result.Confirmation.ConfirmedBlock != 105 {
		t.Errorf("Expected confirmation record on the result, got %+v", result.Confirmation)
	}
	if len(f.encoder.consumed) != 0 {
		t.Errorf("Expected no nonce consumption, got %v", f.encoder.consumed)
	}
	if len(f.encoder.released) != 1 || f.encoder.released[0].Int64() != 7 {
		t.Errorf("Expected nonce 7 to be released, got %v", f.encoder.released)
	}
	if confirmed {
		t.Error("Expected no after-confirm hook for a reverted call")
	}
	if failure == nil || failure.Step != StepConfirm {
		t.Errorf("Expected failure hook for confirm step, got %+v", failure)
	}
}

func TestClientSend_ResubmitsHeldTicket(t *testing.T) {
	f := newFixture()
	f.operator.err = NewRelayError(ErrCodeTransientNetwork, StepSubmit, "connection reset", nil)
	held := NewHeldTickets(time.Minute)
	client := f.client(WithHeldTickets(held))

	first, err := client.Send(context.Background(), f.signer, testCall)
	if !IsCode(err, ErrCodeTransientNetwork) {
		t.Fatalf("Expected transient_network, got %v", err)
	}
	if len(f.encoder.released) != 0 {
		t.Fatalf("Expected held nonce to stay allocated, got %v", f.encoder.released)
	}
	if held.Len() != 1 {
		t.Fatalf("Expected one held ticket, got %d", held.Len())
	}

	f.operator.err = nil
	f.encoder.nonce = 1
	second, err := client.Send(context.Background(), f.signer, testCall)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if second.RelayTx.ID() != first.RelayTx.ID() {
		t.Errorf("Expected the held relay transaction to be resubmitted")
	}
	if second.Payload.Nonce.Int64() != 7 {
		t.Errorf("Expected held nonce 7, got %s", second.Payload.Nonce)
	}

	encodes := 0
	for _, step := range f.log.get() {
		if step == StepEncode {
			encodes++
		}
	}
	if encodes != 1 {
		t.Errorf("Expected a single signing, got %d", encodes)
	}
	if f.operator.calls != 2 {
		t.Errorf("Expected two submissions, got %d", f.operator.calls)
	}
	if held.Len() != 0 {
		t.Errorf("Expected held ticket to be taken, got %d", held.Len())
	}
}

func TestClientSend_HeldTicketOnlyForSameCall(t *testing.T) {
	f := newFixture()
	f.operator.err = NewRelayError(ErrCodeTransientNetwork, StepSubmit, "connection reset", nil)
	held := NewHeldTickets(time.Minute)
	client := f.client(WithHeldTickets(held))

	if _, err := client.Send(context.Background(), f.signer, testCall); err == nil {
		t.Fatal("Expected error")
	}

	f.operator.err = nil
	other := Call{Target: testCall.Target, Data: []byte{0xbb}}
	result, err := client.Send(context.Background(), f.signer, other)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.RelayTx.Data[1] != 0xbb {
		t.Errorf("Expected a fresh relay transaction for a different call")
	}
	if held.Len() != 1 {
		t.Errorf("Expected the first ticket to stay held, got %d", held.Len())
	}
}

func TestClientSend_ExpiredHeldTicketIsReleased(t *testing.T) {
	f := newFixture()
	f.operator.err = NewRelayError(ErrCodeTransientNetwork, StepSubmit, "connection reset", nil)
	held := NewHeldTickets(time.Minute)
	now := time.Now()
	held.now = func() time.Time { return now }
	client := f.client(WithHeldTickets(held))

	if _, err := client.Send(context.Background(), f.signer, testCall); err == nil {
		t.Fatal("Expected error")
	}

	now = now.Add(2 * time.Minute)
	f.operator.err = nil
	f.encoder.nonce = 1
	result, err := client.Send(context.Background(), f.signer, testCall)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(f.encoder.released) != 1 || f.encoder.released[0].Int64() != 7 {
		t.Errorf("Expected expired nonce 7 to be released, got %v", f.encoder.released)
	}
	if result.Payload.Nonce.Int64() != 8 {
		t.Errorf("Expected a freshly signed ticket, got nonce %s", result.Payload.Nonce)
	}
}

func TestClientBalance(t *testing.T) {
	f := newFixture()
	balance, err := f.client().Balance(context.Background(), f.signer.Address())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if balance.Int64() != 42 {
		t.Errorf("Expected 42, got %s", balance)
	}

	if _, err := NewClient().Balance(context.Background(), common.Address{}); !IsCode(err, ErrCodeConfiguration) {
		t.Errorf("Expected configuration_error, got %v", err)
	}
}
