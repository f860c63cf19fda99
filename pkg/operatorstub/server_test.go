package operatorstub

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	anysender "github.com/anydotcrypto/cyberdice"
	anyhttp "github.com/anydotcrypto/cyberdice/http"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm/relay"
	evmsigner "github.com/anydotcrypto/cyberdice/signers/evm"
	"github.com/anydotcrypto/cyberdice/test/mocks/chain"
)

const (
	operatorKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	senderKeyHex   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

type fixture struct {
	chain   *chain.Chain
	stub    *Server
	server  *httptest.Server
	client  *anyhttp.OperatorClient
	signer  *evmsigner.ClientSigner
	builder *relay.Builder

	mu       sync.Mutex
	accepted []anysender.RelayTransaction
}

func (f *fixture) acceptedTxs() []anysender.RelayTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]anysender.RelayTransaction(nil), f.accepted...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{chain: chain.New(100)}

	key, err := crypto.HexToECDSA(operatorKeyHex)
	require.NoError(t, err)
	f.stub, err = New(Config{
		ReceiptKey: key,
		Chain:      f.chain,
		OnRelay: func(tx anysender.RelayTransaction) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.accepted = append(f.accepted, tx)
		},
	})
	require.NoError(t, err)

	f.server = httptest.NewServer(f.stub.Handler())
	t.Cleanup(f.server.Close)

	f.client = anyhttp.NewOperatorClient(&anyhttp.OperatorConfig{
		URL:           f.server.URL,
		ReceiptSigner: f.stub.ReceiptSigner(),
	})
	f.signer, err = evmsigner.NewClientSignerFromPrivateKey(senderKeyHex)
	require.NoError(t, err)
	f.builder, err = relay.NewBuilder(relay.BuilderConfig{Chain: f.chain})
	require.NoError(t, err)
	return f
}

func (f *fixture) build(t *testing.T) *anysender.RelayTransaction {
	t.Helper()
	tx, err := f.builder.Build(context.Background(), f.signer, evm.MainnetCyberDice, 250000, []byte{0x01}, big.NewInt(0))
	require.NoError(t, err)
	return tx
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Chain: chain.New(1)})
	assert.Error(t, err)

	key, _ := crypto.HexToECDSA(operatorKeyHex)
	_, err = New(Config{ReceiptKey: key})
	assert.Error(t, err)
}

func TestBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	balance, err := f.client.Balance(ctx, f.signer.Address())
	require.NoError(t, err)
	assert.Equal(t, 0, balance.Sign())

	f.stub.Credit(f.signer.Address(), evm.MustParseEther("0.029"))
	f.stub.Credit(f.signer.Address(), evm.MustParseEther("0.001"))

	balance, err = f.client.Balance(ctx, f.signer.Address())
	require.NoError(t, err)
	assert.Equal(t, "30000000000000000", balance.String())
}

func TestBalance_InvalidAddress(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/balance/0x1234")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_Accepted(t *testing.T) {
	f := newFixture(t)
	f.stub.Credit(f.signer.Address(), evm.MustParseEther("0.01"))
	tx := f.build(t)

	receipt, err := f.client.Relay(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, receipt.Verified)
	assert.Equal(t, tx.ID(), receipt.RelayTransaction.ID())

	accepted := f.acceptedTxs()
	require.Len(t, accepted, 1)
	assert.Equal(t, tx.ID(), accepted[0].ID())
	assert.Len(t, f.stub.Relayed(), 1)
}

func TestRelay_Resubmission(t *testing.T) {
	f := newFixture(t)
	f.stub.Credit(f.signer.Address(), evm.MustParseEther("0.01"))
	tx := f.build(t)

	first, err := f.client.Relay(context.Background(), tx)
	require.NoError(t, err)
	second, err := f.client.Relay(context.Background(), tx)
	require.NoError(t, err)

	assert.Equal(t, first.ReceiptSignature, second.ReceiptSignature)
	assert.Len(t, f.acceptedTxs(), 1, "resubmission must not be executed twice")
}

func TestRelay_ResubmissionNearDeadline(t *testing.T) {
	f := newFixture(t)
	f.stub.Credit(f.signer.Address(), evm.MustParseEther("0.01"))
	tx := f.build(t)

	first, err := f.client.Relay(context.Background(), tx)
	require.NoError(t, err)

	f.chain.SetHeight(tx.DeadlineBlockNumber - 1)
	second, err := f.client.Relay(context.Background(), tx)
	require.NoError(t, err)

	assert.Equal(t, first.ReceiptSignature, second.ReceiptSignature)
	assert.Len(t, f.acceptedTxs(), 1)
}

func TestRelay_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f *fixture, tx *anysender.RelayTransaction)
		credit  bool
	}{
		{
			name:    "no balance",
			prepare: func(*fixture, *anysender.RelayTransaction) {},
		},
		{
			name:    "deadline too close",
			prepare: func(f *fixture, _ *anysender.RelayTransaction) { f.chain.SetHeight(110) },
			credit:  true,
		},
		{
			name: "wrong relay contract",
			prepare: func(f *fixture, tx *anysender.RelayTransaction) {
				tx.RelayContractAddress = common.HexToAddress("0x01")
				resigned, err := f.builder.Sign(context.Background(), f.signer, tx.UnsignedRelayTransaction)
				if err == nil {
					tx.Signature = resigned.Signature
				}
			},
			credit: true,
		},
		{
			name: "tampered signature",
			prepare: func(_ *fixture, tx *anysender.RelayTransaction) {
				tx.Gas++
			},
			credit: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.credit {
				f.stub.Credit(f.signer.Address(), evm.MustParseEther("0.01"))
			}
			tx := f.build(t)
			tt.prepare(f, tx)

			_, err := f.client.Relay(context.Background(), tx)
			require.Error(t, err)
			assert.True(t, anysender.IsCode(err, anysender.ErrCodeSubmissionRejected), "got %v", err)
			assert.Empty(t, f.acceptedTxs())
		})
	}
}

func TestRelay_SchemaRejection(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.server.URL+"/relay", "application/json", bytes.NewReader([]byte(`{"from":"0x01"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "invalid relay transaction")
}

func TestRelay_ChainDown(t *testing.T) {
	f := newFixture(t)
	f.stub.Credit(f.signer.Address(), evm.MustParseEther("0.01"))
	tx := f.build(t)
	f.chain.BlockNumberErr = assert.AnError

	_, err := f.client.Relay(context.Background(), tx)
	assert.True(t, anysender.IsCode(err, anysender.ErrCodeTransientNetwork), "got %v", err)
}
