package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
)

// ============================================================================
// HTTP Operator Client
// ============================================================================

// OperatorClient talks to the any.sender operator REST API.
// Implements anysender.RelayOperator.
type OperatorClient struct {
	url            string
	httpClient     *http.Client
	receiptSigner  common.Address
	verifyReceipts bool
	logger         log.Logger
}

var _ anysender.RelayOperator = (*OperatorClient)(nil)

// OperatorConfig configures the HTTP operator client
type OperatorConfig struct {
	// URL is the base URL of the operator API
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// ReceiptSigner is the key the operator signs receipts with (optional, defaults to mainnet)
	ReceiptSigner common.Address

	// SkipReceiptVerification disables the receipt signature check
	SkipReceiptVerification bool

	Logger log.Logger
}

// DefaultOperatorURL is the public mainnet operator API
const DefaultOperatorURL = evm.DefaultOperatorAPI

// NewOperatorClient creates a new HTTP operator client
func NewOperatorClient(config *OperatorConfig) *OperatorClient {
	if config == nil {
		config = &OperatorConfig{}
	}

	url := strings.TrimRight(config.URL, "/")
	if url == "" {
		url = DefaultOperatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	receiptSigner := config.ReceiptSigner
	if receiptSigner == (common.Address{}) {
		receiptSigner = evm.MainnetReceiptSigner
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}

	return &OperatorClient{
		url:            url,
		httpClient:     httpClient,
		receiptSigner:  receiptSigner,
		verifyReceipts: !config.SkipReceiptVerification,
		logger:         logger,
	}
}

// URL returns the operator base URL
func (c *OperatorClient) URL() string {
	return c.url
}

// BalanceResponse is the body of GET /balance/{address}
type BalanceResponse struct {
	Balance string `json:"balance"`
}

// errorResponse is the body of a rejected request
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Balance returns the prepaid balance the operator holds for address
func (c *OperatorClient) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/balance/"+address.Hex(), nil)
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepDeposit, "failed to create balance request", err)
	}
	req.Header.Set("Accept", "application/json")

	status, responseBody, err := c.do(req)
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepDeposit, "balance request failed", err)
	}
	if status != http.StatusOK {
		return nil, statusError(anysender.StepDeposit, "balance", status, responseBody)
	}

	var balanceResponse BalanceResponse
	if err := json.Unmarshal(responseBody, &balanceResponse); err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepDeposit, "failed to decode balance response", err)
	}
	balance, ok := new(big.Int).SetString(balanceResponse.Balance, 10)
	if !ok {
		return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepDeposit,
			fmt.Sprintf("invalid balance in response: %q", balanceResponse.Balance), nil)
	}
	return balance, nil
}

// Relay submits a signed relay transaction. No retry is attempted: a 4xx is
// returned as submission_rejected with the operator's message, a 5xx or
// network failure as transient_network.
func (c *OperatorClient) Relay(ctx context.Context, tx *anysender.RelayTransaction) (*anysender.RelayReceipt, error) {
	id := tx.ID()

	body, err := json.Marshal(tx)
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeSigning, anysender.StepSubmit, "failed to marshal relay transaction", err).WithRelayTx(id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/relay", bytes.NewReader(body))
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepSubmit, "failed to create relay request", err).WithRelayTx(id)
	}
	req.Header.Set("Content-Type", "application/json")

	status, responseBody, err := c.do(req)
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepSubmit, "relay request failed", err).WithRelayTx(id)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		relayErr := statusError(anysender.StepSubmit, "relay", status, responseBody)
		relayErr.WithRelayTx(id)
		return nil, relayErr
	}

	var receipt anysender.RelayReceipt
	if err := json.Unmarshal(responseBody, &receipt); err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepSubmit, "failed to decode relay receipt", err).WithRelayTx(id)
	}

	if receipt.RelayTransaction.ID() != id {
		return nil, anysender.NewRelayError(anysender.ErrCodeReceiptInvalid, anysender.StepSubmit, "receipt is for a different relay transaction", nil).
			WithRelayTx(id).
			WithDetail("receiptRelayTxId", receipt.RelayTransaction.ID().Hex())
	}

	if c.verifyReceipts {
		if err := c.VerifyReceipt(&receipt); err != nil {
			return nil, err
		}
	}

	c.logger.Debug("Operator accepted relay transaction", "relayTxId", id, "verified", receipt.Verified)
	return &receipt, nil
}

// VerifyReceipt checks that the receipt signature over the EIP-191 hash of
// the relay transaction id was produced by the operator key.
func (c *OperatorClient) VerifyReceipt(receipt *anysender.RelayReceipt) error {
	id := receipt.RelayTransaction.ID()
	recovered, err := evm.RecoverMessageSigner(id.Bytes(), receipt.ReceiptSignature)
	if err != nil {
		return anysender.NewRelayError(anysender.ErrCodeReceiptInvalid, anysender.StepSubmit, "malformed receipt signature", err).WithRelayTx(id)
	}
	if recovered != c.receiptSigner {
		return anysender.NewRelayError(anysender.ErrCodeReceiptInvalid, anysender.StepSubmit, "receipt not signed by operator", nil).
			WithRelayTx(id).
			WithDetail("recovered", recovered.Hex()).
			WithDetail("expected", c.receiptSigner.Hex())
	}
	receipt.Verified = true
	return nil
}

func (c *OperatorClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, responseBody, nil
}

func statusError(step, operation string, status int, responseBody []byte) *anysender.RelayError {
	message := strings.TrimSpace(string(responseBody))
	var parsed errorResponse
	if err := json.Unmarshal(responseBody, &parsed); err == nil {
		if parsed.Error != "" {
			message = parsed.Error
		} else if parsed.Message != "" {
			message = parsed.Message
		}
	}

	code := anysender.ErrCodeTransientNetwork
	if status >= 400 && status < 500 {
		code = anysender.ErrCodeSubmissionRejected
	}
	return anysender.NewRelayError(code, step, fmt.Sprintf("operator %s failed (%d): %s", operation, status, message), nil).
		WithDetail("status", status)
}
