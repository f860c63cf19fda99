package anysender

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Call is the end-user call a meta-transaction carries to its target contract.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// MetaTransactionPayload is a signed, forwardable call protected against replay
// by a (lane, nonce) pair. It is immutable once signed.
type MetaTransactionPayload struct {
	Target common.Address `json:"target"`
	Value  *big.Int       `json:"value"`
	Data   hexutil.Bytes  `json:"data"`

	// Lane is the independent nonce dimension the nonce was allocated from
	Lane  uint64   `json:"lane"`
	Nonce *big.Int `json:"nonce"`

	// ReplayProtection is abi.encode(uint256 lane, uint256 nonce)
	ReplayProtection          hexutil.Bytes  `json:"replayProtection"`
	ReplayProtectionAuthority common.Address `json:"replayProtectionAuthority"`

	// Hub is the forwarding contract that checks the signature and replay protection
	Hub       common.Address `json:"hub"`
	Signer    common.Address `json:"signer"`
	Signature hexutil.Bytes  `json:"signature"`
}

// UnsignedRelayTransaction holds every field covered by the relay transaction identifier.
type UnsignedRelayTransaction struct {
	From                 common.Address
	To                   common.Address
	Gas                  uint64
	Data                 []byte
	DeadlineBlockNumber  uint64
	Compensation         *big.Int
	RelayContractAddress common.Address
}

var relayTxIDArguments = abi.Arguments{
	{Name: "to", Type: mustABIType("address")},
	{Name: "from", Type: mustABIType("address")},
	{Name: "data", Type: mustABIType("bytes")},
	{Name: "deadlineBlockNumber", Type: mustABIType("uint256")},
	{Name: "compensation", Type: mustABIType("uint256")},
	{Name: "gas", Type: mustABIType("uint256")},
	{Name: "relayContractAddress", Type: mustABIType("address")},
}

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %q: %v", t, err))
	}
	return typ
}

// EncodeID returns the ABI encoding hashed into the relay transaction identifier.
func (tx *UnsignedRelayTransaction) EncodeID() ([]byte, error) {
	compensation := tx.Compensation
	if compensation == nil {
		compensation = new(big.Int)
	}
	data := tx.Data
	if data == nil {
		data = []byte{}
	}
	return relayTxIDArguments.Pack(
		tx.To,
		tx.From,
		data,
		new(big.Int).SetUint64(tx.DeadlineBlockNumber),
		compensation,
		new(big.Int).SetUint64(tx.Gas),
		tx.RelayContractAddress,
	)
}

// ID returns the deterministic relay transaction identifier:
// keccak256(abi.encode(to, from, data, deadlineBlockNumber, compensation, gas, relayContractAddress)).
func (tx *UnsignedRelayTransaction) ID() common.Hash {
	encoded, err := tx.EncodeID()
	if err != nil {
		// Pack only fails on argument type mismatches, which the fixed argument list rules out
		panic(fmt.Sprintf("encode relay transaction: %v", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// RelayTransaction is a relay request signed by its sender. The signature is
// over the EIP-191 hash of ID() and is excluded from the identifier.
type RelayTransaction struct {
	UnsignedRelayTransaction
	Signature []byte
}

type relayTransactionJSON struct {
	From                 common.Address `json:"from"`
	To                   common.Address `json:"to"`
	Gas                  uint64         `json:"gas"`
	Data                 hexutil.Bytes  `json:"data"`
	DeadlineBlockNumber  uint64         `json:"deadlineBlockNumber"`
	Compensation         string         `json:"compensation"`
	RelayContractAddress common.Address `json:"relayContractAddress"`
	Signature            hexutil.Bytes  `json:"signature,omitempty"`
}

// MarshalJSON encodes the relay transaction in the operator's wire format
// (compensation as a decimal string).
func (tx RelayTransaction) MarshalJSON() ([]byte, error) {
	compensation := "0"
	if tx.Compensation != nil {
		compensation = tx.Compensation.String()
	}
	return json.Marshal(relayTransactionJSON{
		From:                 tx.From,
		To:                   tx.To,
		Gas:                  tx.Gas,
		Data:                 tx.Data,
		DeadlineBlockNumber:  tx.DeadlineBlockNumber,
		Compensation:         compensation,
		RelayContractAddress: tx.RelayContractAddress,
		Signature:            tx.Signature,
	})
}

// UnmarshalJSON decodes the operator's wire format.
func (tx *RelayTransaction) UnmarshalJSON(data []byte) error {
	var wire relayTransactionJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	compensation := new(big.Int)
	if wire.Compensation != "" {
		if _, ok := compensation.SetString(wire.Compensation, 10); !ok {
			return fmt.Errorf("invalid compensation: %s", wire.Compensation)
		}
	}
	*tx = RelayTransaction{
		UnsignedRelayTransaction: UnsignedRelayTransaction{
			From:                 wire.From,
			To:                   wire.To,
			Gas:                  wire.Gas,
			Data:                 wire.Data,
			DeadlineBlockNumber:  wire.DeadlineBlockNumber,
			Compensation:         compensation,
			RelayContractAddress: wire.RelayContractAddress,
		},
		Signature: wire.Signature,
	}
	return nil
}

// RelayReceipt is the operator's signed acknowledgement that it accepted a relay transaction.
type RelayReceipt struct {
	RelayTransaction RelayTransaction `json:"relayTransaction"`
	ReceiptSignature hexutil.Bytes    `json:"receiptSignature"`

	// Verified is set when the receipt signature was checked against the operator key
	Verified bool `json:"-"`
}

// ConfirmationRecord describes where a relay transaction's execution event was found.
type ConfirmationRecord struct {
	RelayTxID       common.Hash `json:"relayTxId"`
	SubmissionBlock uint64      `json:"submissionBlock"`
	ConfirmedBlock  uint64      `json:"confirmedBlock"`
	TxHash          common.Hash `json:"txHash"`
	Success         bool        `json:"success"`
}

// Latency is the number of blocks between submission and confirmation.
// The scan window starts a few blocks before the submission height, so an
// earlier match counts as zero rather than underflowing.
func (r ConfirmationRecord) Latency() uint64 {
	if r.ConfirmedBlock < r.SubmissionBlock {
		return 0
	}
	return r.ConfirmedBlock - r.SubmissionBlock
}

// DepositResult reports what the funding check did.
type DepositResult struct {
	// Required is true when the operator balance was below the threshold
	Required bool
	// Deposited is true when an on-chain deposit was mined with enough confirmations
	Deposited bool

	Amount          *big.Int
	TxHash          common.Hash
	BlockNumber     uint64
	OperatorBalance *big.Int
	OnchainBalance  *big.Int
}

// TicketResult collects the output of every step of one Send.
type TicketResult struct {
	TicketID     string
	Deposit      *DepositResult
	Payload      *MetaTransactionPayload
	RelayTx      *RelayTransaction
	Receipt      *RelayReceipt
	Confirmation *ConfirmationRecord
}
