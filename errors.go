package anysender

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RelayError represents a failure in one step of the relay lifecycle.
// It carries enough context (step, relay transaction id) for the caller to act on it.
type RelayError struct {
	Code      string                 `json:"code"`
	Step      string                 `json:"step,omitempty"`
	RelayTxID string                 `json:"relayTxId,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *RelayError) Error() string {
	var b strings.Builder
	if e.Step != "" {
		b.WriteString(e.Step)
		b.WriteString(": ")
	}
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.RelayTxID != "" {
		fmt.Fprintf(&b, " (relayTxId %s)", e.RelayTxID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	ErrCodeConfiguration       = "configuration_error"
	ErrCodeInsufficientFunds   = "insufficient_funds"
	ErrCodeSigning             = "signing_error"
	ErrCodeSubmissionRejected  = "submission_rejected"
	ErrCodeTransientNetwork    = "transient_network"
	ErrCodeInvalidDeadline     = "invalid_deadline"
	ErrCodeReceiptInvalid      = "receipt_invalid"
	ErrCodeDepositFailed       = "deposit_failed"
	ErrCodeConfirmationTimeout = "confirmation_timeout"
	ErrCodeDeadlineMissed      = "deadline_missed"
	ErrCodeExecutionReverted   = "execution_reverted"
	ErrCodeAborted             = "aborted"
)

// Lifecycle steps
const (
	StepConfig  = "config"
	StepDeposit = "deposit"
	StepEncode  = "encode"
	StepBuild   = "build"
	StepSubmit  = "submit"
	StepConfirm = "confirm"
)

// NewRelayError creates a new relay error
func NewRelayError(code, step, message string, err error) *RelayError {
	return &RelayError{
		Code:    code,
		Step:    step,
		Message: message,
		Err:     err,
	}
}

// WithRelayTx tags the error with a relay transaction id and returns it.
func (e *RelayError) WithRelayTx(id common.Hash) *RelayError {
	e.RelayTxID = id.Hex()
	return e
}

// WithDetail attaches a detail value and returns the error.
func (e *RelayError) WithDetail(key string, value interface{}) *RelayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the first RelayError in err's chain, or "".
func CodeOf(err error) string {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	return ""
}

// IsCode reports whether err carries a RelayError with the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
