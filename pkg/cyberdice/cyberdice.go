// Package cyberdice binds the CyberDice competition contract that tickets
// are relayed to.
package cyberdice

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
)

// ABI is the fragment of the CyberDice contract the client uses
const ABI = `[
	{
		"inputs": [{"name": "message", "type": "string"}],
		"name": "submit",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "", "type": "address"}],
		"name": "userTickets",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "totalTickets",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "deadline",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const (
	functionTotalTickets = "totalTickets"
	functionDeadline     = "deadline"
)

var contractABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(ABI))
	if err != nil {
		panic(fmt.Sprintf("invalid cyberdice abi: %v", err))
	}
	contractABI = parsed
}

// Contract reads and encodes calls to a deployed CyberDice contract
type Contract struct {
	address common.Address
	chain   anysender.ChainReader
}

// New binds the contract at address
func New(address common.Address, chain anysender.ChainReader) *Contract {
	return &Contract{address: address, chain: chain}
}

// Address returns the contract address
func (c *Contract) Address() common.Address {
	return c.address
}

// PackSubmit encodes submit(message)
func PackSubmit(message string) ([]byte, error) {
	return contractABI.Pack(evm.FunctionSubmit, message)
}

// SubmitCall returns the call that enters one ticket carrying message
func (c *Contract) SubmitCall(message string) (anysender.Call, error) {
	data, err := PackSubmit(message)
	if err != nil {
		return anysender.Call{}, fmt.Errorf("failed to encode submit: %w", err)
	}
	return anysender.Call{Target: c.address, Value: new(big.Int), Data: data}, nil
}

// UserTickets returns how many tickets user has entered
func (c *Contract) UserTickets(ctx context.Context, user common.Address) (*big.Int, error) {
	return c.readUint(ctx, evm.FunctionUserTickets, user)
}

// TotalTickets returns the number of tickets entered by everyone
func (c *Contract) TotalTickets(ctx context.Context) (*big.Int, error) {
	return c.readUint(ctx, functionTotalTickets)
}

// Deadline returns the end of the competition
func (c *Contract) Deadline(ctx context.Context) (time.Time, error) {
	seconds, err := c.readUint(ctx, functionDeadline)
	if err != nil {
		return time.Time{}, err
	}
	if !seconds.IsInt64() {
		return time.Time{}, fmt.Errorf("deadline %s out of range", seconds)
	}
	return time.Unix(seconds.Int64(), 0), nil
}

func (c *Contract) readUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	calldata, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}

	result, err := evm.CallView(ctx, c.chain, c.address, calldata)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", method, err)
	}

	values, err := contractABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s result length %d", method, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, values[0])
	}
	return value, nil
}
