package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// RelayABI is the fragment of the any.sender relay contract the client uses
const RelayABI = `[
	{
		"inputs": [{"name": "recipient", "type": "address"}],
		"name": "depositFor",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "relayTxId", "type": "bytes32"},
			{"indexed": false, "name": "success", "type": "bool"},
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "gasUsed", "type": "uint256"},
			{"indexed": false, "name": "gasPrice", "type": "uint256"}
		],
		"name": "RelayExecuted",
		"type": "event"
	}
]`

// RelayHubABI is the fragment of the replay-protection hub the client uses
const RelayHubABI = `[
	{
		"inputs": [
			{"name": "target", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "data", "type": "bytes"},
			{"name": "replayProtection", "type": "bytes"},
			{"name": "replayProtectionAuthority", "type": "address"},
			{"name": "signer", "type": "address"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "forward",
		"outputs": [{"name": "", "type": "bytes"}],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [{"name": "", "type": "bytes32"}],
		"name": "nonceStore",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

var (
	relayABI    = mustParseABI(RelayABI)
	relayHubABI = mustParseABI(RelayHubABI)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// RelayHubContractABI returns the parsed hub fragment
func RelayHubContractABI() abi.ABI {
	return relayHubABI
}

// MustType returns the ABI type for a solidity type name
func MustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %q: %v", t, err))
	}
	return typ
}
