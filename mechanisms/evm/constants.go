package evm

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// ProtocolMinimumDeadline is the smallest deadline (in blocks) the operator accepts
	ProtocolMinimumDeadline = 400

	// DefaultMinimumDeadline leaves a guard margin over ProtocolMinimumDeadline
	// so a block mined between signing and submission does not invalidate the request
	DefaultMinimumDeadline = 410

	// DefaultDepositConfirmations is how long the operator waits before it
	// credits an on-chain deposit
	DefaultDepositConfirmations = 40

	// DefaultGasLimit for the forwarded call
	DefaultGasLimit = 250000

	// DefaultLanes is the number of independent replay-protection nonce lanes
	DefaultLanes = 100

	// Confirmation watcher defaults
	DefaultPollInterval  = 5 * time.Second
	DefaultLookBack      = 10
	DefaultLookAhead     = 10000
	DefaultMaxWait       = 90 * time.Minute
	DefaultDeadlineGrace = 20

	// DefaultDepositTimeout bounds the wait for deposit confirmations
	DefaultDepositTimeout = 30 * time.Minute

	// Relay contract function and event names
	FunctionDepositFor  = "depositFor"
	EventRelayExecuted  = "RelayExecuted"
	FunctionForward     = "forward"
	FunctionNonceStore  = "nonceStore"
	FunctionSubmit      = "submit"
	FunctionUserTickets = "userTickets"

	// DefaultNetwork is the network the client targets when none is configured
	DefaultNetwork = "mainnet"

	// DefaultOperatorAPI is the public mainnet operator endpoint
	DefaultOperatorAPI = "https://api.anydot.dev/any.sender.mainnet"
)

var (
	// MainnetRelayContract is the any.sender on-chain relay contract
	MainnetRelayContract = common.HexToAddress("0xa404d1219Ed6Fe3cF2496534de2Af3ca17114b06")

	// MainnetReceiptSigner is the key the operator signs receipts with
	MainnetReceiptSigner = common.HexToAddress("0x02111c619c5b7e2aa5c1f5e09815be264d925422")

	// MainnetCyberDice is the competition contract tickets are submitted to
	MainnetCyberDice = common.HexToAddress("0x2542f9c01b9a1Dfb26aB56Bc246E67058F4A0d10")

	// MultiNonceAuthority identifies multinonce replay protection to the hub
	MultiNonceAuthority = common.Address{}

	// ChainIDMainnet is the Ethereum mainnet chain id
	ChainIDMainnet = big.NewInt(1)
)

// NetworkConfig holds the per-network defaults of the relay service
type NetworkConfig struct {
	ChainID        *big.Int
	RelayContract  common.Address
	ReceiptSigner  common.Address
	OperatorAPI    string
	TargetContract common.Address
}

// NetworkConfigs maps a network name to its defaults. Only networks with a
// known relay deployment are listed; others must configure every address.
var NetworkConfigs = map[string]NetworkConfig{
	"mainnet": {
		ChainID:        ChainIDMainnet,
		RelayContract:  MainnetRelayContract,
		ReceiptSigner:  MainnetReceiptSigner,
		OperatorAPI:    DefaultOperatorAPI,
		TargetContract: MainnetCyberDice,
	},
}

// GetNetworkConfig returns the defaults for a network, if known
func GetNetworkConfig(network string) (NetworkConfig, bool) {
	cfg, ok := NetworkConfigs[network]
	return cfg, ok
}

// ExplorerTxURL returns the etherscan link for a transaction on the named network
func ExplorerTxURL(network string, txHash common.Hash) string {
	if network == "" || network == "mainnet" {
		return "https://etherscan.io/tx/" + txHash.Hex()
	}
	return "https://" + network + ".etherscan.io/tx/" + txHash.Hex()
}

// InfuraURL returns the Infura JSON-RPC endpoint for a network and project id
func InfuraURL(network, projectID string) string {
	return "https://" + network + ".infura.io/v3/" + projectID
}
