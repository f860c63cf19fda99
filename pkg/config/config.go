// Package config loads the relay client configuration from TOML.
package config

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
)

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

// Config is the full client configuration
type Config struct {
	// Network name used for defaults, Infura and explorer links
	Network string
	// RPCURL is the JSON-RPC endpoint; built from InfuraProjectID when empty
	RPCURL          string
	InfuraProjectID string

	Operator Operator
	Relay    Relay
	Watcher  Watcher
	Deposit  Deposit
	Target   Target
	Logging  Logging
	Metrics  Metrics
}

// Operator configures the operator API client
type Operator struct {
	URL            string
	Timeout        Duration
	ReceiptSigner  string
	VerifyReceipts bool
}

// Relay configures relay transactions and replay protection
type Relay struct {
	Contract        string
	Hub             string
	MinimumDeadline uint64
	GasLimit        uint64
	// Compensation in wei, as a decimal string
	Compensation string
	Lanes        uint64
	SeedLanes    bool
	// HoldTTL keeps a ticket whose submission failed with a transient error
	// for resubmission
	HoldTTL Duration
	// SubmitRetries resubmits the held ticket this many times before giving up
	SubmitRetries int
}

// Watcher configures the confirmation watcher
type Watcher struct {
	PollInterval  Duration
	MaxWait       Duration
	MaxAttempts   int
	DeadlineGrace int64
}

// Deposit configures automatic top-ups. Amounts are in ether.
type Deposit struct {
	Enabled       bool
	Threshold     string
	Amount        string
	Margin        string
	Confirmations uint64
	Timeout       Duration
}

// Target configures the contract tickets are sent to
type Target struct {
	Contract string
	Message  string
}

// Logging configures log output
type Logging struct {
	// Level is one of trace, debug, info, warn, error, crit
	Level string
	// Format is terminal or json
	Format string
	// Drop lists message substrings that are never logged
	Drop []string
	// Components raises the level of individual components, e.g. watcher = "warn"
	Components map[string]string
}

// Metrics configures the prometheus endpoint
type Metrics struct {
	// ListenAddress serves /metrics when set
	ListenAddress string
}

// Default returns the mainnet configuration
func Default() *Config {
	cfg, _ := ForNetwork(evm.DefaultNetwork)
	return cfg
}

// ForNetwork returns the defaults for a network with known relay deployments
func ForNetwork(network string) (*Config, error) {
	nc, ok := evm.GetNetworkConfig(network)
	if !ok {
		return nil, configError(fmt.Sprintf("no defaults for network %q", network), nil)
	}
	return &Config{
		Network: network,
		Operator: Operator{
			URL:            nc.OperatorAPI,
			Timeout:        Duration(30 * time.Second),
			ReceiptSigner:  nc.ReceiptSigner.Hex(),
			VerifyReceipts: true,
		},
		Relay: Relay{
			Contract:        nc.RelayContract.Hex(),
			MinimumDeadline: evm.DefaultMinimumDeadline,
			GasLimit:        evm.DefaultGasLimit,
			Compensation:    "0",
			Lanes:           evm.DefaultLanes,
			SeedLanes:       true,
			HoldTTL:         Duration(10 * time.Minute),
			SubmitRetries:   2,
		},
		Watcher: Watcher{
			PollInterval:  Duration(evm.DefaultPollInterval),
			MaxWait:       Duration(evm.DefaultMaxWait),
			DeadlineGrace: evm.DefaultDeadlineGrace,
		},
		Deposit: Deposit{
			Enabled:       true,
			Threshold:     "0.025",
			Amount:        "0.029",
			Margin:        "0.001",
			Confirmations: evm.DefaultDepositConfirmations,
			Timeout:       Duration(evm.DefaultDepositTimeout),
		},
		Target: Target{
			Contract: nc.TargetContract.Hex(),
			Message:  "any.sender API is super-easy to use",
		},
		Logging: Logging{
			Level:  "info",
			Format: "terminal",
		},
	}, nil
}

// FromReader decodes TOML on top of the defaults. Unknown keys are rejected.
func FromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, configError("failed to decode config", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, configError(fmt.Sprintf("unknown config keys: %s", strings.Join(keys, ", ")), nil)
	}
	return cfg, nil
}

// Load reads a TOML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, configError("failed to open config", err)
	}
	defer f.Close()
	return FromReader(f)
}

// Encode writes cfg as TOML. A missing hub address is called out in a
// leading comment since no network default exists for it.
func Encode(w io.Writer, cfg *Config) error {
	if cfg.Relay.Hub == "" {
		if _, err := io.WriteString(w, hubNotice); err != nil {
			return err
		}
	}
	return toml.NewEncoder(w).Encode(cfg)
}

const hubNotice = `# Relay.Hub is required before tickets can be sent. Set it to the RelayHub
# address of the network, or pass --hub / CYBERDICE_RELAY_HUB.

`

// String renders the config as TOML
func (c *Config) String() string {
	buf := new(bytes.Buffer)
	if err := Encode(buf, c); err != nil {
		return err.Error()
	}
	return buf.String()
}

func configError(message string, err error) error {
	return anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, message, err)
}

// Validate checks the configuration before any network call is made
func (c *Config) Validate() error {
	if c.RPCURL == "" && c.InfuraProjectID == "" {
		return configError("either RPCURL or InfuraProjectID is required", nil)
	}
	if c.Network == "" {
		return configError("network is required", nil)
	}
	if !common.IsHexAddress(c.Relay.Hub) {
		return configError(fmt.Sprintf("Relay.Hub must be set to the RelayHub address (--hub), got %q", c.Relay.Hub), nil)
	}
	if err := c.checkNetworkDefaults(); err != nil {
		return err
	}
	for name, addr := range map[string]string{
		"relay contract": c.Relay.Contract,
		"receipt signer": c.Operator.ReceiptSigner,
		"target":         c.Target.Contract,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return configError(fmt.Sprintf("invalid %s address %q", name, addr), nil)
		}
	}
	if c.Relay.MinimumDeadline <= evm.ProtocolMinimumDeadline {
		return anysender.NewRelayError(anysender.ErrCodeInvalidDeadline, anysender.StepConfig,
			fmt.Sprintf("minimum deadline %d must exceed %d", c.Relay.MinimumDeadline, evm.ProtocolMinimumDeadline), nil)
	}
	if _, err := c.CompensationWei(); err != nil {
		return err
	}
	if c.Deposit.Enabled {
		if _, _, _, err := c.DepositAmounts(); err != nil {
			return err
		}
	}
	if c.Watcher.PollInterval < 0 || c.Watcher.MaxWait < 0 {
		return configError("watcher durations cannot be negative", nil)
	}
	if c.Relay.HoldTTL < 0 || c.Relay.SubmitRetries < 0 {
		return configError("Relay.HoldTTL and Relay.SubmitRetries cannot be negative", nil)
	}
	return nil
}

// checkNetworkDefaults rejects a network without known deployments that
// still points at mainnet contracts or the mainnet operator
func (c *Config) checkNetworkDefaults() error {
	if _, ok := evm.GetNetworkConfig(c.Network); ok {
		return nil
	}
	mainnet, _ := evm.GetNetworkConfig(evm.DefaultNetwork)
	var inherited []string
	for _, f := range []struct {
		key   string
		value string
		def   common.Address
	}{
		{"Relay.Contract", c.Relay.Contract, mainnet.RelayContract},
		{"Operator.ReceiptSigner", c.Operator.ReceiptSigner, mainnet.ReceiptSigner},
		{"Target.Contract", c.Target.Contract, mainnet.TargetContract},
	} {
		if common.IsHexAddress(f.value) && common.HexToAddress(f.value) == f.def {
			inherited = append(inherited, f.key)
		}
	}
	if c.Operator.URL == mainnet.OperatorAPI {
		inherited = append(inherited, "Operator.URL")
	}
	if len(inherited) > 0 {
		return configError(fmt.Sprintf("network %q has no known deployments, set %s", c.Network, strings.Join(inherited, ", ")), nil)
	}
	return nil
}

// ChainID returns the chain id of the configured network, or nil when the
// network has no known deployments
func (c *Config) ChainID() *big.Int {
	if nc, ok := evm.GetNetworkConfig(c.Network); ok {
		return new(big.Int).Set(nc.ChainID)
	}
	return nil
}

// RPCEndpoint returns the JSON-RPC URL
func (c *Config) RPCEndpoint() string {
	if c.RPCURL != "" {
		return c.RPCURL
	}
	return evm.InfuraURL(c.Network, c.InfuraProjectID)
}

// HubAddress returns the RelayHub address
func (c *Config) HubAddress() common.Address {
	return common.HexToAddress(c.Relay.Hub)
}

// RelayContract returns the relay contract address
func (c *Config) RelayContract() common.Address {
	return common.HexToAddress(c.Relay.Contract)
}

// ReceiptSigner returns the operator receipt key address
func (c *Config) ReceiptSigner() common.Address {
	return common.HexToAddress(c.Operator.ReceiptSigner)
}

// TargetContract returns the contract tickets are sent to
func (c *Config) TargetContract() common.Address {
	return common.HexToAddress(c.Target.Contract)
}

// CompensationWei parses the compensation
func (c *Config) CompensationWei() (*big.Int, error) {
	if c.Relay.Compensation == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(c.Relay.Compensation, 10)
	if !ok || v.Sign() < 0 {
		return nil, configError(fmt.Sprintf("invalid compensation %q", c.Relay.Compensation), nil)
	}
	return v, nil
}

// DepositAmounts parses threshold, amount and margin into wei
func (c *Config) DepositAmounts() (threshold, amount, margin *big.Int, err error) {
	parse := func(name, value string) (*big.Int, error) {
		wei, err := evm.ParseEther(value)
		if err != nil {
			return nil, configError(fmt.Sprintf("invalid deposit %s", name), err)
		}
		return wei, nil
	}
	if threshold, err = parse("threshold", c.Deposit.Threshold); err != nil {
		return nil, nil, nil, err
	}
	if amount, err = parse("amount", c.Deposit.Amount); err != nil {
		return nil, nil, nil, err
	}
	if amount.Sign() == 0 {
		return nil, nil, nil, configError("deposit amount must be positive", nil)
	}
	if margin, err = parse("margin", c.Deposit.Margin); err != nil {
		return nil, nil, nil, err
	}
	return threshold, amount, margin, nil
}
