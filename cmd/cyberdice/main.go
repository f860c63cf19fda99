// Command cyberdice enters CyberDice tickets through the any.sender relay.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jpillora/backoff"
	cli "github.com/urfave/cli/v2"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm/relay"
	"github.com/anydotcrypto/cyberdice/pkg/config"
)

var submitCmd = &cli.Command{
	Name:  "submit",
	Usage: "relay one ticket to the CyberDice contract and wait for it to be mined",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "message",
			Usage:   "message stored with the ticket",
			EnvVars: []string{"CYBERDICE_MESSAGE"},
		},
	},
	Action: func(cctx *cli.Context) error {
		e, err := setup(cctx)
		if err != nil {
			return err
		}
		defer e.Close()

		signer, err := e.signer(cctx)
		if err != nil {
			return err
		}
		printf(cctx, "Your wallet address: %s\n", signer.Address().Hex())

		client, err := e.relayClient(cctx.Context)
		if err != nil {
			return err
		}

		if deadline, err := e.target.Deadline(cctx.Context); err == nil {
			printf(cctx, "Competition deadline: %s\n", deadline.Local().Format("2006-01-02 15:04:05 MST"))
		} else {
			e.logger.Warn("Failed to read competition deadline", "err", err)
		}

		message := cctx.String("message")
		if message == "" {
			message = e.cfg.Target.Message
		}
		call, err := e.target.SubmitCall(message)
		if err != nil {
			return err
		}

		b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2}
		result, err := sendWithRetries(cctx.Context, client, signer, call, e.cfg.Relay.SubmitRetries, b, e.logger)
		if result != nil && result.Deposit != nil && result.Deposit.Deposited {
			printf(cctx, "Deposit: %s\n", evm.ExplorerTxURL(e.cfg.Network, result.Deposit.TxHash))
		}
		if result != nil && result.Confirmation != nil {
			record := result.Confirmation
			printf(cctx, "Relay transaction id: %s\n", record.RelayTxID.Hex())
			printf(cctx, "Mined in block %d, %d blocks after submission\n", record.ConfirmedBlock, record.Latency())
			printf(cctx, "Execution: %s\n", evm.ExplorerTxURL(e.cfg.Network, record.TxHash))
		}
		if err != nil {
			return err
		}
		return printTickets(cctx, e, signer.Address())
	},
}

var balanceCmd = &cli.Command{
	Name:      "balance",
	Usage:     "show the operator and on-chain balance of an address",
	ArgsUsage: "[address]",
	Action: func(cctx *cli.Context) error {
		e, err := setup(cctx)
		if err != nil {
			return err
		}
		defer e.Close()

		address, err := addressArg(cctx, e)
		if err != nil {
			return err
		}

		operatorBalance, err := e.operator.Balance(cctx.Context, address)
		if err != nil {
			return err
		}
		onchain, err := e.chain.BalanceAt(cctx.Context, address, nil)
		if err != nil {
			return anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepDeposit, "failed to read on-chain balance", err)
		}
		printf(cctx, "Balance on any.sender: %s ETH (%s wei)\n", evm.FormatEther(operatorBalance), operatorBalance)
		printf(cctx, "Balance on chain: %s ETH (%s wei)\n", evm.FormatEther(onchain), onchain)
		return nil
	},
}

var depositCmd = &cli.Command{
	Name:  "deposit",
	Usage: "deposit ether with the relay contract and wait for the operator to credit it",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "amount",
			Usage: "amount in ether, defaults to the configured deposit amount",
		},
		&cli.BoolFlag{
			Name:  "if-needed",
			Usage: "only deposit when the operator balance is below the threshold",
		},
	},
	Action: func(cctx *cli.Context) error {
		e, err := setup(cctx)
		if err != nil {
			return err
		}
		defer e.Close()

		signer, err := e.signer(cctx)
		if err != nil {
			return err
		}
		dc, err := e.depositConfig()
		if err != nil {
			return err
		}
		if v := cctx.String("amount"); v != "" {
			if dc.Amount, err = evm.ParseEther(v); err != nil {
				return anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepDeposit, "invalid amount", err)
			}
		}
		dc.OnDeposit = func(amount *big.Int) {
			printf(cctx, "Sending on-chain deposit of %s ETH - wait ~%d confirmations\n", evm.FormatEther(amount), dc.Confirmations)
		}
		manager, err := relay.NewDepositManager(dc)
		if err != nil {
			return err
		}

		var result *anysender.DepositResult
		if cctx.Bool("if-needed") {
			result, err = manager.EnsureFunded(cctx.Context, signer)
		} else {
			result = &anysender.DepositResult{Required: true}
			err = manager.Deposit(cctx.Context, signer, dc.Amount, result)
		}
		if err != nil {
			if anysender.IsCode(err, anysender.ErrCodeInsufficientFunds) {
				printf(cctx, "Your ethereum wallet lacks the funds to top up any.sender.\n")
			}
			return err
		}
		if !result.Deposited {
			printf(cctx, "No deposit needed\n")
			return nil
		}
		printf(cctx, "Deposited %s ETH: %s\n", evm.FormatEther(result.Amount), evm.ExplorerTxURL(e.cfg.Network, result.TxHash))
		return nil
	},
}

var statusCmd = &cli.Command{
	Name:      "status",
	Usage:     "show competition tickets for an address",
	ArgsUsage: "[address]",
	Action: func(cctx *cli.Context) error {
		e, err := setup(cctx)
		if err != nil {
			return err
		}
		defer e.Close()

		address, err := addressArg(cctx, e)
		if err != nil {
			return err
		}
		deadline, err := e.target.Deadline(cctx.Context)
		if err != nil {
			return err
		}
		printf(cctx, "Competition deadline: %s\n", deadline.Local().Format("2006-01-02 15:04:05 MST"))
		return printTickets(cctx, e, address)
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "print the default configuration",
	Action: func(cctx *cli.Context) error {
		return config.Encode(cctx.App.Writer, config.Default())
	},
}

func printTickets(cctx *cli.Context, e *env, address common.Address) error {
	mine, err := e.target.UserTickets(cctx.Context, address)
	if err != nil {
		return err
	}
	total, err := e.target.TotalTickets(cctx.Context)
	if err != nil {
		return err
	}
	printf(cctx, "Your tickets: %s\n", mine)
	printf(cctx, "All tickets: %s\n", total)
	return nil
}

// addressArg returns the address argument, or the address of the private key
func addressArg(cctx *cli.Context, e *env) (common.Address, error) {
	if arg := cctx.Args().First(); arg != "" {
		if !common.IsHexAddress(arg) {
			return common.Address{}, fmt.Errorf("invalid address %q", arg)
		}
		return common.HexToAddress(arg), nil
	}
	signer, err := e.signer(cctx)
	if err != nil {
		return common.Address{}, err
	}
	return signer.Address(), nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "cyberdice",
		Usage: "enter CyberDice tickets via the any.sender relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the TOML configuration",
				Value:   "cyberdice.toml",
				EnvVars: []string{"CYBERDICE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "hex private key of the ticket sender",
				EnvVars: []string{"CYBERDICE_PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "network",
				EnvVars: []string{"CYBERDICE_NETWORK"},
			},
			&cli.StringFlag{
				Name:    "rpc",
				Usage:   "JSON-RPC endpoint",
				EnvVars: []string{"CYBERDICE_RPC_URL"},
			},
			&cli.StringFlag{
				Name:    "infura-project-id",
				EnvVars: []string{"INFURA_PROJECT_ID"},
			},
			&cli.StringFlag{
				Name:    "hub",
				Usage:   "RelayHub address",
				EnvVars: []string{"CYBERDICE_RELAY_HUB"},
			},
			&cli.StringFlag{
				Name:    "operator",
				Usage:   "relay operator API URL",
				EnvVars: []string{"CYBERDICE_OPERATOR_URL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"CYBERDICE_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{submitCmd, balanceCmd, depositCmd, statusCmd, configCmd},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		stop()
		os.Exit(1)
	}
}
