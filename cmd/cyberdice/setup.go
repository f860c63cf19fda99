package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v2"

	anysender "github.com/anydotcrypto/cyberdice"
	anyhttp "github.com/anydotcrypto/cyberdice/http"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm/relay"
	"github.com/anydotcrypto/cyberdice/pkg/config"
	"github.com/anydotcrypto/cyberdice/pkg/cyberdice"
	"github.com/anydotcrypto/cyberdice/pkg/logging"
	"github.com/anydotcrypto/cyberdice/pkg/metrics"
	evmsigner "github.com/anydotcrypto/cyberdice/signers/evm"
)

// env holds everything a command needs, built from the config file and flags
type env struct {
	cfg      *config.Config
	chain    *ethclient.Client
	operator *anyhttp.OperatorClient
	target   *cyberdice.Contract
	logger   log.Logger
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if v := cctx.String("network"); v != "" {
		cfg.Network = v
	}
	if v := cctx.String("rpc"); v != "" {
		cfg.RPCURL = v
	}
	if v := cctx.String("infura-project-id"); v != "" {
		cfg.InfuraProjectID = v
	}
	if v := cctx.String("hub"); v != "" {
		cfg.Relay.Hub = v
	}
	if v := cctx.String("operator"); v != "" {
		cfg.Operator.URL = v
	}
	if v := cctx.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg, cfg.Validate()
}

func setup(cctx *cli.Context) (*env, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}

	logger, err := logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Color:      cfg.Logging.Format == "terminal",
		Drop:       cfg.Logging.Drop,
		Components: cfg.Logging.Components,
	})
	if err != nil {
		return nil, err
	}

	chain, err := ethclient.DialContext(cctx.Context, cfg.RPCEndpoint())
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepConfig, "failed to connect to chain", err)
	}
	if expected := cfg.ChainID(); expected != nil {
		actual, err := chain.ChainID(cctx.Context)
		if err != nil {
			chain.Close()
			return nil, anysender.NewRelayError(anysender.ErrCodeTransientNetwork, anysender.StepConfig, "failed to read chain id", err)
		}
		if actual.Cmp(expected) != 0 {
			chain.Close()
			return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig,
				fmt.Sprintf("rpc endpoint serves chain %s, network %s is chain %s", actual, cfg.Network, expected), nil)
		}
	}

	operator := anyhttp.NewOperatorClient(&anyhttp.OperatorConfig{
		URL:                     cfg.Operator.URL,
		Timeout:                 time.Duration(cfg.Operator.Timeout),
		ReceiptSigner:           cfg.ReceiptSigner(),
		SkipReceiptVerification: !cfg.Operator.VerifyReceipts,
		Logger:                  logger.With("component", "operator"),
	})

	return &env{
		cfg:      cfg,
		chain:    chain,
		operator: operator,
		target:   cyberdice.New(cfg.TargetContract(), chain),
		logger:   logger,
	}, nil
}

func (e *env) Close() {
	e.chain.Close()
}

func (e *env) signer(cctx *cli.Context) (*evmsigner.ClientSigner, error) {
	key := cctx.String("private-key")
	if key == "" {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "a private key is required (--private-key or CYBERDICE_PRIVATE_KEY)", nil)
	}
	signer, err := evmsigner.NewClientSignerFromPrivateKey(key)
	if err != nil {
		return nil, anysender.NewRelayError(anysender.ErrCodeConfiguration, anysender.StepConfig, "invalid private key", err)
	}
	return signer, nil
}

func (e *env) depositConfig() (relay.DepositConfig, error) {
	threshold, amount, margin, err := e.cfg.DepositAmounts()
	if err != nil {
		return relay.DepositConfig{}, err
	}
	return relay.DepositConfig{
		Chain:               e.chain,
		Operator:            e.operator,
		RelayContract:       e.cfg.RelayContract(),
		Threshold:           threshold,
		Amount:              amount,
		Margin:              margin,
		Confirmations:       e.cfg.Deposit.Confirmations,
		ConfirmationTimeout: time.Duration(e.cfg.Deposit.Timeout),
		PollInterval:        time.Duration(e.cfg.Watcher.PollInterval),
		Network:             e.cfg.Network,
		Logger:              e.logger.With("component", "deposit"),
	}, nil
}

// relayClient builds the full relay client, instrumented when metrics are enabled
func (e *env) relayClient(ctx context.Context) (*anysender.Client, error) {
	compensation, err := e.cfg.CompensationWei()
	if err != nil {
		return nil, err
	}

	clientConfig := relay.ClientConfig{
		Chain:              e.chain,
		Operator:           e.operator,
		Hub:                e.cfg.HubAddress(),
		RelayContract:      e.cfg.RelayContract(),
		MinimumDeadline:    e.cfg.Relay.MinimumDeadline,
		GasLimit:           e.cfg.Relay.GasLimit,
		Compensation:       compensation,
		Lanes:              e.cfg.Relay.Lanes,
		DisableLaneSeeding: !e.cfg.Relay.SeedLanes,
		HoldTTL:            time.Duration(e.cfg.Relay.HoldTTL),
		ChainID:            e.cfg.ChainID(),
		PollInterval:       time.Duration(e.cfg.Watcher.PollInterval),
		MaxWait:            time.Duration(e.cfg.Watcher.MaxWait),
		MaxAttempts:        e.cfg.Watcher.MaxAttempts,
		DeadlineGrace:      e.cfg.Watcher.DeadlineGrace,
		DisableDeposits:    !e.cfg.Deposit.Enabled,
		Network:            e.cfg.Network,
		Logger:             e.logger,
	}
	if e.cfg.Deposit.Enabled {
		dc, err := e.depositConfig()
		if err != nil {
			return nil, err
		}
		clientConfig.DepositThreshold = dc.Threshold
		clientConfig.DepositAmount = dc.Amount
		clientConfig.DepositMargin = dc.Margin
		clientConfig.DepositConfirmations = dc.Confirmations
		clientConfig.DepositTimeout = dc.ConfirmationTimeout
	}

	var m *metrics.Metrics
	if e.cfg.Metrics.ListenAddress != "" {
		m, err = metrics.New(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, err
		}
		clientConfig.Observer = m.Observe
		go e.serveMetrics()
	}

	client, err := relay.NewRelayClient(ctx, clientConfig)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.Instrument(client)
	}
	return client, nil
}

func (e *env) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	server := &http.Server{Addr: e.cfg.Metrics.ListenAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	e.logger.Info("Serving metrics", "addr", e.cfg.Metrics.ListenAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.logger.Error("Metrics server stopped", "err", err)
	}
}

func printf(cctx *cli.Context, format string, args ...interface{}) {
	fmt.Fprintf(cctx.App.Writer, format, args...)
}
