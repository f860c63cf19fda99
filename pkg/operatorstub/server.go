// Package operatorstub is an in-memory relay operator serving the operator
// REST API. It accepts relay transactions, signs receipts with its own key and
// keeps prepaid balances in memory. It is used by the integration tests and
// for running the CLI against a local chain.
package operatorstub

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"

	anysender "github.com/anydotcrypto/cyberdice"
	anyhttp "github.com/anydotcrypto/cyberdice/http"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
)

// HeightReader reports the current chain height
type HeightReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config configures the stub operator
type Config struct {
	// ReceiptKey signs receipts (required)
	ReceiptKey *ecdsa.PrivateKey
	// Chain is used to check deadlines (required)
	Chain HeightReader
	// RelayContract the accepted transactions must name (defaults to mainnet)
	RelayContract common.Address
	// MinimumDeadline in blocks; deadlines closer than this are rejected
	MinimumDeadline uint64
	// OnRelay runs for every newly accepted relay transaction
	OnRelay func(tx anysender.RelayTransaction)
	Logger  log.Logger
}

// Server is the stub operator
type Server struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	receipts map[common.Hash]*anysender.RelayReceipt
	order    []common.Hash

	key             *ecdsa.PrivateKey
	chain           HeightReader
	relayContract   common.Address
	minimumDeadline uint64
	onRelay         func(tx anysender.RelayTransaction)
	logger          log.Logger

	engine *gin.Engine
}

// New creates a stub operator
func New(config Config) (*Server, error) {
	if config.ReceiptKey == nil {
		return nil, errors.New("receipt key is required")
	}
	if config.Chain == nil {
		return nil, errors.New("chain is required")
	}

	s := &Server{
		balances:        make(map[common.Address]*big.Int),
		receipts:        make(map[common.Hash]*anysender.RelayReceipt),
		key:             config.ReceiptKey,
		chain:           config.Chain,
		relayContract:   config.RelayContract,
		minimumDeadline: config.MinimumDeadline,
		onRelay:         config.OnRelay,
		logger:          config.Logger,
	}
	if s.relayContract == (common.Address{}) {
		s.relayContract = evm.MainnetRelayContract
	}
	if s.minimumDeadline == 0 {
		s.minimumDeadline = evm.ProtocolMinimumDeadline
	}
	if s.logger == nil {
		s.logger = log.Root()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger))
	engine.GET("/balance/:address", s.handleBalance)
	engine.POST("/relay", s.handleRelay)
	s.engine = engine

	return s, nil
}

// Handler returns the HTTP handler serving the operator API
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ReceiptSigner returns the address receipts are signed with
func (s *Server) ReceiptSigner() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Credit adds wei to the prepaid balance of addr
func (s *Server) Credit(addr common.Address, wei *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balanceLocked(addr)
	b.Add(b, wei)
}

// Balance returns the prepaid balance of addr
func (s *Server) Balance(addr common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balanceLocked(addr))
}

// Relayed returns the accepted relay transactions in acceptance order
func (s *Server) Relayed() []anysender.RelayTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]anysender.RelayTransaction, len(s.order))
	for i, id := range s.order {
		out[i] = s.receipts[id].RelayTransaction
	}
	return out
}

func (s *Server) balanceLocked(addr common.Address) *big.Int {
	b, ok := s.balances[addr]
	if !ok {
		b = new(big.Int)
		s.balances[addr] = b
	}
	return b
}

func (s *Server) handleBalance(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid address: %s", address)})
		return
	}
	balance := s.Balance(common.HexToAddress(address))
	c.JSON(http.StatusOK, anyhttp.BalanceResponse{Balance: balance.String()})
}

func (s *Server) handleRelay(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	tx, err := anyhttp.ValidateAndDecodeRelayTransaction(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if tx.RelayContractAddress != s.relayContract {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown relay contract %s", tx.RelayContractAddress.Hex())})
		return
	}
	// a resubmission is answered even once its deadline is close
	if receipt, ok := s.receipt(tx.ID()); ok {
		c.JSON(http.StatusOK, receipt)
		return
	}

	height, err := s.chain.BlockNumber(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chain unavailable"})
		return
	}
	if tx.DeadlineBlockNumber <= height+s.minimumDeadline {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("deadline %d must be more than %d blocks after the current block %d", tx.DeadlineBlockNumber, s.minimumDeadline, height),
		})
		return
	}

	receipt, fresh, err := s.accept(tx)
	if err != nil {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
		return
	}
	if fresh && s.onRelay != nil {
		s.onRelay(receipt.RelayTransaction)
	}
	c.JSON(http.StatusOK, receipt)
}

// accept records tx and signs its receipt. A resubmission of an accepted
// transaction returns the original receipt.
func (s *Server) accept(tx *anysender.RelayTransaction) (*anysender.RelayReceipt, bool, error) {
	id := tx.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	if receipt, ok := s.receipts[id]; ok {
		return receipt, false, nil
	}
	if s.balanceLocked(tx.From).Sign() <= 0 {
		return nil, false, fmt.Errorf("insufficient balance for %s", tx.From.Hex())
	}

	sig, err := crypto.Sign(evm.HashMessage(id.Bytes()), s.key)
	if err != nil {
		return nil, false, err
	}
	sig[64] += 27

	receipt := &anysender.RelayReceipt{RelayTransaction: *tx, ReceiptSignature: sig}
	s.receipts[id] = receipt
	s.order = append(s.order, id)
	s.logger.Info("Accepted relay transaction", "relayTxId", id, "from", tx.From, "deadline", tx.DeadlineBlockNumber)
	return receipt, true, nil
}

func (s *Server) receipt(id common.Hash) (*anysender.RelayReceipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[id]
	return receipt, ok
}

func requestLogger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Operator request", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}
