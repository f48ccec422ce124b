// Package relayserver implements the relay daemon. It accepts signed relay
// requests over HTTP, checks them against the hub by simulating the exact
// worker transaction, signs and broadcasts that transaction from its worker
// account and keeps it moving until it is mined.
package relayserver

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
)

// RelayServer is a relay daemon bound to one manager and one worker.
type RelayServer struct {
	cfg     ServerConfig
	backend gsn.Backend
	manager *evmsigner.Signer
	worker  *evmsigner.Signer
	chainID *big.Int
	views   *gsnevm.Views
	txm     *TxManager
	cache   *RequestCache
	metrics *Metrics
	clock   clock.Clock
	logger  *zap.Logger

	hooksMu             sync.RWMutex
	beforeRelayHooks    []BeforeRelayHook
	afterRelayHooks     []AfterRelayHook
	onRelayFailureHooks []OnRelayFailureHook
}

type options struct {
	logger  *zap.Logger
	clock   clock.Clock
	metrics *Metrics
}

// Option configures a RelayServer
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the time source of stall detection and polling
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics sets the collectors
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewRelayServer creates a daemon for cfg. It reads the chain id from backend.
func NewRelayServer(ctx context.Context, cfg ServerConfig, backend gsn.Backend, manager, worker *evmsigner.Signer, opts ...Option) (*RelayServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if manager == nil || worker == nil {
		return nil, fmt.Errorf("manager and worker signers are required")
	}
	o := options{logger: zap.NewNop(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	logger := o.logger.With(
		zap.String("relayManager", manager.Address().Hex()),
		zap.String("relayWorker", worker.Address().Hex()))

	return &RelayServer{
		cfg:     cfg,
		backend: backend,
		manager: manager,
		worker:  worker,
		chainID: chainID,
		views:   gsnevm.NewViews(backend, cfg.RelayHubAddress),
		txm: NewTxManager(backend, worker, chainID, TxManagerConfig{
			StallTimeout:   cfg.StallTimeout,
			GasBumpPercent: cfg.GasBumpPercent,
			MaxGasPrice:    cfg.MaxGasPrice,
			MaxEscalations: cfg.MaxEscalations,
		}, o.clock, o.logger, o.metrics),
		cache:   NewRequestCache(cfg.RequestCacheTTL, o.clock),
		metrics: o.metrics,
		clock:   o.clock,
		logger:  logger,
	}, nil
}

// TxManager returns the worker transaction manager.
func (s *RelayServer) TxManager() *TxManager {
	return s.txm
}

// Metrics returns the daemon collectors.
func (s *RelayServer) Metrics() *Metrics {
	return s.metrics
}

// ManagerAddress is the staked relay manager.
func (s *RelayServer) ManagerAddress() common.Address {
	return s.manager.Address()
}

// WorkerAddress is the account that signs relayCall transactions.
func (s *RelayServer) WorkerAddress() common.Address {
	return s.worker.Address()
}

// MinGasPrice is the lowest gas price the relay accepts: the network price
// raised by GasPricePercent.
func (s *RelayServer) MinGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read gas price: %w", err)
	}
	return bumpGasPrice(price, s.cfg.GasPricePercent), nil
}

// IsReady reports whether the manager is staked on the hub and owns the worker.
func (s *RelayServer) IsReady(ctx context.Context) (bool, error) {
	staked, err := s.views.IsRelayManagerStaked(ctx, s.manager.Address())
	if err != nil {
		return false, err
	}
	if !staked {
		return false, nil
	}
	owner, err := s.views.WorkerToManager(ctx, s.worker.Address())
	if err != nil {
		return false, err
	}
	return owner == s.manager.Address(), nil
}

// Ping describes the relay to clients.
func (s *RelayServer) Ping(ctx context.Context) (*gsn.PingResponse, error) {
	minGasPrice, err := s.MinGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	ready, err := s.IsReady(ctx)
	if err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		ready = false
	}
	return &gsn.PingResponse{
		RelayWorkerAddress:  s.worker.Address(),
		RelayManagerAddress: s.manager.Address(),
		RelayHubAddress:     s.cfg.RelayHubAddress,
		MinGasPrice:         minGasPrice,
		PctRelayFee:         big.NewInt(s.cfg.PctRelayFee),
		BaseRelayFee:        new(big.Int).Set(s.cfg.BaseRelayFee),
		MaxAcceptanceBudget: s.cfg.MaxAcceptanceBudget,
		ChainID:             new(big.Int).Set(s.chainID),
		Ready:               ready,
		Version:             Version,
	}, nil
}

// CreateRelayTransaction validates and simulates request, then signs and
// broadcasts the worker transaction. Resubmitting the same signed request
// returns the same transaction.
func (s *RelayServer) CreateRelayTransaction(ctx context.Context, request gsn.RelayTransactionRequest) (*gsn.RelayTransactionResponse, error) {
	start := s.clock.Now()
	if err := gsn.ValidateRelayTransactionRequest(request); err != nil {
		return nil, s.rejected(gsn.NewRelayError(gsn.ErrCodeInvalidRequest, err.Error(), nil), request)
	}

	beforeHooks, afterHooks, failureHooks := s.hooks()
	hookCtx := RelayContext{Ctx: ctx, Request: request, Timestamp: start}
	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, s.rejected(gsn.NewRelayError(gsn.ErrCodeRelayRejected, err.Error(), nil), request)
		}
		if result != nil && result.Abort {
			return nil, s.rejected(gsn.NewRelayError(gsn.ErrCodeRelayRejected, result.Reason, nil), request)
		}
	}

	response, err := s.relayOnce(ctx, RequestKey(request.Metadata.Signature), request)
	if err != nil {
		failureCtx := RelayFailureContext{RelayContext: hookCtx, Error: err, Duration: s.clock.Since(start)}
		for _, hook := range failureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return &result.Result, nil
			}
		}
		return nil, s.rejected(err, request)
	}

	resultCtx := RelayResultContext{RelayContext: hookCtx, Result: *response, Duration: s.clock.Since(start)}
	for _, hook := range afterHooks {
		if err := hook(resultCtx); err != nil {
			s.logger.Warn("after relay hook failed", zap.Error(err))
		}
	}
	return response, nil
}

func (s *RelayServer) rejected(err error, request gsn.RelayTransactionRequest) error {
	code := gsn.CodeOf(err)
	if code == "" {
		code = gsn.ErrCodeRelayRejected
	}
	s.metrics.rejected.WithLabelValues(code).Inc()
	s.logger.Info("rejected relay request",
		zap.String("from", request.RelayRequest.From.Hex()),
		zap.String("to", request.RelayRequest.To.Hex()),
		zap.String("reason", err.Error()))
	return err
}

func (s *RelayServer) relayOnce(ctx context.Context, key string, request gsn.RelayTransactionRequest) (*gsn.RelayTransactionResponse, error) {
	for {
		status, cached, done := s.cache.CheckAndMark(key)
		switch status {
		case StatusCached:
			return cached, nil
		case StatusInFlight:
			result, err := s.cache.WaitForResult(ctx, key, done)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
			continue
		}

		response, err := s.relay(ctx, request)
		if err != nil {
			s.cache.Fail(key, done)
			return nil, err
		}
		s.cache.Complete(key, response, done)
		s.metrics.relayed.Inc()
		return response, nil
	}
}

func (s *RelayServer) relay(ctx context.Context, request gsn.RelayTransactionRequest) (*gsn.RelayTransactionResponse, error) {
	ready, err := s.IsReady(ctx)
	if err != nil {
		return nil, gsn.NewRelayError(gsn.ErrCodeNotReady, err.Error(), nil)
	}
	if !ready {
		return nil, gsn.NewRelayError(gsn.ErrCodeNotReady, "relay is not staked and registered", nil)
	}
	if err := s.validate(ctx, request); err != nil {
		return nil, err
	}

	relayRequest := request.RelayRequest
	limits, err := s.views.PaymasterLimits(ctx, relayRequest.RelayData.Paymaster)
	if err != nil {
		return nil, gsn.NewRelayError(gsn.ErrCodeRelayRejected, "failed to read paymaster limits: "+err.Error(), nil)
	}
	if limits.AcceptanceBudget > s.cfg.MaxAcceptanceBudget {
		return nil, gsn.NewRelayError(gsn.ErrCodeRelayRejected,
			fmt.Sprintf("paymaster acceptance budget %d exceeds relay maximum %d", limits.AcceptanceBudget, s.cfg.MaxAcceptanceBudget), nil)
	}

	data, gasLimit, err := gsnevm.PackRelayCallWithLimit(relayRequest, request.Metadata.Signature, request.Metadata.ApprovalData, limits)
	if err != nil {
		return nil, gsn.NewRelayError(gsn.ErrCodeInvalidRequest, err.Error(), nil)
	}
	gasPrice := relayRequest.RelayData.GasPrice

	if err := s.checkBalances(ctx, relayRequest, gasLimit); err != nil {
		return nil, err
	}
	if err := s.simulate(ctx, data, gasLimit, gasPrice); err != nil {
		return nil, err
	}

	tx, _, err := s.txm.Send(ctx, SendRequest{
		To:       s.cfg.RelayHubAddress,
		Data:     data,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		MaxNonce: &request.Metadata.RelayMaxNonce,
	})
	if err != nil {
		if gsn.CodeOf(err) != "" {
			return nil, err
		}
		return nil, gsn.NewRelayError(gsn.ErrCodeRelayRejected, err.Error(), nil)
	}
	signed, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return &gsn.RelayTransactionResponse{SignedTx: signed, TxHash: tx.Hash()}, nil
}

// validate applies the relay's own acceptance policy.
func (s *RelayServer) validate(ctx context.Context, request gsn.RelayTransactionRequest) error {
	relayData := request.RelayRequest.RelayData
	if request.Metadata.RelayHubAddress != s.cfg.RelayHubAddress {
		return gsn.NewRelayError(gsn.ErrCodeInvalidRequest,
			fmt.Sprintf("wrong hub address: relay serves %s, request names %s",
				s.cfg.RelayHubAddress.Hex(), request.Metadata.RelayHubAddress.Hex()), nil)
	}
	if relayData.RelayWorker != s.worker.Address() {
		return gsn.NewRelayError(gsn.ErrCodeInvalidRequest,
			fmt.Sprintf("wrong worker address: %s", relayData.RelayWorker.Hex()), nil)
	}

	minGasPrice, err := s.MinGasPrice(ctx)
	if err != nil {
		return gsn.NewRelayError(gsn.ErrCodeRelayRejected, err.Error(), nil)
	}
	if relayData.GasPrice.Cmp(minGasPrice) < 0 {
		return gsn.NewRelayError(gsn.ErrCodeRelayRejected,
			fmt.Sprintf("gasPrice %s is below the relay minimum %s", relayData.GasPrice, minGasPrice), nil)
	}
	if s.cfg.MaxGasPrice != nil && relayData.GasPrice.Cmp(s.cfg.MaxGasPrice) > 0 {
		return gsn.NewRelayError(gsn.ErrCodeRelayRejected,
			fmt.Sprintf("gasPrice %s is above the relay maximum %s", relayData.GasPrice, s.cfg.MaxGasPrice), nil)
	}
	if relayData.PctRelayFee == nil || relayData.PctRelayFee.Cmp(big.NewInt(s.cfg.PctRelayFee)) < 0 {
		return gsn.NewRelayError(gsn.ErrCodeRelayRejected,
			fmt.Sprintf("pctRelayFee %v is below the relay fee %d", relayData.PctRelayFee, s.cfg.PctRelayFee), nil)
	}
	if relayData.BaseRelayFee == nil || relayData.BaseRelayFee.Cmp(s.cfg.BaseRelayFee) < 0 {
		return gsn.NewRelayError(gsn.ErrCodeRelayRejected,
			fmt.Sprintf("baseRelayFee %v is below the relay fee %s", relayData.BaseRelayFee, s.cfg.BaseRelayFee), nil)
	}

	if validUntil := request.RelayRequest.ValidUntil; validUntil != nil && validUntil.Sign() > 0 {
		head, err := s.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return gsn.NewRelayError(gsn.ErrCodeRelayRejected, "failed to read head: "+err.Error(), nil)
		}
		earliest := head.Time + uint64(s.cfg.ValidUntilMargin.Seconds())
		if validUntil.Cmp(new(big.Int).SetUint64(earliest)) < 0 {
			return gsn.NewRelayError(gsn.ErrCodeRelayRejected,
				fmt.Sprintf("request expires too soon: validUntil %s, need at least %d", validUntil, earliest), nil)
		}
	}
	return nil
}

// checkBalances makes sure the paymaster can pay the worst case and the
// worker can pay for the transaction.
func (s *RelayServer) checkBalances(ctx context.Context, request gsn.RelayRequest, gasLimit uint64) error {
	maxCharge := gsn.CalculateCharge(new(big.Int).SetUint64(gasLimit+gsnevm.ChargeOverhead), request.RelayData)
	deposit, err := s.views.BalanceOf(ctx, request.RelayData.Paymaster)
	if err != nil {
		return gsn.NewRelayError(gsn.ErrCodeRelayRejected, "failed to read paymaster deposit: "+err.Error(), nil)
	}
	if deposit.Cmp(maxCharge) < 0 {
		return gsn.NewRelayError(gsn.ErrCodeInsufficientDeposit,
			fmt.Sprintf("paymaster deposit %s is below the maximum charge %s", deposit, maxCharge),
			map[string]interface{}{"paymaster": request.RelayData.Paymaster.Hex()})
	}

	balance, err := s.backend.BalanceAt(ctx, s.worker.Address(), nil)
	if err != nil {
		return gsn.NewRelayError(gsn.ErrCodeRelayRejected, "failed to read worker balance: "+err.Error(), nil)
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), request.RelayData.GasPrice)
	if balance.Cmp(cost) < 0 {
		return gsn.NewRelayError(gsn.ErrCodeNotReady,
			fmt.Sprintf("worker balance %s cannot cover %s", balance, cost), nil)
	}
	return nil
}

// simulate runs the exact worker transaction as a call.
func (s *RelayServer) simulate(ctx context.Context, data []byte, gasLimit uint64, gasPrice *big.Int) error {
	hub := s.cfg.RelayHubAddress
	ret, err := s.backend.CallContract(ctx, ethereum.CallMsg{
		From:     s.worker.Address(),
		To:       &hub,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	}, nil)
	if err != nil {
		reason, ok := gsnevm.RevertReason(err)
		if !ok {
			reason = err.Error()
		}
		code := gsn.CodeOf(err)
		if code == "" {
			code = gsn.ErrCodeRelayRejected
		}
		return gsn.NewRelayError(code, "relayCall simulation failed: "+reason, nil)
	}

	out, err := gsnevm.RelayHubABI.Unpack(gsnevm.FunctionRelayCall, ret)
	if err != nil {
		return gsn.NewRelayError(gsn.ErrCodeRelayRejected, "unexpected relayCall result: "+err.Error(), nil)
	}
	if accepted, _ := out[0].(bool); !accepted {
		reason, _ := gsnevm.DecodeRevert(out[1].([]byte))
		return gsn.NewRelayError(gsn.ErrCodeRejectedByPaymaster, "paymaster rejected in local view call: "+reason, nil)
	}
	return nil
}
