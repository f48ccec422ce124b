package relayserver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	gsn "github.com/gsnrelay/gsn/go"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
)

// TxManagerConfig controls resubmission of stalled transactions.
type TxManagerConfig struct {
	StallTimeout   time.Duration
	GasBumpPercent int64
	MaxGasPrice    *big.Int
	MaxEscalations int
}

// TrackedTx is a worker transaction waiting to be mined.
type TrackedTx struct {
	ID          uuid.UUID
	Nonce       uint64
	To          common.Address
	Value       *big.Int
	Data        []byte
	Gas         uint64
	GasPrice    *big.Int
	Hash        common.Hash
	Hashes      []common.Hash
	SubmittedAt time.Time
	Escalations int
}

// snapshot copies t so callers can read it while the manager escalates.
func (t *TrackedTx) snapshot() *TrackedTx {
	c := *t
	c.Hashes = append([]common.Hash(nil), t.Hashes...)
	return &c
}

// SendRequest describes a transaction for the manager to sign and broadcast.
type SendRequest struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
	// MaxNonce rejects the request when the next nonce is above it.
	MaxNonce *uint64
}

// TxManager is the only issuer of worker nonces. Sends are serialized so
// consecutive requests get consecutive nonces, and a stalled transaction is
// replaced at the same nonce with a higher price.
type TxManager struct {
	mu      sync.Mutex
	backend gsn.Backend
	signer  *evmsigner.Signer
	chainID *big.Int
	cfg     TxManagerConfig
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	nonce       uint64
	nonceLoaded bool
	pending     map[uint64]*TrackedTx
}

// NewTxManager creates a manager sending from signer.
func NewTxManager(backend gsn.Backend, signer *evmsigner.Signer, chainID *big.Int, cfg TxManagerConfig, clk clock.Clock, logger *zap.Logger, metrics *Metrics) *TxManager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &TxManager{
		backend: backend,
		signer:  signer,
		chainID: chainID,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With(zap.String("relayWorker", signer.Address().Hex())),
		metrics: metrics,
		pending: make(map[uint64]*TrackedTx),
	}
}

// Address is the sending account.
func (m *TxManager) Address() common.Address {
	return m.signer.Address()
}

// NextNonce returns the nonce the next Send will use.
func (m *TxManager) NextNonce(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadNonceLocked(ctx); err != nil {
		return 0, err
	}
	return m.nonce, nil
}

// Send signs and broadcasts req at the next nonce.
func (m *TxManager) Send(ctx context.Context, req SendRequest) (*types.Transaction, *TrackedTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadNonceLocked(ctx); err != nil {
		return nil, nil, err
	}
	if err := m.checkMaxNonceLocked(req.MaxNonce); err != nil {
		return nil, nil, err
	}
	tx, err := m.broadcastLocked(ctx, m.nonce, req.To, req.Value, req.Data, req.Gas, req.GasPrice)
	if err != nil && isNonceTooLow(err) {
		// the account was used outside this manager
		m.logger.Warn("worker nonce out of sync, reloading", zap.Uint64("nonce", m.nonce))
		m.nonceLoaded = false
		if err := m.loadNonceLocked(ctx); err != nil {
			return nil, nil, err
		}
		if err := m.checkMaxNonceLocked(req.MaxNonce); err != nil {
			return nil, nil, err
		}
		tx, err = m.broadcastLocked(ctx, m.nonce, req.To, req.Value, req.Data, req.Gas, req.GasPrice)
	}
	if err != nil {
		return nil, nil, err
	}

	tracked := &TrackedTx{
		ID:          uuid.New(),
		Nonce:       m.nonce,
		To:          req.To,
		Value:       valueOrZero(req.Value),
		Data:        append([]byte(nil), req.Data...),
		Gas:         req.Gas,
		GasPrice:    new(big.Int).Set(req.GasPrice),
		Hash:        tx.Hash(),
		Hashes:      []common.Hash{tx.Hash()},
		SubmittedAt: m.clock.Now(),
	}
	m.pending[m.nonce] = tracked
	m.nonce++
	m.metrics.pending.Set(float64(len(m.pending)))

	m.logger.Info("broadcast worker transaction",
		zap.String("id", tracked.ID.String()),
		zap.Uint64("nonce", tracked.Nonce),
		zap.String("txHash", tracked.Hash.Hex()),
		zap.String("gasPrice", tracked.GasPrice.String()))
	return tx, tracked.snapshot(), nil
}

// Pending returns the transactions not yet mined, lowest nonce first.
func (m *TxManager) Pending() []TrackedTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackedTx, 0, len(m.pending))
	for _, tracked := range m.pending {
		out = append(out, *tracked.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

// Tick drops mined transactions and escalates the ones pending longer than
// the stall timeout.
func (m *TxManager) Tick(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil
	}
	confirmedNonce, err := m.backend.NonceAt(ctx, m.signer.Address(), nil)
	if err != nil {
		return fmt.Errorf("failed to read worker nonce: %w", err)
	}

	now := m.clock.Now()
	for _, nonce := range m.pendingNoncesLocked() {
		tracked := m.pending[nonce]
		mined, err := m.minedLocked(ctx, tracked)
		if err != nil {
			return err
		}
		if mined {
			delete(m.pending, nonce)
			m.metrics.confirmed.Inc()
			continue
		}
		if nonce < confirmedNonce {
			m.logger.Warn("nonce consumed by an unknown transaction",
				zap.Uint64("nonce", nonce), zap.String("txHash", tracked.Hash.Hex()))
			delete(m.pending, nonce)
			continue
		}
		if now.Sub(tracked.SubmittedAt) < m.cfg.StallTimeout {
			continue
		}
		if err := m.escalateLocked(ctx, tracked); err != nil {
			m.logger.Warn("failed to escalate stalled transaction",
				zap.Uint64("nonce", nonce), zap.String("txHash", tracked.Hash.Hex()), zap.Error(err))
		}
	}
	m.metrics.pending.Set(float64(len(m.pending)))
	return nil
}

func (m *TxManager) pendingNoncesLocked() []uint64 {
	nonces := make([]uint64, 0, len(m.pending))
	for nonce := range m.pending {
		nonces = append(nonces, nonce)
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	return nonces
}

func (m *TxManager) minedLocked(ctx context.Context, tracked *TrackedTx) (bool, error) {
	for _, hash := range tracked.Hashes {
		receipt, err := m.backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to read receipt %s: %w", hash.Hex(), err)
		}
		if receipt != nil {
			m.logger.Info("worker transaction mined",
				zap.String("id", tracked.ID.String()),
				zap.Uint64("nonce", tracked.Nonce),
				zap.String("txHash", hash.Hex()),
				zap.Uint64("status", receipt.Status))
			return true, nil
		}
	}
	return false, nil
}

func (m *TxManager) escalateLocked(ctx context.Context, tracked *TrackedTx) error {
	if tracked.Escalations >= m.cfg.MaxEscalations {
		m.logger.Warn("escalation limit reached", zap.Uint64("nonce", tracked.Nonce), zap.Int("attempt", tracked.Escalations))
		return nil
	}
	price := bumpGasPrice(tracked.GasPrice, m.cfg.GasBumpPercent)
	if m.cfg.MaxGasPrice != nil && price.Cmp(m.cfg.MaxGasPrice) > 0 {
		price = new(big.Int).Set(m.cfg.MaxGasPrice)
	}
	if price.Cmp(tracked.GasPrice) <= 0 {
		m.logger.Warn("gas price cap reached", zap.Uint64("nonce", tracked.Nonce), zap.String("gasPrice", tracked.GasPrice.String()))
		return nil
	}

	tx, err := m.broadcastLocked(ctx, tracked.Nonce, tracked.To, tracked.Value, tracked.Data, tracked.Gas, price)
	if err != nil {
		if isNonceTooLow(err) || isAlreadyKnown(err) {
			// mined or already replaced; the next tick sees the receipt
			return nil
		}
		return err
	}
	tracked.GasPrice = price
	tracked.Hash = tx.Hash()
	tracked.Hashes = append(tracked.Hashes, tx.Hash())
	tracked.SubmittedAt = m.clock.Now()
	tracked.Escalations++
	m.metrics.escalations.Inc()

	m.logger.Info("resubmitted stalled transaction",
		zap.String("id", tracked.ID.String()),
		zap.Uint64("nonce", tracked.Nonce),
		zap.String("txHash", tracked.Hash.Hex()),
		zap.String("gasPrice", price.String()),
		zap.Int("attempt", tracked.Escalations))
	return nil
}

func (m *TxManager) loadNonceLocked(ctx context.Context) error {
	if m.nonceLoaded {
		return nil
	}
	nonce, err := m.backend.PendingNonceAt(ctx, m.signer.Address())
	if err != nil {
		return fmt.Errorf("failed to read worker nonce: %w", err)
	}
	m.nonce = nonce
	m.nonceLoaded = true
	return nil
}

func (m *TxManager) checkMaxNonceLocked(maxNonce *uint64) error {
	if maxNonce != nil && m.nonce > *maxNonce {
		return gsn.NewRelayError(gsn.ErrCodeRelayRejected,
			fmt.Sprintf("worker nonce %d is above the requested maximum %d", m.nonce, *maxNonce),
			map[string]interface{}{"nonce": m.nonce, "relayMaxNonce": *maxNonce})
	}
	return nil
}

func (m *TxManager) broadcastLocked(ctx context.Context, nonce uint64, to common.Address, value *big.Int, data []byte, gas uint64, gasPrice *big.Int) (*types.Transaction, error) {
	tx, err := m.signer.NewLegacyTx(m.chainID, nonce, to, value, gas, gasPrice, data)
	if err != nil {
		return nil, err
	}
	if err := m.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	return tx, nil
}

// bumpGasPrice returns price * (100 + pct) / 100.
func bumpGasPrice(price *big.Int, pct int64) *big.Int {
	bumped := new(big.Int).Mul(price, big.NewInt(100+pct))
	return bumped.Div(bumped, big.NewInt(100))
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(err.Error(), "nonce too low")
}

func isAlreadyKnown(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already known")
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
