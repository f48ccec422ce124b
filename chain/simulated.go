// Package chain provides an in-process ledger that hosts the relay contracts
// and serves the same Backend surface as a JSON-RPC node. It backs the tests
// and local development.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	gsn "github.com/gsnrelay/gsn/go"
	"github.com/gsnrelay/gsn/go/contracts"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

const (
	// DefaultGasLimit is the block gas limit and the gas cap of calls
	DefaultGasLimit = 30_000_000
	// DefaultChainID is the chain id of a new ledger
	DefaultChainID = 1337
)

// DefaultGasPrice is the price returned by SuggestGasPrice unless changed (1 gwei)
var DefaultGasPrice = big.NewInt(1_000_000_000)

var deployerAddress = common.HexToAddress("0x00000000000000000000000000000000000d3910")

// Simulated is a single-process ledger. Transactions are mined immediately
// when automine is on; otherwise they wait in the pool until Commit.
type Simulated struct {
	mu sync.Mutex

	chainID  *big.Int
	signer   types.Signer
	gasPrice *big.Int
	automine bool
	clock    clock.Clock
	offset   uint64
	logger   *zap.Logger

	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	code     map[common.Address]contracts.Contract
	deployed uint64

	headers  []*types.Header
	pool     map[common.Address]map[uint64]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	txs      map[common.Hash]*types.Transaction
	logs     []types.Log
}

// Option configures a Simulated ledger
type Option func(*Simulated)

// WithChainID sets the chain id
func WithChainID(id int64) Option {
	return func(s *Simulated) { s.chainID = big.NewInt(id) }
}

// WithGasPrice sets the suggested gas price
func WithGasPrice(price *big.Int) Option {
	return func(s *Simulated) { s.gasPrice = new(big.Int).Set(price) }
}

// WithAutomine toggles mining on submission
func WithAutomine(on bool) Option {
	return func(s *Simulated) { s.automine = on }
}

// WithClock sets the time source of block timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Simulated) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Simulated) { s.logger = logger }
}

// NewSimulated creates a ledger with a genesis block.
func NewSimulated(opts ...Option) *Simulated {
	s := &Simulated{
		chainID:  big.NewInt(DefaultChainID),
		gasPrice: new(big.Int).Set(DefaultGasPrice),
		automine: true,
		clock:    clock.New(),
		logger:   zap.NewNop(),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		code:     make(map[common.Address]contracts.Contract),
		pool:     make(map[common.Address]map[uint64]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
		txs:      make(map[common.Hash]*types.Transaction),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.signer = types.LatestSignerForChainID(s.chainID)
	s.headers = []*types.Header{{
		Number:     new(big.Int),
		Time:       uint64(s.clock.Now().Unix()),
		GasLimit:   DefaultGasLimit,
		Difficulty: new(big.Int),
	}}
	return s
}

// ============================================================================
// Administration
// ============================================================================

// Fund credits amount to addr.
func (s *Simulated) Fund(addr common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[addr] = new(big.Int).Add(s.balance(addr), amount)
}

// Deploy installs contract at a fresh address.
func (s *Simulated) Deploy(contract contracts.Contract) common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := crypto.CreateAddress(deployerAddress, s.deployed)
	s.deployed++
	s.code[addr] = contract
	return addr
}

// Contract returns the code installed at addr.
func (s *Simulated) Contract(addr common.Address) (contracts.Contract, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.code[addr]
	return c, ok
}

// SetGasPrice changes the suggested gas price.
func (s *Simulated) SetGasPrice(price *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gasPrice = new(big.Int).Set(price)
}

// SetAutomine toggles mining on submission. Turning it on mines the pool.
func (s *Simulated) SetAutomine(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.automine = on
	if on && s.pendingCount() > 0 {
		s.mine()
	}
}

// AdjustTime moves block time forward by seconds.
func (s *Simulated) AdjustTime(seconds uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += seconds
}

// Commit mines a block with every executable pooled transaction.
func (s *Simulated) Commit() common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mine()
}

// Mine commits n blocks.
func (s *Simulated) Mine(n int) {
	for i := 0; i < n; i++ {
		s.Commit()
	}
}

// Pending returns the number of transactions waiting in the pool.
func (s *Simulated) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingCount()
}

// ============================================================================
// Backend
// ============================================================================

func (s *Simulated) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

func (s *Simulated) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head().Number.Uint64(), nil
}

func (s *Simulated) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if number == nil || number.Sign() < 0 {
		return types.CopyHeader(s.head()), nil
	}
	if !number.IsUint64() || number.Uint64() >= uint64(len(s.headers)) {
		return nil, ethereum.NotFound
	}
	return types.CopyHeader(s.headers[number.Uint64()]), nil
}

// BalanceAt reports the current balance; historical states are not kept.
func (s *Simulated) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance(account), nil
}

func (s *Simulated) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[account], nil
}

func (s *Simulated) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := s.nonces[account]
	for {
		if _, ok := s.pool[account][nonce]; !ok {
			return nonce, nil
		}
		nonce++
	}
}

func (s *Simulated) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.gasPrice), nil
}

// CallContract executes msg against the pending block and discards its effects.
func (s *Simulated) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret, _, err := s.dryRun(msg, callGasCap(msg))
	return ret, err
}

// EstimateGas finds the lowest gas limit at which msg succeeds.
func (s *Simulated) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intrinsic := gsnevm.IntrinsicGas(msg.Data)
	hi := callGasCap(msg)
	if hi < intrinsic {
		return 0, ErrIntrinsicGas
	}
	if _, _, err := s.dryRun(msg, hi); err != nil {
		return 0, err
	}
	lo := intrinsic - 1
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		if _, _, err := s.dryRun(msg, mid); err != nil {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi, nil
}

func (s *Simulated) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.admit(tx); err != nil {
		s.logger.Debug("transaction rejected", zap.String("hash", tx.Hash().Hex()), zap.Error(err))
		return err
	}
	if s.automine {
		s.mine()
	}
	return nil
}

func (s *Simulated) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	cp := *r
	return &cp, nil
}

// TransactionByHash returns a mined or pooled transaction.
func (s *Simulated) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[txHash]; ok {
		return tx, false, nil
	}
	for _, byNonce := range s.pool {
		for _, tx := range byNonce {
			if tx.Hash() == txHash {
				return tx, true, nil
			}
		}
	}
	return nil, false, ethereum.NotFound
}

func (s *Simulated) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := uint64(0)
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	to := s.head().Number.Uint64()
	if q.ToBlock != nil && q.ToBlock.Sign() >= 0 && q.ToBlock.Uint64() < to {
		to = q.ToBlock.Uint64()
	}

	var out []types.Log
	for _, l := range s.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if q.BlockHash != nil && l.BlockHash != *q.BlockHash {
			continue
		}
		if matchLog(l, q.Addresses, q.Topics) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matchLog(l types.Log, addresses []common.Address, topics [][]common.Hash) bool {
	if len(addresses) > 0 {
		found := false
		for _, a := range addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(topics) > len(l.Topics) {
		return false
	}
	for i, alternatives := range topics {
		if len(alternatives) == 0 {
			continue
		}
		found := false
		for _, t := range alternatives {
			if t == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ============================================================================
// Internals (callers hold mu)
// ============================================================================

var _ gsn.Backend = (*Simulated)(nil)

func (s *Simulated) head() *types.Header {
	return s.headers[len(s.headers)-1]
}

func (s *Simulated) balance(addr common.Address) *big.Int {
	if b, ok := s.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (s *Simulated) pendingCount() int {
	n := 0
	for _, byNonce := range s.pool {
		n += len(byNonce)
	}
	return n
}

// nextBlockTime is strictly after the head and never behind the clock.
func (s *Simulated) nextBlockTime() uint64 {
	now := uint64(s.clock.Now().Unix()) + s.offset
	if now <= s.head().Time {
		return s.head().Time + 1
	}
	return now
}

func callGasCap(msg ethereum.CallMsg) uint64 {
	if msg.Gas == 0 || msg.Gas > DefaultGasLimit {
		return DefaultGasLimit
	}
	return msg.Gas
}

// dryRun executes msg with gas and rolls back everything.
func (s *Simulated) dryRun(msg ethereum.CallMsg, gas uint64) ([]byte, uint64, error) {
	if msg.To == nil {
		return nil, 0, ErrContractCreation
	}
	intrinsic := gsnevm.IntrinsicGas(msg.Data)
	if gas < intrinsic {
		return nil, 0, ErrIntrinsicGas
	}
	gasPrice := msg.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	exec := &execution{
		origin:      msg.From,
		gasPrice:    gasPrice,
		blockNumber: s.head().Number.Uint64() + 1,
		time:        s.nextBlockTime(),
	}

	restore := s.snapshot()
	defer restore()
	value := msg.Value
	if value != nil && value.Sign() > 0 && s.balance(msg.From).Cmp(value) < 0 {
		return nil, 0, ErrInsufficientFunds
	}
	ret, left, err := s.call(exec, msg.From, *msg.To, value, msg.Data, gas-intrinsic, 0)
	if err != nil {
		if errors.Is(err, contracts.ErrOutOfGas) {
			return nil, 0, fmt.Errorf("gas required exceeds allowance (%d)", gas)
		}
		return nil, 0, newRevertError(ret, err)
	}
	return ret, gas - left, nil
}

// admit validates tx and places it in the pool.
func (s *Simulated) admit(tx *types.Transaction) error {
	if tx.To() == nil {
		return ErrContractCreation
	}
	from, err := types.Sender(s.signer, tx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSender, err)
	}
	if tx.Nonce() < s.nonces[from] {
		return ErrNonceTooLow
	}
	if tx.Gas() > DefaultGasLimit {
		return ErrGasLimit
	}
	if tx.Gas() < gsnevm.IntrinsicGas(tx.Data()) {
		return ErrIntrinsicGas
	}
	if tx.GasPrice().Sign() <= 0 {
		return ErrUnderpriced
	}
	cost := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(tx.Gas()))
	cost.Add(cost, tx.Value())
	if s.balance(from).Cmp(cost) < 0 {
		return ErrInsufficientFunds
	}
	if _, ok := s.txs[tx.Hash()]; ok {
		return ErrAlreadyKnown
	}

	byNonce := s.pool[from]
	if byNonce == nil {
		byNonce = make(map[uint64]*types.Transaction)
		s.pool[from] = byNonce
	}
	if existing, ok := byNonce[tx.Nonce()]; ok {
		if existing.Hash() == tx.Hash() {
			return ErrAlreadyKnown
		}
		// a replacement must raise the price by at least 10%
		threshold := new(big.Int).Mul(existing.GasPrice(), big.NewInt(110))
		threshold.Div(threshold, big.NewInt(100))
		if tx.GasPrice().Cmp(threshold) < 0 {
			return ErrReplaceUnderpriced
		}
		s.logger.Debug("replacing pooled transaction",
			zap.String("from", from.Hex()), zap.Uint64("nonce", tx.Nonce()),
			zap.String("old", existing.Hash().Hex()), zap.String("new", tx.Hash().Hex()))
	}
	byNonce[tx.Nonce()] = tx
	return nil
}

// mine seals a block with every executable pooled transaction.
func (s *Simulated) mine() common.Hash {
	parent := s.head()
	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, big.NewInt(1)),
		Time:       s.nextBlockTime(),
		GasLimit:   DefaultGasLimit,
		Difficulty: new(big.Int),
	}

	senders := make([]common.Address, 0, len(s.pool))
	for from := range s.pool {
		senders = append(senders, from)
	}
	sort.Slice(senders, func(i, j int) bool {
		return senders[i].Cmp(senders[j]) < 0
	})

	var (
		included []*types.Transaction
		receipts []*types.Receipt
		blockGas uint64
	)
	for _, from := range senders {
		byNonce := s.pool[from]
		for {
			tx, ok := byNonce[s.nonces[from]]
			if !ok || blockGas+tx.Gas() > DefaultGasLimit {
				break
			}
			delete(byNonce, tx.Nonce())
			receipt, err := s.apply(header, from, tx, uint(len(included)))
			if err != nil {
				s.logger.Debug("dropping transaction", zap.String("hash", tx.Hash().Hex()), zap.Error(err))
				continue
			}
			blockGas += receipt.GasUsed
			receipt.CumulativeGasUsed = blockGas
			included = append(included, tx)
			receipts = append(receipts, receipt)
		}
		// stale entries below the account nonce can never be mined
		for nonce := range byNonce {
			if nonce < s.nonces[from] {
				delete(byNonce, nonce)
			}
		}
		if len(byNonce) == 0 {
			delete(s.pool, from)
		}
	}

	header.GasUsed = blockGas
	s.headers = append(s.headers, header)
	hash := header.Hash()
	var logIndex uint
	for i, r := range receipts {
		r.BlockHash = hash
		r.BlockNumber = new(big.Int).Set(header.Number)
		for _, l := range r.Logs {
			l.BlockHash = hash
			l.Index = logIndex
			logIndex++
			s.logs = append(s.logs, *l)
		}
		s.receipts[r.TxHash] = r
		s.txs[r.TxHash] = included[i]
	}
	s.logger.Debug("mined block", zap.Uint64("number", header.Number.Uint64()), zap.Int("txs", len(included)))
	return hash
}

// apply executes tx in the block described by header.
func (s *Simulated) apply(header *types.Header, from common.Address, tx *types.Transaction, index uint) (*types.Receipt, error) {
	cost := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(tx.Gas()))
	if s.balance(from).Cmp(new(big.Int).Add(cost, tx.Value())) < 0 {
		return nil, ErrInsufficientFunds
	}
	s.nonces[from]++
	s.balances[from] = new(big.Int).Sub(s.balance(from), cost)

	exec := &execution{
		origin:      from,
		gasPrice:    tx.GasPrice(),
		blockNumber: header.Number.Uint64(),
		time:        header.Time,
	}
	intrinsic := gsnevm.IntrinsicGas(tx.Data())
	_, left, err := s.call(exec, from, *tx.To(), tx.Value(), tx.Data(), tx.Gas()-intrinsic, 0)

	gasUsed := tx.Gas() - left
	refund := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(left))
	s.balances[from] = new(big.Int).Add(s.balance(from), refund)

	receipt := &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            tx.Hash(),
		GasUsed:           gasUsed,
		EffectiveGasPrice: tx.GasPrice(),
		TransactionIndex:  index,
	}
	if err != nil {
		receipt.Status = types.ReceiptStatusFailed
		s.logger.Debug("transaction reverted", zap.String("hash", tx.Hash().Hex()), zap.Error(err))
	} else {
		receipt.Logs = make([]*types.Log, len(exec.logs))
		for i, l := range exec.logs {
			l.BlockNumber = header.Number.Uint64()
			l.TxHash = tx.Hash()
			l.TxIndex = index
			receipt.Logs[i] = l
		}
	}
	return receipt, nil
}
