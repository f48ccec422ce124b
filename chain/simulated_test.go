package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gsnrelay/gsn/go/chain"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
	"github.com/gsnrelay/gsn/go/test/mocks/recipient"
)

var (
	ether = big.NewInt(1_000_000_000_000_000_000)
	gwei  = big.NewInt(1_000_000_000)
	sink  = common.HexToAddress("0x000000000000000000000000000000000000dead")
)

type ledgerFixture struct {
	t      *testing.T
	ctx    context.Context
	sim    *chain.Simulated
	sender *evmsigner.Signer
}

func newLedger(t *testing.T, opts ...chain.Option) *ledgerFixture {
	t.Helper()
	sim := chain.NewSimulated(append([]chain.Option{chain.WithLogger(zaptest.NewLogger(t))}, opts...)...)
	sender, err := evmsigner.GenerateSigner()
	require.NoError(t, err)
	sim.Fund(sender.Address(), ether)
	return &ledgerFixture{t: t, ctx: context.Background(), sim: sim, sender: sender}
}

func (f *ledgerFixture) transfer(nonce uint64, price *big.Int) *types.Transaction {
	f.t.Helper()
	chainID, err := f.sim.ChainID(f.ctx)
	require.NoError(f.t, err)
	tx, err := f.sender.NewLegacyTx(chainID, nonce, sink, big.NewInt(1), 21000, price, nil)
	require.NoError(f.t, err)
	return tx
}

func TestSimulatedTransfers(t *testing.T) {
	f := newLedger(t)

	tx := f.transfer(0, gwei)
	require.NoError(t, f.sim.SendTransaction(f.ctx, tx))

	receipt, err := f.sim.TransactionReceipt(f.ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, uint64(21000), receipt.GasUsed)
	assert.Equal(t, uint64(1), receipt.BlockNumber.Uint64())

	balance, err := f.sim.BalanceAt(f.ctx, sink, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.Int64())

	spent := new(big.Int).Mul(gwei, big.NewInt(21000))
	spent.Add(spent, big.NewInt(1))
	balance, err = f.sim.BalanceAt(f.ctx, f.sender.Address(), nil)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Sub(ether, spent).String(), balance.String())

	nonce, err := f.sim.NonceAt(f.ctx, f.sender.Address(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)

	mined, pending, err := f.sim.TransactionByHash(f.ctx, tx.Hash())
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, tx.Hash(), mined.Hash())

	_, err = f.sim.TransactionReceipt(f.ctx, common.HexToHash("0x01"))
	assert.True(t, errors.Is(err, ethereum.NotFound))
}

func TestSimulatedPoolRules(t *testing.T) {
	t.Run("nonce too low", func(t *testing.T) {
		f := newLedger(t)
		require.NoError(t, f.sim.SendTransaction(f.ctx, f.transfer(0, gwei)))
		err := f.sim.SendTransaction(f.ctx, f.transfer(0, new(big.Int).Mul(gwei, big.NewInt(2))))
		assert.ErrorIs(t, err, chain.ErrNonceTooLow)
	})

	t.Run("already known", func(t *testing.T) {
		f := newLedger(t)
		tx := f.transfer(0, gwei)
		require.NoError(t, f.sim.SendTransaction(f.ctx, tx))
		assert.ErrorIs(t, f.sim.SendTransaction(f.ctx, tx), chain.ErrNonceTooLow)

		f.sim.SetAutomine(false)
		pooled := f.transfer(1, gwei)
		require.NoError(t, f.sim.SendTransaction(f.ctx, pooled))
		assert.ErrorIs(t, f.sim.SendTransaction(f.ctx, pooled), chain.ErrAlreadyKnown)
	})

	t.Run("replacement needs ten percent more", func(t *testing.T) {
		f := newLedger(t, chain.WithAutomine(false))
		original := f.transfer(0, big.NewInt(1000))
		require.NoError(t, f.sim.SendTransaction(f.ctx, original))

		err := f.sim.SendTransaction(f.ctx, f.transfer(0, big.NewInt(1099)))
		assert.ErrorIs(t, err, chain.ErrReplaceUnderpriced)

		replacement := f.transfer(0, big.NewInt(1100))
		require.NoError(t, f.sim.SendTransaction(f.ctx, replacement))
		assert.Equal(t, 1, f.sim.Pending())

		f.sim.Commit()
		_, err = f.sim.TransactionReceipt(f.ctx, original.Hash())
		assert.ErrorIs(t, err, ethereum.NotFound)
		receipt, err := f.sim.TransactionReceipt(f.ctx, replacement.Hash())
		require.NoError(t, err)
		assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		f := newLedger(t)
		poor, err := evmsigner.GenerateSigner()
		require.NoError(t, err)
		chainID, _ := f.sim.ChainID(f.ctx)
		tx, err := poor.NewLegacyTx(chainID, 0, sink, big.NewInt(0), 21000, gwei, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, f.sim.SendTransaction(f.ctx, tx), chain.ErrInsufficientFunds)
	})

	t.Run("zero price and low gas", func(t *testing.T) {
		f := newLedger(t)
		assert.ErrorIs(t, f.sim.SendTransaction(f.ctx, f.transfer(0, big.NewInt(0))), chain.ErrUnderpriced)

		chainID, _ := f.sim.ChainID(f.ctx)
		tx, err := f.sender.NewLegacyTx(chainID, 0, sink, big.NewInt(0), 20999, gwei, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, f.sim.SendTransaction(f.ctx, tx), chain.ErrIntrinsicGas)
	})

	t.Run("wrong chain id", func(t *testing.T) {
		f := newLedger(t)
		tx, err := f.sender.NewLegacyTx(big.NewInt(5), 0, sink, big.NewInt(0), 21000, gwei, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, f.sim.SendTransaction(f.ctx, tx), chain.ErrInvalidSender)
	})
}

func TestSimulatedManualMining(t *testing.T) {
	f := newLedger(t, chain.WithAutomine(false))

	// a nonce gap waits until the missing transaction arrives
	later := f.transfer(1, gwei)
	require.NoError(t, f.sim.SendTransaction(f.ctx, later))
	f.sim.Commit()
	_, err := f.sim.TransactionReceipt(f.ctx, later.Hash())
	assert.ErrorIs(t, err, ethereum.NotFound)

	pendingNonce, err := f.sim.PendingNonceAt(f.ctx, f.sender.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pendingNonce)

	first := f.transfer(0, gwei)
	require.NoError(t, f.sim.SendTransaction(f.ctx, first))
	pendingNonce, err = f.sim.PendingNonceAt(f.ctx, f.sender.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pendingNonce)

	_, pending, err := f.sim.TransactionByHash(f.ctx, first.Hash())
	require.NoError(t, err)
	assert.True(t, pending)

	f.sim.Commit()
	assert.Equal(t, 0, f.sim.Pending())
	for _, tx := range []*types.Transaction{first, later} {
		receipt, err := f.sim.TransactionReceipt(f.ctx, tx.Hash())
		require.NoError(t, err)
		assert.Equal(t, uint64(2), receipt.BlockNumber.Uint64())
	}

	f.sim.Mine(3)
	head, err := f.sim.BlockNumber(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), head)
}

func TestSimulatedBlockTime(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	f := newLedger(t, chain.WithClock(mock))

	genesis, err := f.sim.HeaderByNumber(f.ctx, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_000), genesis.Time)

	// blocks in the same second still move forward
	f.sim.Commit()
	head, err := f.sim.HeaderByNumber(f.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_001), head.Time)

	mock.Add(time.Minute)
	f.sim.Commit()
	head, err = f.sim.HeaderByNumber(f.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_060), head.Time)

	f.sim.AdjustTime(3600)
	f.sim.Commit()
	head, err = f.sim.HeaderByNumber(f.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_003_660), head.Time)
}

func TestSimulatedContracts(t *testing.T) {
	f := newLedger(t)
	target := f.sim.Deploy(recipient.New(common.Address{}))

	emit, err := recipient.ABI.Pack("emitMessage", "hello")
	require.NoError(t, err)
	revert, err := recipient.ABI.Pack("testRevert")
	require.NoError(t, err)

	t.Run("estimate and call", func(t *testing.T) {
		gas, err := f.sim.EstimateGas(f.ctx, ethereum.CallMsg{From: f.sender.Address(), To: &target, Data: emit})
		require.NoError(t, err)
		assert.Greater(t, gas, gsnevm.IntrinsicGas(emit))

		_, err = f.sim.EstimateGas(f.ctx, ethereum.CallMsg{From: f.sender.Address(), To: &target, Data: revert})
		var revertErr *chain.RevertError
		require.ErrorAs(t, err, &revertErr)
		assert.Equal(t, "always fail", revertErr.Reason())
		reason, ok := gsnevm.RevertReason(err)
		assert.True(t, ok)
		assert.Equal(t, "always fail", reason)

		_, err = f.sim.CallContract(f.ctx, ethereum.CallMsg{From: f.sender.Address(), Data: emit}, nil)
		assert.ErrorIs(t, err, chain.ErrContractCreation)
	})

	t.Run("logs are filtered by address and topic", func(t *testing.T) {
		chainID, _ := f.sim.ChainID(f.ctx)
		nonce, err := f.sim.PendingNonceAt(f.ctx, f.sender.Address())
		require.NoError(t, err)
		tx, err := f.sender.NewLegacyTx(chainID, nonce, target, big.NewInt(0), 200000, gwei, emit)
		require.NoError(t, err)
		require.NoError(t, f.sim.SendTransaction(f.ctx, tx))

		receipt, err := f.sim.TransactionReceipt(f.ctx, tx.Hash())
		require.NoError(t, err)
		require.Len(t, receipt.Logs, 1)
		emitted := recipient.EmittedIn(receipt.Logs)
		require.Len(t, emitted, 1)
		assert.Equal(t, "hello", emitted[0].Message)

		logs, err := f.sim.FilterLogs(f.ctx, ethereum.FilterQuery{
			Addresses: []common.Address{target},
			Topics:    [][]common.Hash{{recipient.EventID()}},
		})
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, tx.Hash(), logs[0].TxHash)

		logs, err = f.sim.FilterLogs(f.ctx, ethereum.FilterQuery{Addresses: []common.Address{sink}})
		require.NoError(t, err)
		assert.Empty(t, logs)

		logs, err = f.sim.FilterLogs(f.ctx, ethereum.FilterQuery{FromBlock: new(big.Int).Add(receipt.BlockNumber, big.NewInt(1))})
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("reverted transactions keep no logs", func(t *testing.T) {
		chainID, _ := f.sim.ChainID(f.ctx)
		nonce, err := f.sim.PendingNonceAt(f.ctx, f.sender.Address())
		require.NoError(t, err)
		tx, err := f.sender.NewLegacyTx(chainID, nonce, target, big.NewInt(0), 100000, gwei, revert)
		require.NoError(t, err)
		require.NoError(t, f.sim.SendTransaction(f.ctx, tx))

		receipt, err := f.sim.TransactionReceipt(f.ctx, tx.Hash())
		require.NoError(t, err)
		assert.Equal(t, types.ReceiptStatusFailed, receipt.Status)
		assert.Empty(t, receipt.Logs)
	})
}
