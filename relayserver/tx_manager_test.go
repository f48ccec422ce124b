package relayserver_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	gsn "github.com/gsnrelay/gsn/go"
	"github.com/gsnrelay/gsn/go/relayserver"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
	"github.com/gsnrelay/gsn/go/test/mocks/network"
)

var gwei = big.NewInt(1_000_000_000)

type txmFixture struct {
	ctx     context.Context
	net     *network.Network
	worker  *evmsigner.Signer
	clock   *clock.Mock
	metrics *relayserver.Metrics
	txm     *relayserver.TxManager
	to      common.Address
}

func newTxmFixture(t *testing.T, cfg relayserver.TxManagerConfig) *txmFixture {
	t.Helper()
	net, err := network.New()
	require.NoError(t, err)
	worker, err := net.NewAccount(network.EtherOf(1))
	require.NoError(t, err)

	mock := clock.NewMock()
	metrics := relayserver.NewMetrics()
	return &txmFixture{
		ctx:     context.Background(),
		net:     net,
		worker:  worker,
		clock:   mock,
		metrics: metrics,
		txm:     relayserver.NewTxManager(net.Chain, worker, net.ChainID, cfg, mock, zaptest.NewLogger(t), metrics),
		to:      common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
	}
}

func (f *txmFixture) transfer(t *testing.T, maxNonce *uint64) *relayserver.TrackedTx {
	t.Helper()
	_, tracked, err := f.txm.Send(f.ctx, relayserver.SendRequest{
		To:       f.to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: new(big.Int).Set(gwei),
		MaxNonce: maxNonce,
	})
	require.NoError(t, err)
	return tracked
}

func defaultTxmConfig() relayserver.TxManagerConfig {
	return relayserver.TxManagerConfig{
		StallTimeout:   time.Minute,
		GasBumpPercent: 20,
		MaxEscalations: 3,
	}
}

func TestTxManagerSend(t *testing.T) {
	t.Run("assigns consecutive nonces", func(t *testing.T) {
		f := newTxmFixture(t, defaultTxmConfig())
		for i := uint64(0); i < 3; i++ {
			assert.Equal(t, i, f.transfer(t, nil).Nonce)
		}
		next, err := f.txm.NextNonce(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), next)
		assert.Equal(t, f.worker.Address(), f.txm.Address())
	})

	t.Run("rejects above the maximum nonce", func(t *testing.T) {
		f := newTxmFixture(t, defaultTxmConfig())
		f.transfer(t, nil)

		zero := uint64(0)
		_, _, err := f.txm.Send(f.ctx, relayserver.SendRequest{To: f.to, Gas: 21000, GasPrice: gwei, MaxNonce: &zero})
		require.Error(t, err)
		assert.Equal(t, gsn.ErrCodeRelayRejected, gsn.CodeOf(err))

		next, err := f.txm.NextNonce(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), next)
	})

	t.Run("resyncs when the account was used elsewhere", func(t *testing.T) {
		f := newTxmFixture(t, defaultTxmConfig())
		next, err := f.txm.NextNonce(f.ctx)
		require.NoError(t, err)
		require.Zero(t, next)

		_, err = f.net.MustSucceed(f.ctx, f.worker, f.to, big.NewInt(1), nil)
		require.NoError(t, err)

		assert.Equal(t, uint64(1), f.transfer(t, nil).Nonce)
	})

	t.Run("broadcast failure does not consume a nonce", func(t *testing.T) {
		f := newTxmFixture(t, defaultTxmConfig())
		_, _, err := f.txm.Send(f.ctx, relayserver.SendRequest{To: f.to, Value: network.EtherOf(5), Gas: 21000, GasPrice: gwei})
		require.Error(t, err)

		next, err := f.txm.NextNonce(f.ctx)
		require.NoError(t, err)
		assert.Zero(t, next)
		assert.Empty(t, f.txm.Pending())
	})
}

func TestTxManagerTick(t *testing.T) {
	t.Run("drops mined transactions", func(t *testing.T) {
		f := newTxmFixture(t, defaultTxmConfig())
		f.transfer(t, nil)
		require.Len(t, f.txm.Pending(), 1)

		require.NoError(t, f.txm.Tick(f.ctx))
		assert.Empty(t, f.txm.Pending())
		assert.Equal(t, float64(1), testutil.ToFloat64(relayserver.ConfirmedCounter(f.metrics)))
		assert.Zero(t, testutil.ToFloat64(relayserver.PendingGauge(f.metrics)))
	})

	t.Run("leaves fresh transactions alone", func(t *testing.T) {
		f := newTxmFixture(t, defaultTxmConfig())
		f.net.Chain.SetAutomine(false)
		f.transfer(t, nil)

		f.clock.Add(30 * time.Second)
		require.NoError(t, f.txm.Tick(f.ctx))
		pending := f.txm.Pending()
		require.Len(t, pending, 1)
		assert.Zero(t, pending[0].Escalations)
	})

	t.Run("escalates a stalled transaction at the same nonce", func(t *testing.T) {
		f := newTxmFixture(t, defaultTxmConfig())
		f.net.Chain.SetAutomine(false)
		original := f.transfer(t, nil)

		f.clock.Add(time.Minute)
		require.NoError(t, f.txm.Tick(f.ctx))

		pending := f.txm.Pending()
		require.Len(t, pending, 1)
		bumped := pending[0]
		assert.Equal(t, original.Nonce, bumped.Nonce)
		assert.Equal(t, 1, bumped.Escalations)
		assert.Equal(t, big.NewInt(1_200_000_000), bumped.GasPrice)
		assert.Len(t, bumped.Hashes, 2)
		assert.NotEqual(t, original.Hash, bumped.Hash)
		assert.Len(t, original.Hashes, 1, "Send returns a copy the manager does not mutate")
		assert.Zero(t, original.Escalations)
		assert.Equal(t, float64(1), testutil.ToFloat64(relayserver.EscalationsCounter(f.metrics)))
		assert.Equal(t, 1, f.net.Chain.Pending())

		f.net.Chain.Commit()
		require.NoError(t, f.txm.Tick(f.ctx))
		assert.Empty(t, f.txm.Pending())

		receipt, err := f.net.Chain.TransactionReceipt(f.ctx, bumped.Hash)
		require.NoError(t, err)
		assert.Equal(t, bumped.Hash, receipt.TxHash)
	})

	t.Run("stops at the escalation limit", func(t *testing.T) {
		cfg := defaultTxmConfig()
		cfg.MaxEscalations = 1
		f := newTxmFixture(t, cfg)
		f.net.Chain.SetAutomine(false)
		f.transfer(t, nil)

		for i := 0; i < 3; i++ {
			f.clock.Add(time.Minute)
			require.NoError(t, f.txm.Tick(f.ctx))
		}
		pending := f.txm.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].Escalations)
		assert.Equal(t, big.NewInt(1_200_000_000), pending[0].GasPrice)
	})

	t.Run("never exceeds the gas price cap", func(t *testing.T) {
		cfg := defaultTxmConfig()
		cfg.MaxGasPrice = big.NewInt(1_400_000_000)
		f := newTxmFixture(t, cfg)
		f.net.Chain.SetAutomine(false)
		f.transfer(t, nil)

		for i := 0; i < 3; i++ {
			f.clock.Add(time.Minute)
			require.NoError(t, f.txm.Tick(f.ctx))
		}
		pending := f.txm.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, cfg.MaxGasPrice, pending[0].GasPrice)
		assert.Equal(t, 2, pending[0].Escalations)
	})

	t.Run("escalates every stalled nonce", func(t *testing.T) {
		f := newTxmFixture(t, defaultTxmConfig())
		f.net.Chain.SetAutomine(false)
		f.transfer(t, nil)
		f.transfer(t, nil)

		f.clock.Add(time.Minute)
		require.NoError(t, f.txm.Tick(f.ctx))
		for _, tracked := range f.txm.Pending() {
			assert.Equal(t, 1, tracked.Escalations)
		}

		f.net.Chain.Commit()
		require.NoError(t, f.txm.Tick(f.ctx))
		assert.Empty(t, f.txm.Pending())
		assert.Equal(t, float64(2), testutil.ToFloat64(relayserver.ConfirmedCounter(f.metrics)))
	})
}
