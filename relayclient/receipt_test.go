package relayclient

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
	"github.com/gsnrelay/gsn/go/test/mocks/network"
)

var testHub = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

func relayedLogs(t *testing.T, status gsn.RelayCallStatus, returnValue []byte) []*types.Log {
	t.Helper()
	relayed := gsnevm.RelayHubABI.Events[gsnevm.EventTransactionRelayed]
	data, err := relayed.Inputs.NonIndexed().Pack(common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		[4]byte{1, 2, 3, 4}, uint8(status), big.NewInt(1000))
	require.NoError(t, err)
	result := gsnevm.RelayHubABI.Events[gsnevm.EventTransactionResult]
	resultData, err := result.Inputs.Pack(uint8(status), returnValue)
	require.NoError(t, err)

	return []*types.Log{
		{
			Address: testHub,
			Topics: []common.Hash{relayed.ID,
				gsnevm.AddressTopic(common.HexToAddress("0x0a")),
				gsnevm.AddressTopic(common.HexToAddress("0x0b")),
				gsnevm.AddressTopic(common.HexToAddress("0x0c"))},
			Data: data,
		},
		{Address: testHub, Topics: []common.Hash{result.ID}, Data: resultData},
	}
}

func TestRelayedCallError(t *testing.T) {
	t.Run("successful call", func(t *testing.T) {
		receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: relayedLogs(t, gsn.StatusOK, nil)}
		require.NoError(t, relayedCallError(receipt, testHub))

		outcome, err := ParseRelayedCall(receipt, testHub)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress("0x0c"), outcome.Relayed.From)
		assert.Equal(t, big.NewInt(1000), outcome.Relayed.Charge)
	})

	t.Run("reverted call carries its reason", func(t *testing.T) {
		receipt := &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs:   relayedLogs(t, gsn.StatusRelayedCallFailed, gsnevm.EncodeRevert("always fail")),
		}
		err := relayedCallError(receipt, testHub)
		require.Error(t, err)
		assert.Equal(t, gsn.ErrCodeRelayedCallFailed, gsn.CodeOf(err))
		assert.Contains(t, err.Error(), "relayed call reverted: always fail")
	})

	t.Run("paymaster post call failure names the status", func(t *testing.T) {
		receipt := &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs:   relayedLogs(t, gsn.StatusPostPaymasterReverted, []byte{0xde, 0xad}),
		}
		err := relayedCallError(receipt, testHub)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PostPaymasterReverted")
		assert.Contains(t, err.Error(), "0xdead")
	})

	t.Run("logs from another address are ignored", func(t *testing.T) {
		receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: relayedLogs(t, gsn.StatusOK, nil)}
		err := relayedCallError(receipt, common.HexToAddress("0x99"))
		require.Error(t, err)
		assert.Equal(t, gsn.ErrCodeInvalidRelayTx, gsn.CodeOf(err))
	})

	t.Run("reverted relay transaction", func(t *testing.T) {
		err := relayedCallError(&types.Receipt{Status: types.ReceiptStatusFailed}, testHub)
		require.Error(t, err)
		assert.True(t, gsn.IsRetryable(err))
	})
}

func TestWaitForReceipt(t *testing.T) {
	t.Run("returns a mined receipt", func(t *testing.T) {
		net, err := network.New()
		require.NoError(t, err)
		receipt, err := net.MustSucceed(context.Background(), net.Owner, common.HexToAddress("0xdead"), big.NewInt(1), nil)
		require.NoError(t, err)

		got, err := waitForReceipt(context.Background(), net.Chain, clock.New(), receipt.TxHash, time.Second, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, receipt.TxHash, got.TxHash)
	})

	t.Run("any of several hashes", func(t *testing.T) {
		net, err := network.New()
		require.NoError(t, err)
		receipt, err := net.MustSucceed(context.Background(), net.Owner, common.HexToAddress("0xdead"), big.NewInt(1), nil)
		require.NoError(t, err)

		hashes := []common.Hash{common.HexToHash("0x01"), receipt.TxHash}
		got, err := waitForAnyReceipt(context.Background(), net.Chain, clock.New(), hashes, time.Second, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, receipt.TxHash, got.TxHash)
	})

	t.Run("times out on a pending transaction", func(t *testing.T) {
		net, err := network.New()
		require.NoError(t, err)
		net.Chain.SetAutomine(false)

		_, err = waitForReceipt(context.Background(), net.Chain, clock.New(), common.HexToHash("0x01"), 30*time.Millisecond, 5*time.Millisecond)
		require.Error(t, err)
		assert.Equal(t, gsn.ErrCodeTimeout, gsn.CodeOf(err))
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		net, err := network.New()
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = waitForReceipt(ctx, net.Chain, clock.New(), common.HexToHash("0x01"), time.Minute, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
