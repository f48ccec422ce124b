package evm_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
)

var chainID = big.NewInt(1337)

func sampleRequest(from common.Address) gsn.RelayRequest {
	return gsn.RelayRequest{
		From:       from,
		To:         common.HexToAddress("0x00000000000000000000000000000000000000b0"),
		Value:      big.NewInt(0),
		Gas:        big.NewInt(100000),
		Nonce:      big.NewInt(3),
		Data:       []byte{0xca, 0xfe},
		ValidUntil: big.NewInt(1_700_000_000),
		RelayData: gsn.RelayData{
			GasPrice:      big.NewInt(1_200_000_000),
			PctRelayFee:   big.NewInt(12),
			BaseRelayFee:  big.NewInt(0),
			RelayWorker:   common.HexToAddress("0x00000000000000000000000000000000000000c0"),
			Paymaster:     common.HexToAddress("0x00000000000000000000000000000000000000d0"),
			Forwarder:     common.HexToAddress("0x00000000000000000000000000000000000000e0"),
			PaymasterData: []byte{},
			ClientId:      big.NewInt(1),
		},
	}
}

func TestRelayRequestSignature(t *testing.T) {
	ctx := context.Background()
	signer, err := evmsigner.GenerateSigner()
	require.NoError(t, err)
	request := sampleRequest(signer.Address())

	signature, err := signer.SignRelayRequest(ctx, request, chainID)
	require.NoError(t, err)
	require.Len(t, signature, 65)

	t.Run("recovers the signer", func(t *testing.T) {
		recovered, err := gsnevm.RecoverRelayRequestSigner(request, signature, chainID)
		require.NoError(t, err)
		assert.Equal(t, signer.Address(), recovered)
	})

	t.Run("any field change breaks the signature", func(t *testing.T) {
		mutations := map[string]func(r *gsn.RelayRequest){
			"nonce":      func(r *gsn.RelayRequest) { r.Nonce = big.NewInt(4) },
			"data":       func(r *gsn.RelayRequest) { r.Data = []byte{0xca, 0xff} },
			"gas price":  func(r *gsn.RelayRequest) { r.RelayData.GasPrice = big.NewInt(1) },
			"worker":     func(r *gsn.RelayRequest) { r.RelayData.RelayWorker = common.HexToAddress("0x01") },
			"validUntil": func(r *gsn.RelayRequest) { r.ValidUntil = big.NewInt(1) },
		}
		for name, mutate := range mutations {
			t.Run(name, func(t *testing.T) {
				changed := request.Clone()
				mutate(&changed)
				recovered, err := gsnevm.RecoverRelayRequestSigner(changed, signature, chainID)
				if err == nil {
					assert.NotEqual(t, signer.Address(), recovered)
				}
			})
		}
	})

	t.Run("domain binds chain and forwarder", func(t *testing.T) {
		digest, err := gsnevm.HashRelayRequest(request, chainID)
		require.NoError(t, err)
		other, err := gsnevm.HashRelayRequest(request, big.NewInt(1))
		require.NoError(t, err)
		assert.NotEqual(t, digest, other)

		moved := request.Clone()
		moved.RelayData.Forwarder = common.HexToAddress("0x01")
		other, err = gsnevm.HashRelayRequest(moved, chainID)
		require.NoError(t, err)
		assert.NotEqual(t, digest, other)
	})

	t.Run("v may be offset by 27", func(t *testing.T) {
		digest, err := gsnevm.HashRelayRequest(request, chainID)
		require.NoError(t, err)
		shifted := append([]byte{}, signature...)
		if shifted[64] < 27 {
			shifted[64] += 27
		} else {
			shifted[64] -= 27
		}
		recovered, err := gsnevm.RecoverSigner(digest, shifted)
		require.NoError(t, err)
		assert.Equal(t, signer.Address(), recovered)
	})

	t.Run("malformed signatures", func(t *testing.T) {
		digest, err := gsnevm.HashRelayRequest(request, chainID)
		require.NoError(t, err)
		_, err = gsnevm.RecoverSigner(digest, signature[:64])
		assert.Error(t, err)
		_, err = gsnevm.RecoverSigner(digest, make([]byte, 65))
		assert.Error(t, err)
	})
}

func TestRelayCallCodec(t *testing.T) {
	request := sampleRequest(common.HexToAddress("0x00000000000000000000000000000000000000a0"))
	signature := make([]byte, 65)
	signature[0] = 0x11
	limits := gsn.GasLimits{
		AcceptanceBudget:        gsnevm.DefaultAcceptanceBudget,
		PreRelayedCallGasLimit:  gsnevm.DefaultPreRelayedCallGasLimit,
		PostRelayedCallGasLimit: gsnevm.DefaultPostRelayedCallGasLimit,
	}

	data, gasLimit, err := gsnevm.PackRelayCallWithLimit(request, signature, []byte("ABC"), limits)
	require.NoError(t, err)
	assert.True(t, gsnevm.IsCallTo(gsnevm.RelayHubABI, data, gsnevm.FunctionRelayCall))
	assert.False(t, gsnevm.IsCallTo(gsnevm.RelayHubABI, data, gsnevm.FunctionDepositFor))

	maxGas := gsnevm.MaxPossibleGas(100000, limits.AcceptanceBudget, limits.PreRelayedCallGasLimit, limits.PostRelayedCallGasLimit)
	assert.Greater(t, gasLimit, maxGas+gsnevm.IntrinsicGas(data)-1)

	call, err := gsnevm.UnpackRelayCall(data)
	require.NoError(t, err)
	assert.Equal(t, signature, call.Signature)
	assert.Equal(t, []byte("ABC"), call.ApprovalData)
	assert.Equal(t, gasLimit, call.ExternalGasLimit.Uint64())
	assert.Equal(t, request.From, call.Request.From)
	assert.Equal(t, request.Nonce.String(), call.Request.Nonce.String())
	assert.Equal(t, request.RelayData.Paymaster, call.Request.RelayData.Paymaster)

	want, err := gsnevm.HashRelayRequest(request, chainID)
	require.NoError(t, err)
	got, err := gsnevm.HashRelayRequest(call.Request, chainID)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	t.Run("other calls are refused", func(t *testing.T) {
		deposit, err := gsnevm.RelayHubABI.Pack(gsnevm.FunctionDepositFor, common.HexToAddress("0x01"))
		require.NoError(t, err)
		_, err = gsnevm.UnpackRelayCall(deposit)
		assert.Error(t, err)
		_, err = gsnevm.UnpackRelayCall([]byte{0x01})
		assert.Error(t, err)
	})
}

type dataError struct {
	msg  string
	data string
}

func (e *dataError) Error() string          { return e.msg }
func (e *dataError) ErrorData() interface{} { return e.data }

func TestRevertReason(t *testing.T) {
	encoded := gsnevm.EncodeRevert("NonceMismatch: expected 1")
	reason, ok := gsnevm.DecodeRevert(encoded)
	require.True(t, ok)
	assert.Equal(t, "NonceMismatch: expected 1", reason)

	_, ok = gsnevm.DecodeRevert([]byte{0x01, 0x02})
	assert.False(t, ok)

	tests := []struct {
		name   string
		err    error
		reason string
		ok     bool
	}{
		{"nil", nil, "", false},
		{"rpc data error", &dataError{msg: "execution reverted", data: fmt.Sprintf("0x%x", encoded)}, "NonceMismatch: expected 1", true},
		{"message prefix", fmt.Errorf("call: %w", errors.New("execution reverted: always fail")), "always fail", true},
		{"not a revert", errors.New("connection refused"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := gsnevm.RevertReason(tt.err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestIntrinsicGas(t *testing.T) {
	assert.Equal(t, uint64(21000), gsnevm.IntrinsicGas(nil))
	assert.Equal(t, uint64(21000+16+4), gsnevm.IntrinsicGas([]byte{0x01, 0x00}))
	assert.Equal(t, uint64(gsnevm.RelayCallOverhead+10+20+30+40), gsnevm.MaxPossibleGas(30, 10, 20, 40))
}

func TestPackRelayTuples(t *testing.T) {
	request := sampleRequest(common.HexToAddress("0x00000000000000000000000000000000000000a0"))
	request.RelayData.PaymasterData = []byte{0x0d, 0x0e}
	signature := make([]byte, 65)

	t.Run("forwarder verify", func(t *testing.T) {
		data, err := gsnevm.Pack(gsnevm.ForwarderABI, gsnevm.FunctionVerify, request, signature)
		require.NoError(t, err)
		method, args, err := gsnevm.UnpackCall(gsnevm.ForwarderABI, data)
		require.NoError(t, err)
		assert.Equal(t, gsnevm.FunctionVerify, method.Name)
		decoded, err := gsnevm.RelayRequestFromABI(args[0])
		require.NoError(t, err)
		assert.Equal(t, []byte(request.Data), []byte(decoded.Data))
		assert.Equal(t, []byte{0x0d, 0x0e}, []byte(decoded.RelayData.PaymasterData))
	})

	t.Run("relay data alone", func(t *testing.T) {
		_, err := gsnevm.Pack(gsnevm.RelayHubABI, gsnevm.FunctionCalculateCharge, big.NewInt(1), request.RelayData)
		require.NoError(t, err)
	})

	t.Run("nil fields are normalized", func(t *testing.T) {
		_, err := gsnevm.Pack(gsnevm.ForwarderABI, gsnevm.FunctionVerify, gsn.RelayRequest{}, signature)
		require.NoError(t, err)
	})
}
