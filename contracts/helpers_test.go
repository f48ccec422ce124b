package contracts_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	gsn "github.com/gsnrelay/gsn/go"
	"github.com/gsnrelay/gsn/go/contracts"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
	"github.com/gsnrelay/gsn/go/test/mocks/network"
	"github.com/gsnrelay/gsn/go/test/mocks/recipient"
)

type hubFixture struct {
	t         *testing.T
	ctx       context.Context
	net       *network.Network
	relay     *network.Relay
	paymaster common.Address
	sender    *evmsigner.Signer
}

func newHubFixture(t *testing.T, policy contracts.Policy) *hubFixture {
	t.Helper()
	ctx := context.Background()

	net, err := network.New()
	require.NoError(t, err)
	relay, err := net.RegisterRelay(ctx, network.EtherOf(1), big.NewInt(0), 12, "http://relay.test")
	require.NoError(t, err)
	paymaster, _, err := net.DeployPaymaster(ctx, policy, network.EtherOf(1))
	require.NoError(t, err)
	sender, err := net.NewAccount(nil)
	require.NoError(t, err)

	return &hubFixture{t: t, ctx: ctx, net: net, relay: relay, paymaster: paymaster, sender: sender}
}

func emitMessage(t *testing.T, message string) []byte {
	t.Helper()
	data, err := recipient.ABI.Pack("emitMessage", message)
	require.NoError(t, err)
	return data
}

func (f *hubFixture) request(data []byte, nonce int64) gsn.RelayRequest {
	return gsn.RelayRequest{
		From:       f.sender.Address(),
		To:         f.net.Recipient,
		Value:      big.NewInt(0),
		Gas:        big.NewInt(100000),
		Nonce:      big.NewInt(nonce),
		Data:       data,
		ValidUntil: big.NewInt(0),
		RelayData: gsn.RelayData{
			GasPrice:     new(big.Int).Set(network.GasPrice()),
			PctRelayFee:  big.NewInt(12),
			BaseRelayFee: big.NewInt(0),
			RelayWorker:  f.relay.Worker.Address(),
			Paymaster:    f.paymaster,
			Forwarder:    f.net.Deployment.Forwarder,
			ClientId:     big.NewInt(1),
		},
	}
}

func (f *hubFixture) sign(request gsn.RelayRequest) []byte {
	f.t.Helper()
	sig, err := f.sender.SignRelayRequest(f.ctx, request, f.net.ChainID)
	require.NoError(f.t, err)
	return sig
}

// relayCall packs a worker transaction for request.
func (f *hubFixture) relayCall(request gsn.RelayRequest, sig, approval []byte) ([]byte, uint64) {
	f.t.Helper()
	data, gas, err := gsnevm.PackRelayCallWithLimit(request, sig, approval, contracts.DefaultGasLimits())
	require.NoError(f.t, err)
	return data, gas
}

// submit sends the relayCall from the worker and returns the receipt.
func (f *hubFixture) submit(request gsn.RelayRequest, sig, approval []byte) *types.Receipt {
	f.t.Helper()
	data, gas := f.relayCall(request, sig, approval)
	receipt, err := f.net.Transact(f.ctx, f.relay.Worker, f.net.Deployment.RelayHub, nil, data, gas)
	require.NoError(f.t, err)
	return receipt
}

// simulate runs the relayCall as the worker without mining it.
func (f *hubFixture) simulate(request gsn.RelayRequest, sig, approval []byte) error {
	f.t.Helper()
	data, gas := f.relayCall(request, sig, approval)
	hub := f.net.Deployment.RelayHub
	_, err := f.net.Chain.CallContract(f.ctx, ethereum.CallMsg{
		From:     f.relay.Worker.Address(),
		To:       &hub,
		Gas:      gas,
		GasPrice: network.GasPrice(),
		Data:     data,
	}, nil)
	return err
}

func relayedEvent(t *testing.T, receipt *types.Receipt) (*gsnevm.TransactionRelayed, *gsnevm.TransactionResult) {
	t.Helper()
	var (
		relayed *gsnevm.TransactionRelayed
		result  *gsnevm.TransactionResult
	)
	for _, l := range receipt.Logs {
		if ev, err := gsnevm.ParseTransactionRelayed(*l); err == nil {
			relayed = ev
		}
		if ev, err := gsnevm.ParseTransactionResult(*l); err == nil {
			result = ev
		}
	}
	require.NotNil(t, relayed, "missing TransactionRelayed")
	require.NotNil(t, result, "missing TransactionResult")
	return relayed, result
}

func emittedMessages(t *testing.T, receipt *types.Receipt) []*recipient.Emitted {
	t.Helper()
	var out []*recipient.Emitted
	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 || l.Topics[0] != recipient.EventID() {
			continue
		}
		ev, err := recipient.ParseEmitted(l.Data)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}
