package relayserver_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	gsn "github.com/gsnrelay/gsn/go"
	"github.com/gsnrelay/gsn/go/contracts"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
	"github.com/gsnrelay/gsn/go/relayserver"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
	"github.com/gsnrelay/gsn/go/test/mocks/network"
	"github.com/gsnrelay/gsn/go/test/mocks/recipient"
)

type serverFixture struct {
	t         *testing.T
	ctx       context.Context
	net       *network.Network
	cfg       relayserver.ServerConfig
	server    *relayserver.RelayServer
	manager   *evmsigner.Signer
	worker    *evmsigner.Signer
	paymaster common.Address
	sender    *evmsigner.Signer
	clock     *clock.Mock
}

type fixtureOption func(*relayserver.ServerConfig)

func testServerConfig(net *network.Network) relayserver.ServerConfig {
	cfg := relayserver.DefaultServerConfig()
	cfg.RelayHubAddress = net.Deployment.RelayHub
	cfg.URL = "http://relay.test"
	cfg.PctRelayFee = 12
	cfg.Stake = network.EtherOf(1)
	cfg.UnstakeDelay = network.UnstakeDelay
	return cfg
}

// newUnregisteredFixture builds a daemon whose manager is not staked yet.
func newUnregisteredFixture(t *testing.T, policy contracts.Policy, opts ...fixtureOption) *serverFixture {
	t.Helper()
	ctx := context.Background()

	net, err := network.New()
	require.NoError(t, err)
	manager, err := net.NewAccount(network.EtherOf(2))
	require.NoError(t, err)
	worker, err := net.NewAccount(nil)
	require.NoError(t, err)
	paymaster, _, err := net.DeployPaymaster(ctx, policy, network.EtherOf(1))
	require.NoError(t, err)
	sender, err := net.NewAccount(nil)
	require.NoError(t, err)

	cfg := testServerConfig(net)
	for _, opt := range opts {
		opt(&cfg)
	}
	mock := clock.NewMock()
	server, err := relayserver.NewRelayServer(ctx, cfg, net.Chain, manager, worker,
		relayserver.WithClock(mock), relayserver.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	return &serverFixture{
		t: t, ctx: ctx, net: net, cfg: cfg, server: server,
		manager: manager, worker: worker, paymaster: paymaster, sender: sender, clock: mock,
	}
}

// newServerFixture builds a staked and registered daemon.
func newServerFixture(t *testing.T, policy contracts.Policy, opts ...fixtureOption) *serverFixture {
	t.Helper()
	f := newUnregisteredFixture(t, policy, opts...)
	require.NoError(t, f.server.Register(f.ctx, f.net.Owner))
	return f
}

func emitMessage(t *testing.T, message string) []byte {
	t.Helper()
	data, err := recipient.ABI.Pack("emitMessage", message)
	require.NoError(t, err)
	return data
}

// relayRequest builds a request for the next forwarder nonce priced at the
// relay's minimum.
func (f *serverFixture) relayRequest(data []byte) gsn.RelayRequest {
	f.t.Helper()
	nonce, err := f.net.ForwarderNonce(f.ctx, f.sender.Address())
	require.NoError(f.t, err)
	gasPrice, err := f.server.MinGasPrice(f.ctx)
	require.NoError(f.t, err)
	return gsn.RelayRequest{
		From:       f.sender.Address(),
		To:         f.net.Recipient,
		Value:      big.NewInt(0),
		Gas:        big.NewInt(100000),
		Nonce:      nonce,
		Data:       data,
		ValidUntil: big.NewInt(0),
		RelayData: gsn.RelayData{
			GasPrice:     gasPrice,
			PctRelayFee:  big.NewInt(12),
			BaseRelayFee: big.NewInt(0),
			RelayWorker:  f.worker.Address(),
			Paymaster:    f.paymaster,
			Forwarder:    f.net.Deployment.Forwarder,
			ClientId:     big.NewInt(1),
		},
	}
}

// submission signs request and wraps it for the daemon.
func (f *serverFixture) submission(request gsn.RelayRequest, approval []byte) gsn.RelayTransactionRequest {
	f.t.Helper()
	sig, err := f.sender.SignRelayRequest(f.ctx, request, f.net.ChainID)
	require.NoError(f.t, err)
	return gsn.RelayTransactionRequest{
		RelayRequest: request,
		Metadata: gsn.RelayMetadata{
			Signature:       sig,
			ApprovalData:    approval,
			RelayHubAddress: f.net.Deployment.RelayHub,
			RelayMaxNonce:   10,
		},
	}
}

func (f *serverFixture) emitSubmission(message string) gsn.RelayTransactionRequest {
	return f.submission(f.relayRequest(emitMessage(f.t, message)), nil)
}

func decodeTx(t *testing.T, raw []byte) *types.Transaction {
	t.Helper()
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(raw))
	return tx
}

func filterRegistrations(hub common.Address) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{hub},
		Topics:    [][]common.Hash{{gsnevm.RelayHubABI.Events[gsnevm.EventRelayServerRegistered].ID}},
	}
}
