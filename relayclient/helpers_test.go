package relayclient_test

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	gsn "github.com/gsnrelay/gsn/go"
	"github.com/gsnrelay/gsn/go/contracts"
	gsnhttp "github.com/gsnrelay/gsn/go/http"
	"github.com/gsnrelay/gsn/go/relayclient"
	"github.com/gsnrelay/gsn/go/relayserver"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
	"github.com/gsnrelay/gsn/go/test/mocks/network"
	"github.com/gsnrelay/gsn/go/test/mocks/recipient"
)

// flowFixture is a deployed network with one live relay daemon served over
// HTTP, a paymaster and a key ring holding a funded and a gasless sender.
type flowFixture struct {
	t         *testing.T
	ctx       context.Context
	net       *network.Network
	relay     *relayserver.RelayServer
	relayURL  string
	paymaster common.Address
	funded    *evmsigner.Signer
	gasless   *evmsigner.Signer
	keys      *evmsigner.KeyRing
}

func newFlowFixture(t *testing.T, policy contracts.Policy) *flowFixture {
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
	funded, err := net.NewAccount(network.EtherOf(1))
	require.NoError(t, err)
	gasless, err := net.NewAccount(nil)
	require.NoError(t, err)

	var (
		mu      sync.RWMutex
		handler http.Handler = http.NotFoundHandler()
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		h := handler
		mu.RUnlock()
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := relayserver.DefaultServerConfig()
	cfg.RelayHubAddress = net.Deployment.RelayHub
	cfg.URL = srv.URL
	cfg.PctRelayFee = 12
	cfg.Stake = network.EtherOf(1)
	cfg.UnstakeDelay = network.UnstakeDelay
	relay, err := relayserver.NewRelayServer(ctx, cfg, net.Chain, manager, worker,
		relayserver.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, relay.Register(ctx, net.Owner))

	mu.Lock()
	handler = relay.Handler()
	mu.Unlock()

	return &flowFixture{
		t: t, ctx: ctx, net: net, relay: relay, relayURL: srv.URL,
		paymaster: paymaster, funded: funded, gasless: gasless,
		keys: evmsigner.NewKeyRing(funded, gasless),
	}
}

func (f *flowFixture) config(opts ...gsn.Option) gsn.Config {
	base := []gsn.Option{
		gsn.WithRelayHub(f.net.Deployment.RelayHub),
		gsn.WithStakeManager(f.net.Deployment.StakeManager),
		gsn.WithForwarder(f.net.Deployment.Forwarder),
		gsn.WithPaymaster(f.paymaster),
		gsn.WithTimeouts(5*time.Second, 5*time.Second),
		gsn.WithPollInterval(10 * time.Millisecond),
		gsn.WithLogger(zaptest.NewLogger(f.t)),
	}
	return gsn.NewConfig(append(base, opts...)...)
}

func (f *flowFixture) provider(opts ...gsn.Option) *relayclient.Provider {
	f.t.Helper()
	p, err := relayclient.NewProvider(f.ctx, f.net.Chain, f.keys, f.config(opts...))
	require.NoError(f.t, err)
	return p
}

// client builds a relay client reaching relays through transport.
func (f *flowFixture) client(transport gsn.RelayTransport, opts ...gsn.Option) *relayclient.RelayClient {
	f.t.Helper()
	c, err := relayclient.NewRelayClient(f.ctx, f.net.Chain, f.keys, f.config(opts...), relayclient.WithTransport(transport))
	require.NoError(f.t, err)
	return c
}

func emitMessage(t *testing.T, message string) []byte {
	t.Helper()
	data, err := recipient.ABI.Pack("emitMessage", message)
	require.NoError(t, err)
	return data
}

func testRevert(t *testing.T) []byte {
	t.Helper()
	data, err := recipient.ABI.Pack("testRevert")
	require.NoError(t, err)
	return data
}

func boolPtr(v bool) *bool {
	return &v
}

// ============================================================================
// Fake Transport
// ============================================================================

type relayFunc func(ctx context.Context, request gsn.RelayTransactionRequest) (*gsn.RelayTransactionResponse, error)

// fakeTransport answers pings and submissions for fixed URLs and passes
// everything else to the real HTTP transport.
type fakeTransport struct {
	mu        sync.Mutex
	pings     map[string]*gsn.PingResponse
	pingErrs  map[string]error
	relays    map[string]relayFunc
	pingCalls map[string]int
	submitted []string
	next      gsn.RelayTransport
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pings:     make(map[string]*gsn.PingResponse),
		pingErrs:  make(map[string]error),
		relays:    make(map[string]relayFunc),
		pingCalls: make(map[string]int),
		next:      gsnhttp.NewHTTPRelayClient(nil),
	}
}

func (f *fakeTransport) GetPingResponse(ctx context.Context, url string) (*gsn.PingResponse, error) {
	f.mu.Lock()
	f.pingCalls[url]++
	ping, ok := f.pings[url]
	err := f.pingErrs[url]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ok {
		return ping, nil
	}
	return f.next.GetPingResponse(ctx, url)
}

func (f *fakeTransport) RelayTransaction(ctx context.Context, url string, request gsn.RelayTransactionRequest) (*gsn.RelayTransactionResponse, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, url)
	fn, ok := f.relays[url]
	f.mu.Unlock()
	if ok {
		return fn(ctx, request)
	}
	return f.next.RelayTransaction(ctx, url, request)
}

func (f *fakeTransport) pingCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingCalls[url]
}

func (f *fakeTransport) submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

// readyPing is an acceptable ping for hub and worker.
func readyPing(hub, worker common.Address, pctFee int64) *gsn.PingResponse {
	return &gsn.PingResponse{
		RelayWorkerAddress: worker,
		RelayHubAddress:    hub,
		MinGasPrice:        big.NewInt(1_200_000_000),
		PctRelayFee:        big.NewInt(pctFee),
		BaseRelayFee:       big.NewInt(0),
		ChainID:            big.NewInt(1337),
		Ready:              true,
	}
}
