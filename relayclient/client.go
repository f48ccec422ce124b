package relayclient

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
	gsnhttp "github.com/gsnrelay/gsn/go/http"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
)

// maxNonceRefreshes bounds how often one relay is retried after the
// sender's forwarder nonce moved.
const maxNonceRefreshes = 2

// Option configures a RelayClient or Provider
type Option func(*options)

type options struct {
	transport gsn.RelayTransport
	clock     clock.Clock
}

// WithTransport replaces the HTTP transport used to reach relays
func WithTransport(transport gsn.RelayTransport) Option {
	return func(o *options) { o.transport = transport }
}

// WithClock sets the clock used for receipt polling
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// RelayClient builds, signs and submits relay requests and waits for the
// relayed transaction.
type RelayClient struct {
	backend   gsn.Backend
	transport gsn.RelayTransport
	keys      *evmsigner.KeyRing
	cfg       gsn.Config
	chainID   *big.Int
	views     *gsnevm.Views
	selector  *RelaySelector
	clock     clock.Clock
	logger    *zap.Logger
}

// NewRelayClient creates a client for cfg. keys holds the senders it can
// sign for.
func NewRelayClient(ctx context.Context, backend gsn.Backend, keys *evmsigner.KeyRing, cfg gsn.Config, opts ...Option) (*RelayClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay client config: %w", err)
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = gsnhttp.NewHTTPRelayClient(&gsnhttp.RelayClientConfig{Timeout: cfg.RelayTimeout})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	return &RelayClient{
		backend:   backend,
		transport: o.transport,
		keys:      keys,
		cfg:       cfg,
		chainID:   chainID,
		views:     gsnevm.NewViews(backend, cfg.RelayHubAddress),
		selector:  NewRelaySelector(backend, o.transport, cfg, logger),
		clock:     o.clock,
		logger:    logger,
	}, nil
}

// Selector exposes the relay selector
func (c *RelayClient) Selector() *RelaySelector {
	return c.selector
}

// RelayTransaction sends req through the relay network. req.Gas must be
// set. Relays are tried in selection order until one gets the call mined.
func (c *RelayClient) RelayTransaction(ctx context.Context, req TxRequest) (*types.Receipt, error) {
	signer, ok := c.keys.Get(req.From)
	if !ok {
		return nil, fmt.Errorf("no signing key for %s", req.From.Hex())
	}
	if req.Gas == 0 {
		return nil, fmt.Errorf("relayed transaction needs a gas limit")
	}

	candidates, skipped, err := c.selector.Candidates(ctx, req.Gas)
	if err != nil {
		return nil, fmt.Errorf("failed to select relays: %w", err)
	}
	if len(candidates) == 0 {
		return nil, gsn.NewRelayError(gsn.ErrCodeNoRelaySelected, "no acceptable relay found", detailsOf(skipped))
	}

	nonce, err := c.views.ForwarderNonce(ctx, c.cfg.ForwarderAddress, req.From)
	if err != nil {
		return nil, fmt.Errorf("failed to read forwarder nonce: %w", err)
	}

	failures := make(map[string]string, len(skipped))
	for url, reason := range skipped {
		failures[url] = reason
	}
	refreshes := 0
	// hashes of relay transactions already broadcast for this request
	var submitted []common.Hash
	for i := 0; i < len(candidates); {
		candidate := candidates[i]
		logger := c.logger.With(zap.String("url", candidate.Info.URL), zap.Int("attempt", i+1),
			zap.String("from", req.From.Hex()), zap.Stringer("nonce", nonce))

		receipt, tx, err := c.attempt(ctx, signer, req, nonce, candidate)
		if tx != nil {
			submitted = append(submitted, tx.Hash())
		}
		if err == nil {
			logger.Debug("relayed transaction mined", zap.String("txHash", receipt.TxHash.Hex()))
			return receipt, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		category, disposition := gsn.Classify(err)
		logger.Debug("relay attempt failed", zap.String("category", string(category)), zap.Error(err))
		switch disposition {
		case gsn.Benign:
			if len(submitted) > 0 {
				// the nonce may have been consumed by one of our own relay
				// transactions; signing the next nonce would run the call twice
				logger.Info("nonce already used, waiting for an earlier relay transaction",
					zap.Int("submitted", len(submitted)))
				receipt, waitErr := waitForAnyReceipt(ctx, c.backend, c.clock, submitted, c.cfg.ConfirmationTimeout, c.cfg.PollInterval)
				if waitErr != nil {
					return nil, waitErr
				}
				return receipt, relayedCallError(receipt, c.cfg.RelayHubAddress)
			}
			if refreshes < maxNonceRefreshes {
				refreshes++
				current, readErr := c.views.ForwarderNonce(ctx, c.cfg.ForwarderAddress, req.From)
				if readErr != nil {
					return nil, fmt.Errorf("failed to refresh forwarder nonce: %w", readErr)
				}
				nonce = current
				continue
			}
			failures[candidate.Info.URL] = err.Error()
			i++
		case gsn.Retryable:
			c.selector.MarkFailed(candidate.Info.URL, err.Error())
			failures[candidate.Info.URL] = err.Error()
			i++
		default:
			return nil, err
		}
	}

	return nil, gsn.NewRelayError(gsn.ErrCodeRelayRejected,
		fmt.Sprintf("failed to relay through %d relays: %s", len(candidates), summarize(failures)),
		detailsOf(failures))
}

// attempt runs one request through one relay.
// attempt relays the request through candidate. The returned transaction is
// non-nil once the relay handed back a valid signed transaction.
func (c *RelayClient) attempt(ctx context.Context, signer *evmsigner.Signer, req TxRequest, nonce *big.Int, candidate Candidate) (*types.Receipt, *types.Transaction, error) {
	request, err := c.buildRequest(ctx, req, nonce, candidate.Ping)
	if err != nil {
		return nil, nil, err
	}
	signature, err := signer.SignRelayRequest(ctx, request, c.chainID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign relay request: %w", err)
	}
	approvalData, err := c.approvalData(ctx, request)
	if err != nil {
		return nil, nil, err
	}

	workerNonce, err := c.backend.PendingNonceAt(ctx, candidate.Ping.RelayWorkerAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read worker nonce: %w", err)
	}
	maxNonce := workerNonce + c.cfg.MaxRelayNonceGap

	submission := gsn.RelayTransactionRequest{
		RelayRequest: request,
		Metadata: gsn.RelayMetadata{
			Signature:       signature,
			ApprovalData:    approvalData,
			RelayHubAddress: c.cfg.RelayHubAddress,
			RelayMaxNonce:   maxNonce,
		},
	}
	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.RelayTimeout)
	response, err := c.transport.RelayTransaction(submitCtx, candidate.Info.URL, submission)
	cancel()
	if err != nil {
		return nil, nil, err
	}

	tx, err := validateRelayTransaction(response.SignedTx, expectedRelayTx{
		chainID:      c.chainID,
		worker:       candidate.Ping.RelayWorkerAddress,
		hub:          c.cfg.RelayHubAddress,
		request:      request,
		signature:    signature,
		approvalData: approvalData,
		maxNonce:     maxNonce,
	})
	if err != nil {
		return nil, nil, err
	}
	c.broadcast(ctx, tx)

	receipt, err := waitForReceipt(ctx, c.backend, c.clock, tx.Hash(), c.cfg.ConfirmationTimeout, c.cfg.PollInterval)
	if err != nil {
		return nil, tx, err
	}
	return receipt, tx, relayedCallError(receipt, c.cfg.RelayHubAddress)
}

// buildRequest fills a relay request for candidate's worker and fees.
func (c *RelayClient) buildRequest(ctx context.Context, req TxRequest, nonce *big.Int, ping *gsn.PingResponse) (gsn.RelayRequest, error) {
	gasPrice, err := c.gasPrice(ctx, ping)
	if err != nil {
		return gsn.RelayRequest{}, err
	}

	validUntil := new(big.Int)
	if c.cfg.ValidUntilDuration > 0 {
		head, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return gsn.RelayRequest{}, fmt.Errorf("failed to read head block: %w", err)
		}
		validUntil.SetUint64(head.Time + uint64(c.cfg.ValidUntilDuration/time.Second))
	}

	paymaster := req.Paymaster
	if paymaster == (common.Address{}) {
		paymaster = c.cfg.PaymasterAddress
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	return gsn.RelayRequest{
		From:       req.From,
		To:         req.To,
		Value:      new(big.Int).Set(value),
		Gas:        new(big.Int).SetUint64(req.Gas),
		Nonce:      new(big.Int).Set(nonce),
		Data:       append([]byte{}, req.Data...),
		ValidUntil: validUntil,
		RelayData: gsn.RelayData{
			GasPrice:      gasPrice,
			PctRelayFee:   bigOrZero(ping.PctRelayFee),
			BaseRelayFee:  bigOrZero(ping.BaseRelayFee),
			RelayWorker:   ping.RelayWorkerAddress,
			Paymaster:     paymaster,
			Forwarder:     c.cfg.ForwarderAddress,
			PaymasterData: []byte{},
			ClientId:      big.NewInt(1),
		},
	}, nil
}

// gasPrice is the network price plus GasPricePercent, raised to the relay's
// minimum and capped by MaxGasPrice.
func (c *RelayClient) gasPrice(ctx context.Context, ping *gsn.PingResponse) (*big.Int, error) {
	network, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read gas price: %w", err)
	}
	price := new(big.Int).Mul(network, big.NewInt(100+c.cfg.GasPricePercent))
	price.Div(price, big.NewInt(100))
	if ping.MinGasPrice != nil && price.Cmp(ping.MinGasPrice) < 0 {
		price.Set(ping.MinGasPrice)
	}
	if c.cfg.MaxGasPrice != nil && price.Cmp(c.cfg.MaxGasPrice) > 0 {
		price.Set(c.cfg.MaxGasPrice)
	}
	return price, nil
}

func (c *RelayClient) approvalData(ctx context.Context, request gsn.RelayRequest) ([]byte, error) {
	if c.cfg.AsyncApprovalData == nil {
		return []byte{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RelayTimeout)
	defer cancel()
	data, err := c.cfg.AsyncApprovalData(ctx, request.Clone())
	if err != nil {
		return nil, fmt.Errorf("failed to get approval data: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// broadcast sends tx ourselves so the call lands even if the relay never
// submits it. A transaction the relay already broadcast is fine.
func (c *RelayClient) broadcast(ctx context.Context, tx *types.Transaction) {
	err := c.backend.SendTransaction(ctx, tx)
	if err == nil {
		return
	}
	msg := err.Error()
	if strings.Contains(msg, "already known") || strings.Contains(msg, "nonce too low") {
		return
	}
	c.logger.Warn("failed to broadcast relayed transaction",
		zap.String("txHash", tx.Hash().Hex()), zap.Error(err))
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func detailsOf(reasons map[string]string) map[string]interface{} {
	details := make(map[string]interface{}, len(reasons))
	for url, reason := range reasons {
		details[url] = reason
	}
	return details
}

func summarize(reasons map[string]string) string {
	urls := make([]string, 0, len(reasons))
	for url := range reasons {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	parts := make([]string, 0, len(urls))
	for _, url := range urls {
		parts = append(parts, url+": "+reasons[url])
	}
	return strings.Join(parts, "; ")
}
