package relayclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	gsn "github.com/gsnrelay/gsn/go"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
)

// TxRequest is a transaction an application asks the provider to send.
// A zero Gas is estimated and a nil GasPrice is read from the network.
// UseRelay forces the mode when set; otherwise senders that can pay for
// gas go direct and the rest are relayed.
type TxRequest struct {
	From      common.Address
	To        common.Address
	Data      []byte
	Value     *big.Int
	Gas       uint64
	GasPrice  *big.Int
	Paymaster common.Address
	UseRelay  *bool
}

// Provider sends transactions either directly or through the relay network.
type Provider struct {
	backend gsn.Backend
	keys    *evmsigner.KeyRing
	cfg     gsn.Config
	client  *RelayClient
	clock   clock.Clock
	logger  *zap.Logger
}

// NewProvider creates a provider signing with keys.
func NewProvider(ctx context.Context, backend gsn.Backend, keys *evmsigner.KeyRing, cfg gsn.Config, opts ...Option) (*Provider, error) {
	client, err := NewRelayClient(ctx, backend, keys, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Provider{
		backend: backend,
		keys:    keys,
		cfg:     cfg,
		client:  client,
		clock:   client.clock,
		logger:  client.logger,
	}, nil
}

// RelayClient returns the client used for relayed sends
func (p *Provider) RelayClient() *RelayClient {
	return p.client
}

// SendTransaction sends req and waits for its receipt. A transaction that
// reverts on chain is returned with an error.
func (p *Provider) SendTransaction(ctx context.Context, req TxRequest) (*types.Receipt, error) {
	if req.Value == nil {
		req.Value = new(big.Int)
	}
	if req.Gas == 0 {
		gas, err := p.backend.EstimateGas(ctx, ethereum.CallMsg{From: req.From, To: &req.To, Value: req.Value, Data: req.Data})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		req.Gas = gas
	}
	if req.GasPrice == nil {
		price, err := p.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read gas price: %w", err)
		}
		req.GasPrice = price
	}

	relayed, err := p.useRelay(ctx, req)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("sending transaction",
		zap.String("from", req.From.Hex()), zap.String("to", req.To.Hex()), zap.Bool("relayed", relayed))
	if relayed {
		return p.client.RelayTransaction(ctx, req)
	}
	return p.sendDirect(ctx, req)
}

// useRelay decides the mode. Without an explicit choice a sender whose
// balance covers gas*gasPrice+value pays for itself.
func (p *Provider) useRelay(ctx context.Context, req TxRequest) (bool, error) {
	if req.UseRelay != nil {
		return *req.UseRelay, nil
	}
	if p.cfg.ForceRelay {
		return true, nil
	}
	balance, err := p.backend.BalanceAt(ctx, req.From, nil)
	if err != nil {
		return false, fmt.Errorf("failed to read balance of %s: %w", req.From.Hex(), err)
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(req.Gas), req.GasPrice)
	cost.Add(cost, req.Value)
	return balance.Cmp(cost) < 0, nil
}

func (p *Provider) sendDirect(ctx context.Context, req TxRequest) (*types.Receipt, error) {
	signer, ok := p.keys.Get(req.From)
	if !ok {
		return nil, fmt.Errorf("no signing key for %s", req.From.Hex())
	}
	nonce, err := p.backend.PendingNonceAt(ctx, req.From)
	if err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	tx, err := signer.NewLegacyTx(p.client.chainID, nonce, req.To, req.Value, req.Gas, req.GasPrice, req.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := p.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	receipt, err := waitForReceipt(ctx, p.backend, p.clock, tx.Hash(), p.cfg.ConfirmationTimeout, p.cfg.PollInterval)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}
