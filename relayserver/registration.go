package relayserver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	gsnevm "github.com/gsnrelay/gsn/go/evm"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
)

const receiptPollInterval = time.Second

// Register brings the relay on-chain: the owner stakes for the manager if
// needed, the manager adds its worker, funds it and registers its URL and
// fees. Re-running it on a registered relay only refreshes the
// registration. owner may be nil when the manager is already staked.
func (s *RelayServer) Register(ctx context.Context, owner *evmsigner.Signer) error {
	hubConfig, err := s.views.Configuration(ctx)
	if err != nil {
		return err
	}
	stakeManager := s.cfg.StakeManagerAddress
	if stakeManager == (common.Address{}) {
		stakeManager = hubConfig.StakeManager
	}
	manager := s.manager.Address()

	staked, err := s.views.IsRelayManagerStaked(ctx, manager)
	if err != nil {
		return err
	}
	if !staked {
		if owner == nil {
			return fmt.Errorf("relay manager %s is not staked and no owner key is configured", manager.Hex())
		}
		amount := maxBig(s.cfg.Stake, hubConfig.MinimumStake)
		delay := s.cfg.UnstakeDelay
		if delay < hubConfig.MinimumUnstakeDelay {
			delay = hubConfig.MinimumUnstakeDelay
		}
		data, err := gsnevm.StakeManagerABI.Pack(gsnevm.FunctionStake, manager, amount, new(big.Int).SetUint64(delay))
		if err != nil {
			return err
		}
		if _, err := s.sendAndWait(ctx, owner, stakeManager, amount, data); err != nil {
			return fmt.Errorf("stake: %w", err)
		}
		s.logger.Info("staked relay manager", zap.String("stake", amount.String()), zap.Uint64("unstakeDelay", delay))
	}

	workerManager, err := s.views.WorkerToManager(ctx, s.worker.Address())
	if err != nil {
		return err
	}
	if workerManager != manager {
		data, err := gsnevm.RelayHubABI.Pack(gsnevm.FunctionAddRelayWorkers, []common.Address{s.worker.Address()})
		if err != nil {
			return err
		}
		if _, err := s.sendAndWait(ctx, s.manager, s.cfg.RelayHubAddress, nil, data); err != nil {
			return fmt.Errorf("addRelayWorkers: %w", err)
		}
		s.logger.Info("added relay worker")
	}

	if err := s.fundWorker(ctx); err != nil {
		return err
	}

	data, err := gsnevm.RelayHubABI.Pack(gsnevm.FunctionRegisterRelayServer,
		new(big.Int).Set(s.cfg.BaseRelayFee), big.NewInt(s.cfg.PctRelayFee), s.cfg.URL)
	if err != nil {
		return err
	}
	if _, err := s.sendAndWait(ctx, s.manager, s.cfg.RelayHubAddress, nil, data); err != nil {
		return fmt.Errorf("registerRelayServer: %w", err)
	}
	s.logger.Info("registered relay server", zap.String("url", s.cfg.URL))
	return nil
}

// fundWorker tops the worker up to its target balance from the manager.
func (s *RelayServer) fundWorker(ctx context.Context) error {
	if s.cfg.WorkerMinBalance == nil || s.cfg.WorkerTargetBalance == nil {
		return nil
	}
	balance, err := s.backend.BalanceAt(ctx, s.worker.Address(), nil)
	if err != nil {
		return err
	}
	if balance.Cmp(s.cfg.WorkerMinBalance) >= 0 {
		return nil
	}
	amount := new(big.Int).Sub(s.cfg.WorkerTargetBalance, balance)
	if amount.Sign() <= 0 {
		return nil
	}
	if _, err := s.sendAndWait(ctx, s.manager, s.worker.Address(), amount, nil); err != nil {
		return fmt.Errorf("fund worker: %w", err)
	}
	s.logger.Info("funded relay worker", zap.String("amount", amount.String()))
	return nil
}

// Replenish withdraws the worker's hub earnings to the worker when its
// native balance falls below WorkerMinBalance.
func (s *RelayServer) Replenish(ctx context.Context) error {
	if s.cfg.WorkerMinBalance == nil {
		return nil
	}
	for _, tracked := range s.txm.Pending() {
		if gsnevm.IsCallTo(gsnevm.RelayHubABI, tracked.Data, gsnevm.FunctionWithdraw) {
			return nil
		}
	}

	worker := s.worker.Address()
	balance, err := s.backend.BalanceAt(ctx, worker, nil)
	if err != nil {
		return err
	}
	if balance.Cmp(s.cfg.WorkerMinBalance) >= 0 {
		return nil
	}
	earned, err := s.views.BalanceOf(ctx, worker)
	if err != nil {
		return err
	}
	if earned.Sign() == 0 {
		s.logger.Warn("worker balance is low and there are no hub earnings to withdraw",
			zap.String("balance", balance.String()))
		return nil
	}

	amount := earned
	if s.cfg.WorkerTargetBalance != nil {
		if need := new(big.Int).Sub(s.cfg.WorkerTargetBalance, balance); need.Sign() > 0 && need.Cmp(earned) < 0 {
			amount = need
		}
	}
	data, err := gsnevm.RelayHubABI.Pack(gsnevm.FunctionWithdraw, amount, worker)
	if err != nil {
		return err
	}
	gasPrice, err := s.MinGasPrice(ctx)
	if err != nil {
		return err
	}
	hub := s.cfg.RelayHubAddress
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: worker, To: &hub, Data: data})
	if err != nil {
		return fmt.Errorf("failed to estimate withdraw: %w", err)
	}
	if _, _, err := s.txm.Send(ctx, SendRequest{To: hub, Data: data, Gas: gas, GasPrice: gasPrice}); err != nil {
		return err
	}
	s.metrics.replenished.Inc()
	s.logger.Info("withdrawing hub earnings to worker", zap.String("amount", amount.String()))
	return nil
}

// sendAndWait signs a transaction from signer outside the worker nonce
// sequence and waits for it to be mined successfully.
func (s *RelayServer) sendAndWait(ctx context.Context, signer *evmsigner.Signer, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: signer.Address(), To: &to, Value: value, Data: data})
	if err != nil {
		return nil, err
	}
	nonce, err := s.backend.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return nil, err
	}
	gasPrice, err := s.MinGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := signer.NewLegacyTx(s.chainID, nonce, to, value, gas, gasPrice, data)
	if err != nil {
		return nil, err
	}
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	receipt, err := s.waitForReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}

func (s *RelayServer) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s not mined: %w", hash.Hex(), ctx.Err())
		case <-s.clock.After(receiptPollInterval):
		}
	}
}

func maxBig(a, b *big.Int) *big.Int {
	if a == nil {
		return new(big.Int).Set(b)
	}
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(b)
	}
	return new(big.Int).Set(a)
}
