package network

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gsnrelay/gsn/go/chain"
	"github.com/gsnrelay/gsn/go/contracts"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
	"github.com/gsnrelay/gsn/go/test/mocks/recipient"
)

// Ether is 10^18 wei
var Ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// EtherOf returns n ether in wei
func EtherOf(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Ether)
}

// UnstakeDelay is the delay the fixture stakes with
const UnstakeDelay = 100

// GasPrice is the ledger's default suggested gas price
func GasPrice() *big.Int {
	return new(big.Int).Set(chain.DefaultGasPrice)
}

// ============================================================================
// Network Fixture
// ============================================================================

// Network is a deployed relay network on a simulated ledger with a sample
// recipient and a funded deployer account.
type Network struct {
	Chain      *chain.Simulated
	Deployment *chain.Deployment
	ChainID    *big.Int

	Owner     *evmsigner.Signer
	Recipient common.Address
}

// New deploys a network. Options configure the ledger.
func New(opts ...chain.Option) (*Network, error) {
	sim := chain.NewSimulated(opts...)
	chainID, _ := sim.ChainID(context.Background())

	owner, err := evmsigner.GenerateSigner()
	if err != nil {
		return nil, err
	}
	sim.Fund(owner.Address(), EtherOf(1000))

	d := chain.DeployGSN(sim, chain.DeployOptions{
		MinimumStake:        big.NewInt(1),
		MinimumUnstakeDelay: UnstakeDelay,
	})
	return &Network{
		Chain:      sim,
		Deployment: d,
		ChainID:    chainID,
		Owner:      owner,
		Recipient:  sim.Deploy(recipient.New(d.Forwarder)),
	}, nil
}

// NewAccount creates a signer funded with wei.
func (n *Network) NewAccount(wei *big.Int) (*evmsigner.Signer, error) {
	s, err := evmsigner.GenerateSigner()
	if err != nil {
		return nil, err
	}
	if wei != nil && wei.Sign() > 0 {
		n.Chain.Fund(s.Address(), wei)
	}
	return s, nil
}

// Transact signs and submits a call from signer. A zero gas is estimated.
// The receipt is returned whatever its status.
func (n *Network) Transact(ctx context.Context, from *evmsigner.Signer, to common.Address, value *big.Int, data []byte, gas uint64) (*types.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	if gas == 0 {
		estimated, err := n.Chain.EstimateGas(ctx, ethereum.CallMsg{From: from.Address(), To: &to, Value: value, Data: data})
		if err != nil {
			return nil, err
		}
		gas = estimated
	}
	nonce, err := n.Chain.PendingNonceAt(ctx, from.Address())
	if err != nil {
		return nil, err
	}
	price, err := n.Chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := from.NewLegacyTx(n.ChainID, nonce, to, value, gas, price, data)
	if err != nil {
		return nil, err
	}
	if err := n.Chain.SendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return n.Chain.TransactionReceipt(ctx, tx.Hash())
}

// MustSucceed wraps Transact and fails on a reverted receipt.
func (n *Network) MustSucceed(ctx context.Context, from *evmsigner.Signer, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	receipt, err := n.Transact(ctx, from, to, value, data, 0)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", receipt.TxHash.Hex())
	}
	return receipt, nil
}

// ============================================================================
// Relay And Paymaster Setup
// ============================================================================

// Relay is a staked and registered relay manager with one worker.
type Relay struct {
	Manager *evmsigner.Signer
	Worker  *evmsigner.Signer
}

// RegisterRelay stakes a new manager from the owner account, adds a worker
// and registers url with the given fees.
func (n *Network) RegisterRelay(ctx context.Context, stake *big.Int, baseFee *big.Int, pctFee int64, url string) (*Relay, error) {
	manager, err := n.NewAccount(EtherOf(1))
	if err != nil {
		return nil, err
	}
	worker, err := n.NewAccount(EtherOf(1))
	if err != nil {
		return nil, err
	}
	if err := n.Stake(ctx, manager.Address(), stake); err != nil {
		return nil, err
	}

	data, err := gsnevm.RelayHubABI.Pack(gsnevm.FunctionAddRelayWorkers, []common.Address{worker.Address()})
	if err != nil {
		return nil, err
	}
	if _, err := n.MustSucceed(ctx, manager, n.Deployment.RelayHub, nil, data); err != nil {
		return nil, fmt.Errorf("addRelayWorkers: %w", err)
	}

	data, err = gsnevm.RelayHubABI.Pack(gsnevm.FunctionRegisterRelayServer, baseFee, big.NewInt(pctFee), url)
	if err != nil {
		return nil, err
	}
	if _, err := n.MustSucceed(ctx, manager, n.Deployment.RelayHub, nil, data); err != nil {
		return nil, fmt.Errorf("registerRelayServer: %w", err)
	}
	return &Relay{Manager: manager, Worker: worker}, nil
}

// Stake locks amount for manager from the owner account.
func (n *Network) Stake(ctx context.Context, manager common.Address, amount *big.Int) error {
	data, err := gsnevm.StakeManagerABI.Pack(gsnevm.FunctionStake, manager, amount, big.NewInt(UnstakeDelay))
	if err != nil {
		return err
	}
	if _, err := n.MustSucceed(ctx, n.Owner, n.Deployment.StakeManager, amount, data); err != nil {
		return fmt.Errorf("stake: %w", err)
	}
	return nil
}

// DeployPaymaster installs a paymaster with policy and deposits deposit for it.
func (n *Network) DeployPaymaster(ctx context.Context, policy contracts.Policy, deposit *big.Int) (common.Address, *contracts.Paymaster, error) {
	addr, pm := n.Deployment.DeployPaymaster(n.Chain, n.Owner.Address(), policy)
	if deposit != nil && deposit.Sign() > 0 {
		if err := n.Deposit(ctx, addr, deposit); err != nil {
			return common.Address{}, nil, err
		}
	}
	return addr, pm, nil
}

// Deposit funds target's hub balance from the owner account.
func (n *Network) Deposit(ctx context.Context, target common.Address, amount *big.Int) error {
	data, err := gsnevm.RelayHubABI.Pack(gsnevm.FunctionDepositFor, target)
	if err != nil {
		return err
	}
	if _, err := n.MustSucceed(ctx, n.Owner, n.Deployment.RelayHub, amount, data); err != nil {
		return fmt.Errorf("depositFor: %w", err)
	}
	return nil
}

// HubBalance reads target's hub balance.
func (n *Network) HubBalance(ctx context.Context, target common.Address) (*big.Int, error) {
	out, err := n.HubView(ctx, gsnevm.FunctionBalanceOf, target)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// ForwarderNonce reads from's forwarder nonce.
func (n *Network) ForwarderNonce(ctx context.Context, from common.Address) (*big.Int, error) {
	data, err := gsnevm.ForwarderABI.Pack(gsnevm.FunctionGetNonce, from)
	if err != nil {
		return nil, err
	}
	ret, err := n.Chain.CallContract(ctx, ethereum.CallMsg{To: &n.Deployment.Forwarder, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := gsnevm.ForwarderABI.Unpack(gsnevm.FunctionGetNonce, ret)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// HubView calls a hub view method.
func (n *Network) HubView(ctx context.Context, name string, args ...interface{}) ([]interface{}, error) {
	to := n.Deployment.RelayHub
	data, err := gsnevm.Pack(gsnevm.RelayHubABI, name, args...)
	if err != nil {
		return nil, err
	}
	ret, err := n.Chain.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return gsnevm.RelayHubABI.Unpack(name, ret)
}
