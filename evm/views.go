package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	gsn "github.com/gsnrelay/gsn/go"
)

// HubConfiguration is the hub's stake requirement.
type HubConfiguration struct {
	MinimumStake        *big.Int
	MinimumUnstakeDelay uint64
	StakeManager        common.Address
}

// Views reads contract state through a Backend.
type Views struct {
	backend gsn.Backend
	hub     common.Address
}

// NewViews binds the view helpers to hub.
func NewViews(backend gsn.Backend, hub common.Address) *Views {
	return &Views{backend: backend, hub: hub}
}

// Hub returns the bound hub address.
func (v *Views) Hub() common.Address {
	return v.hub
}

func (v *Views) call(ctx context.Context, to common.Address, contractABI abi.ABI, name string, args ...interface{}) ([]interface{}, error) {
	data, err := Pack(contractABI, name, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", name, err)
	}
	ret, err := v.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", name, err)
	}
	out, err := contractABI.Unpack(name, ret)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", name, err)
	}
	return out, nil
}

// BalanceOf returns target's hub balance.
func (v *Views) BalanceOf(ctx context.Context, target common.Address) (*big.Int, error) {
	out, err := v.call(ctx, v.hub, RelayHubABI, FunctionBalanceOf, target)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// WorkerToManager returns the manager owning worker, or the zero address.
func (v *Views) WorkerToManager(ctx context.Context, worker common.Address) (common.Address, error) {
	out, err := v.call(ctx, v.hub, RelayHubABI, FunctionWorkerToManager, worker)
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// IsRelayManagerStaked checks manager against the hub's stake requirement.
func (v *Views) IsRelayManagerStaked(ctx context.Context, manager common.Address) (bool, error) {
	out, err := v.call(ctx, v.hub, RelayHubABI, FunctionIsRelayManagerStaked, manager)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// Configuration reads the hub's stake requirement and stake manager.
func (v *Views) Configuration(ctx context.Context) (*HubConfiguration, error) {
	out, err := v.call(ctx, v.hub, RelayHubABI, FunctionGetConfiguration)
	if err != nil {
		return nil, err
	}
	return &HubConfiguration{
		MinimumStake:        out[0].(*big.Int),
		MinimumUnstakeDelay: out[1].(*big.Int).Uint64(),
		StakeManager:        out[2].(common.Address),
	}, nil
}

// PaymasterLimits reads the gas limits paymaster declares.
func (v *Views) PaymasterLimits(ctx context.Context, paymaster common.Address) (gsn.GasLimits, error) {
	out, err := v.call(ctx, paymaster, PaymasterABI, FunctionGetGasAndDataLimits)
	if err != nil {
		return gsn.GasLimits{}, err
	}
	return gsn.GasLimits{
		AcceptanceBudget:        out[0].(*big.Int).Uint64(),
		PreRelayedCallGasLimit:  out[1].(*big.Int).Uint64(),
		PostRelayedCallGasLimit: out[2].(*big.Int).Uint64(),
		CalldataSizeLimit:       out[3].(*big.Int).Uint64(),
	}, nil
}

// ForwarderNonce returns the next nonce forwarder expects from from.
func (v *Views) ForwarderNonce(ctx context.Context, forwarder, from common.Address) (*big.Int, error) {
	out, err := v.call(ctx, forwarder, ForwarderABI, FunctionGetNonce, from)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// StakeInfo is a relay manager's entry in the stake manager.
type StakeInfo struct {
	Stake         *big.Int
	UnstakeDelay  uint64
	WithdrawBlock uint64
	Owner         common.Address
}

// StakeInfo reads manager's stake from stakeManager.
func (v *Views) StakeInfo(ctx context.Context, stakeManager, manager common.Address) (*StakeInfo, error) {
	out, err := v.call(ctx, stakeManager, StakeManagerABI, FunctionGetStakeInfo, manager)
	if err != nil {
		return nil, err
	}
	return &StakeInfo{
		Stake:         out[0].(*big.Int),
		UnstakeDelay:  out[1].(*big.Int).Uint64(),
		WithdrawBlock: out[2].(*big.Int).Uint64(),
		Owner:         out[3].(common.Address),
	}, nil
}
