package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// StakeInfo is the collateral escrowed for a relay manager.
type StakeInfo struct {
	Owner         common.Address
	Amount        *big.Int
	UnstakeDelay  uint64
	WithdrawBlock uint64
}

func (s StakeInfo) clone() StakeInfo {
	s.Amount = new(big.Int).Set(bigOrZero(s.Amount))
	return s
}

// StakeManager escrows relay collateral. Stakes can be released to their
// owner after an unstake delay or confiscated by an authorized penalizer.
type StakeManager struct {
	stakes     map[common.Address]StakeInfo
	penalizers map[common.Address]bool
}

// NewStakeManager creates a stake manager whose penalize method is open to penalizers.
func NewStakeManager(penalizers ...common.Address) *StakeManager {
	sm := &StakeManager{
		stakes:     make(map[common.Address]StakeInfo),
		penalizers: make(map[common.Address]bool),
	}
	for _, p := range penalizers {
		sm.penalizers[p] = true
	}
	return sm
}

// AuthorizePenalizer allows addr to call penalize. It is a deployment step.
func (sm *StakeManager) AuthorizePenalizer(addr common.Address) {
	sm.penalizers[addr] = true
}

func (sm *StakeManager) Snapshot() func() {
	saved := make(map[common.Address]StakeInfo, len(sm.stakes))
	for k, v := range sm.stakes {
		saved[k] = v.clone()
	}
	return func() { sm.stakes = saved }
}

// Run dispatches an ABI call.
func (sm *StakeManager) Run(env Env, input []byte) ([]byte, error) {
	method, args, err := dispatch(gsnevm.StakeManagerABI, input)
	if err != nil {
		return nil, err
	}
	if err := rejectValue(env, method); err != nil {
		return nil, err
	}

	switch method.Name {
	case gsnevm.FunctionStake:
		if err := sm.stake(env, args[0].(common.Address), args[1].(*big.Int), args[2].(*big.Int)); err != nil {
			return nil, err
		}
	case gsnevm.FunctionUnstake:
		if err := sm.unstake(env, args[0].(common.Address)); err != nil {
			return nil, err
		}
	case gsnevm.FunctionWithdraw:
		if err := sm.withdraw(env, args[0].(common.Address)); err != nil {
			return nil, err
		}
	case gsnevm.FunctionPenalize:
		if err := sm.penalize(env, args[0].(common.Address), args[1].(common.Address)); err != nil {
			return nil, err
		}
	case gsnevm.FunctionGetStakeInfo:
		if err := env.UseGas(GasStorageRead); err != nil {
			return nil, err
		}
		info := sm.info(args[0].(common.Address))
		return method.Outputs.Pack(info.Amount, new(big.Int).SetUint64(info.UnstakeDelay), new(big.Int).SetUint64(info.WithdrawBlock), info.Owner)
	case gsnevm.FunctionIsRelayManagerStaked:
		if err := env.UseGas(GasStorageRead); err != nil {
			return nil, err
		}
		staked := sm.isStaked(args[0].(common.Address), args[1].(*big.Int), u64(args[2].(*big.Int)))
		return method.Outputs.Pack(staked)
	default:
		return nil, &Revert{Reason: "unknown method " + method.Name}
	}
	return method.Outputs.Pack()
}

func (sm *StakeManager) info(manager common.Address) StakeInfo {
	if s, ok := sm.stakes[manager]; ok {
		return s.clone()
	}
	return StakeInfo{Amount: new(big.Int)}
}

func (sm *StakeManager) isStaked(manager common.Address, minAmount *big.Int, minDelay uint64) bool {
	s := sm.info(manager)
	return s.Amount.Sign() > 0 &&
		s.Amount.Cmp(minAmount) >= 0 &&
		s.UnstakeDelay >= minDelay &&
		s.WithdrawBlock == 0
}

func (sm *StakeManager) stake(env Env, manager common.Address, amount, delay *big.Int) error {
	if err := env.UseGas(GasStorageRead + 2*GasStorageWrite); err != nil {
		return err
	}
	if env.Value().Cmp(amount) != 0 {
		return &Revert{Reason: "stake value mismatch"}
	}
	if manager == env.Caller() {
		return Revertf(gsn.ErrCodeUnauthorized, "relay manager cannot stake for itself")
	}

	s := sm.info(manager)
	if s.Owner != (common.Address{}) && s.Owner != env.Caller() {
		return Revertf(gsn.ErrCodeUnauthorized, "caller is not the stake owner")
	}
	newDelay := u64(delay)
	if newDelay < s.UnstakeDelay {
		return Revertf(gsn.ErrCodeDelayTooShort, "unstake delay %d is below current %d", newDelay, s.UnstakeDelay)
	}

	s.Owner = env.Caller()
	s.Amount.Add(s.Amount, amount)
	s.UnstakeDelay = newDelay
	sm.stakes[manager] = s

	return emit(env, gsnevm.StakeManagerABI, gsnevm.EventStakeAdded,
		[]common.Hash{gsnevm.AddressTopic(manager), gsnevm.AddressTopic(s.Owner)},
		new(big.Int).Set(s.Amount), new(big.Int).SetUint64(s.UnstakeDelay))
}

func (sm *StakeManager) unstake(env Env, manager common.Address) error {
	if err := env.UseGas(GasStorageRead + GasStorageWrite); err != nil {
		return err
	}
	s := sm.info(manager)
	if s.Amount.Sign() == 0 {
		return Revertf(gsn.ErrCodeNotStaked, "relay manager %s has no stake", manager.Hex())
	}
	if s.Owner != env.Caller() {
		return Revertf(gsn.ErrCodeUnauthorized, "caller is not the stake owner")
	}
	if s.WithdrawBlock != 0 {
		return Revertf(gsn.ErrCodeCooldownNotReached, "already unstaking until block %d", s.WithdrawBlock)
	}

	s.WithdrawBlock = env.BlockNumber() + s.UnstakeDelay
	sm.stakes[manager] = s

	return emit(env, gsnevm.StakeManagerABI, gsnevm.EventStakeUnlocked,
		[]common.Hash{gsnevm.AddressTopic(manager), gsnevm.AddressTopic(s.Owner)},
		new(big.Int).SetUint64(s.WithdrawBlock))
}

func (sm *StakeManager) withdraw(env Env, manager common.Address) error {
	if err := env.UseGas(GasStorageRead + GasStorageWrite); err != nil {
		return err
	}
	s := sm.info(manager)
	if s.Amount.Sign() == 0 {
		return Revertf(gsn.ErrCodeNotStaked, "relay manager %s has no stake", manager.Hex())
	}
	if s.Owner != env.Caller() {
		return Revertf(gsn.ErrCodeUnauthorized, "caller is not the stake owner")
	}
	if s.WithdrawBlock == 0 {
		return Revertf(gsn.ErrCodeCooldownNotReached, "unstake was not requested")
	}
	if env.BlockNumber() < s.WithdrawBlock {
		return Revertf(gsn.ErrCodeCooldownNotReached, "withdrawal possible at block %d, now %d", s.WithdrawBlock, env.BlockNumber())
	}

	delete(sm.stakes, manager)
	if _, err := env.Call(s.Owner, s.Amount, nil, 0); err != nil {
		return &Revert{Reason: "stake transfer failed"}
	}

	return emit(env, gsnevm.StakeManagerABI, gsnevm.EventStakeWithdrawn,
		[]common.Hash{gsnevm.AddressTopic(manager), gsnevm.AddressTopic(s.Owner)}, s.Amount)
}

// penalize moves the whole stake to beneficiary regardless of any pending withdrawal.
func (sm *StakeManager) penalize(env Env, manager, beneficiary common.Address) error {
	if err := env.UseGas(GasStorageRead + GasStorageWrite); err != nil {
		return err
	}
	if !sm.penalizers[env.Caller()] {
		return Revertf(gsn.ErrCodeUnauthorized, "caller %s is not a penalizer", env.Caller().Hex())
	}
	s := sm.info(manager)
	if s.Amount.Sign() == 0 {
		return Revertf(gsn.ErrCodeNotStaked, "relay manager %s has no stake", manager.Hex())
	}

	delete(sm.stakes, manager)
	if _, err := env.Call(beneficiary, s.Amount, nil, 0); err != nil {
		return &Revert{Reason: "reward transfer failed"}
	}

	return emit(env, gsnevm.StakeManagerABI, gsnevm.EventStakePenalized,
		[]common.Hash{gsnevm.AddressTopic(manager), gsnevm.AddressTopic(beneficiary)}, s.Amount)
}
