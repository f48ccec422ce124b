package chain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gsnrelay/gsn/go/contracts"
)

const (
	// gas charged by a frame for each outgoing call
	callGas = 700
	// maximum nesting of call frames
	maxCallDepth = 64
)

// execution is the transaction-wide context shared by all frames of one
// message.
type execution struct {
	origin      common.Address
	gasPrice    *big.Int
	blockNumber uint64
	time        uint64
	logs        []*types.Log
}

// frame is the Env handed to a contract for one call.
type frame struct {
	ledger *Simulated
	exec   *execution
	self   common.Address
	caller common.Address
	value  *big.Int
	gas    uint64
	depth  int
}

var _ contracts.Env = (*frame)(nil)

func (f *frame) Self() common.Address   { return f.self }
func (f *frame) Caller() common.Address { return f.caller }
func (f *frame) Origin() common.Address { return f.exec.origin }
func (f *frame) Value() *big.Int        { return new(big.Int).Set(f.value) }
func (f *frame) GasPrice() *big.Int     { return new(big.Int).Set(f.exec.gasPrice) }
func (f *frame) GasLeft() uint64        { return f.gas }
func (f *frame) BlockNumber() uint64    { return f.exec.blockNumber }
func (f *frame) Time() uint64           { return f.exec.time }
func (f *frame) ChainID() *big.Int      { return new(big.Int).Set(f.ledger.chainID) }

func (f *frame) Balance(addr common.Address) *big.Int {
	return f.ledger.balance(addr)
}

func (f *frame) UseGas(amount uint64) error {
	if amount > f.gas {
		f.gas = 0
		return contracts.ErrOutOfGas
	}
	f.gas -= amount
	return nil
}

func (f *frame) Call(to common.Address, value *big.Int, input []byte, gas uint64) ([]byte, error) {
	if err := f.UseGas(callGas); err != nil {
		return nil, err
	}
	if gas > f.gas {
		gas = f.gas
	}
	f.gas -= gas
	ret, left, err := f.ledger.call(f.exec, f.self, to, value, input, gas, f.depth+1)
	f.gas += left
	return ret, err
}

func (f *frame) EmitLog(topics []common.Hash, data []byte) error {
	cost := uint64(contracts.GasLog) + uint64(len(topics))*contracts.GasLogTopic + uint64(len(data))*contracts.GasLogData
	if err := f.UseGas(cost); err != nil {
		return err
	}
	f.exec.logs = append(f.exec.logs, &types.Log{
		Address: f.self,
		Topics:  append([]common.Hash{}, topics...),
		Data:    append([]byte{}, data...),
	})
	return nil
}

// call runs a message frame and returns its output, the unused gas and the
// failure if any. A failed frame leaves no trace in state or logs.
func (s *Simulated) call(exec *execution, caller, to common.Address, value *big.Int, input []byte, gas uint64, depth int) ([]byte, uint64, error) {
	if depth > maxCallDepth {
		return nil, gas, ErrMaxCallDepthExceeded
	}
	if value == nil {
		value = new(big.Int)
	}

	restore := s.snapshot()
	logCount := len(exec.logs)
	rollback := func() {
		restore()
		exec.logs = exec.logs[:logCount]
	}

	if value.Sign() > 0 {
		if s.balance(caller).Cmp(value) < 0 {
			rollback()
			return nil, gas, &contracts.Revert{Reason: "insufficient balance for transfer"}
		}
		s.balances[caller] = new(big.Int).Sub(s.balance(caller), value)
		s.balances[to] = new(big.Int).Add(s.balance(to), value)
	}

	code, ok := s.code[to]
	if !ok {
		return nil, gas, nil
	}

	f := &frame{ledger: s, exec: exec, self: to, caller: caller, value: value, gas: gas, depth: depth}
	ret, err := code.Run(f, input)
	if err != nil {
		rollback()
		var revert *contracts.Revert
		if errors.As(err, &revert) {
			return revert.RevertData(), f.gas, err
		}
		if errors.Is(err, contracts.ErrOutOfGas) {
			return nil, 0, err
		}
		return nil, f.gas, err
	}
	return ret, f.gas, nil
}

// snapshot captures balances and contract storage.
func (s *Simulated) snapshot() func() {
	balances := make(map[common.Address]*big.Int, len(s.balances))
	for k, v := range s.balances {
		balances[k] = new(big.Int).Set(v)
	}
	restores := make([]func(), 0, len(s.code))
	for _, c := range s.code {
		restores = append(restores, c.Snapshot())
	}
	return func() {
		s.balances = balances
		for _, r := range restores {
			r()
		}
	}
}
