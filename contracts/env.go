// Package contracts implements the on-chain components of the relay network:
// the forwarder, stake manager, penalizer, paymasters and relay hub. Each
// contract is addressed through its ABI and executes inside an Env provided
// by the host ledger, which runs one transaction at a time and rolls back a
// call frame's effects when it fails.
package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// Gas schedule charged by contract code.
const (
	GasStorageRead  = 2100
	GasStorageWrite = 5000
	GasEcrecover    = 3000
	GasLog          = 375
	GasLogTopic     = 375
	GasLogData      = 8
	GasComputation  = 200
)

// ErrOutOfGas is returned when a frame exhausts its gas.
var ErrOutOfGas = errors.New("out of gas")

// Env is the execution environment of a single call frame.
type Env interface {
	// Self is the address of the executing contract.
	Self() common.Address
	// Caller is msg.sender.
	Caller() common.Address
	// Origin is tx.origin.
	Origin() common.Address
	// Value is msg.value, already credited to Self.
	Value() *big.Int
	// GasPrice is tx.gasprice.
	GasPrice() *big.Int
	GasLeft() uint64
	UseGas(amount uint64) error
	BlockNumber() uint64
	Time() uint64
	ChainID() *big.Int
	Balance(addr common.Address) *big.Int
	// Call runs a child frame with at most gas. Value moves from Self to
	// to. A failed child is rolled back; its revert data is returned with
	// the error.
	Call(to common.Address, value *big.Int, input []byte, gas uint64) ([]byte, error)
	EmitLog(topics []common.Hash, data []byte) error
}

// Contract is code deployed on the ledger.
type Contract interface {
	Run(env Env, input []byte) ([]byte, error)
	// Snapshot captures the contract's storage and returns a function that
	// restores it.
	Snapshot() func()
}

// Revert aborts a frame with a reason.
type Revert struct {
	Reason string
	Data   []byte
}

func (r *Revert) Error() string {
	return "execution reverted: " + r.Reason
}

// RevertData returns the ABI encoded revert payload.
func (r *Revert) RevertData() []byte {
	if r.Data != nil {
		return r.Data
	}
	return gsnevm.EncodeRevert(r.Reason)
}

// Revertf creates a revert whose reason is "<code>: <message>".
func Revertf(code string, format string, args ...interface{}) *Revert {
	return &Revert{Reason: code + ": " + fmt.Sprintf(format, args...)}
}

// RevertWithData propagates a child's revert data unchanged.
func RevertWithData(data []byte) *Revert {
	reason, ok := gsnevm.DecodeRevert(data)
	if !ok {
		reason = "reverted without reason"
	}
	return &Revert{Reason: reason, Data: data}
}

// ReasonOf extracts a readable reason from revert data.
func ReasonOf(data []byte, err error) string {
	if reason, ok := gsnevm.DecodeRevert(data); ok {
		return reason
	}
	if err != nil {
		return err.Error()
	}
	return "reverted without reason"
}

// dispatch resolves the method addressed by input.
func dispatch(contractABI abi.ABI, input []byte) (*abi.Method, []interface{}, error) {
	method, args, err := gsnevm.UnpackCall(contractABI, input)
	if err != nil {
		return nil, nil, &Revert{Reason: fmt.Sprintf("invalid call: %v", err)}
	}
	return method, args, nil
}

// rejectValue reverts when a non-payable method receives funds.
func rejectValue(env Env, method *abi.Method) error {
	if method.StateMutability != "payable" && env.Value().Sign() > 0 {
		return &Revert{Reason: fmt.Sprintf("%s is not payable", method.Name)}
	}
	return nil
}

// viewCall runs a read-only call and unpacks its outputs.
func viewCall(env Env, to common.Address, contractABI abi.ABI, name string, gas uint64, args ...interface{}) ([]interface{}, error) {
	input, err := gsnevm.Pack(contractABI, name, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", name, err)
	}
	ret, err := env.Call(to, nil, input, gas)
	if err != nil {
		return nil, err
	}
	return contractABI.Unpack(name, ret)
}

func emit(env Env, contractABI abi.ABI, name string, indexed []common.Hash, values ...interface{}) error {
	event := contractABI.Events[name]
	data, err := event.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", name, err)
	}
	topics := append([]common.Hash{event.ID}, indexed...)
	return env.EmitLog(topics, data)
}

func copyBigMap(m map[common.Address]*big.Int) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(m))
	for k, v := range m {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func u64(v *big.Int) uint64 {
	if v == nil || v.Sign() < 0 {
		return 0
	}
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}

// requestCharge is the worst-case charge of a request given gas.
func requestCharge(gas uint64, relayData gsn.RelayData) *big.Int {
	return gsn.CalculateCharge(new(big.Int).SetUint64(gas), relayData)
}
