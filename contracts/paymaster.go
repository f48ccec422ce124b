package contracts

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// PolicyKind tags a paymaster acceptance strategy
type PolicyKind string

const (
	PolicyAcceptEverything      PolicyKind = "AcceptEverything"
	PolicyPreconfiguredApproval PolicyKind = "PreconfiguredApproval"
	PolicyWhitelist             PolicyKind = "Whitelist"
)

// Policy decides which requests a paymaster sponsors. AcceptRelayedCall
// must not change state; a returned error rejects the request.
type Policy interface {
	Kind() PolicyKind
	AcceptRelayedCall(env Env, request gsn.RelayRequest, approvalData []byte, maxPossibleCharge *big.Int) ([]byte, error)
	PreRelayedCall(env Env, context []byte) error
	PostRelayedCall(env Env, context []byte, success bool, gasUseWithoutPost *big.Int, relayData gsn.RelayData) error
	GasLimits() gsn.GasLimits
	Snapshot() func()
}

// Paymaster hosts a Policy behind the paymaster ABI. It checks its own hub
// deposit and the trusted forwarder before consulting the policy.
type Paymaster struct {
	owner     common.Address
	hub       common.Address
	forwarder common.Address
	policy    Policy
}

// NewPaymaster creates a paymaster sponsored through hub for requests
// verified by forwarder.
func NewPaymaster(owner, hub, forwarder common.Address, policy Policy) *Paymaster {
	return &Paymaster{owner: owner, hub: hub, forwarder: forwarder, policy: policy}
}

// Policy returns the acceptance strategy
func (p *Paymaster) Policy() Policy {
	return p.policy
}

func (p *Paymaster) Snapshot() func() {
	return p.policy.Snapshot()
}

// Run dispatches an ABI call.
func (p *Paymaster) Run(env Env, input []byte) ([]byte, error) {
	method, args, err := dispatch(gsnevm.PaymasterABI, input)
	if err != nil {
		return nil, err
	}
	if err := rejectValue(env, method); err != nil {
		return nil, err
	}

	switch method.Name {
	case gsnevm.FunctionAcceptRelayedCall:
		request, err := gsnevm.RelayRequestFromABI(args[0])
		if err != nil {
			return nil, &Revert{Reason: err.Error()}
		}
		context, err := p.acceptRelayedCall(env, request, args[2].([]byte), args[3].(*big.Int))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(context)

	case gsnevm.FunctionPreRelayedCall:
		if err := p.onlyHub(env); err != nil {
			return nil, err
		}
		if err := p.policy.PreRelayedCall(env, args[0].([]byte)); err != nil {
			return nil, err
		}
		return method.Outputs.Pack([32]byte{})

	case gsnevm.FunctionPostRelayedCall:
		if err := p.onlyHub(env); err != nil {
			return nil, err
		}
		relayData, err := gsnevm.RelayDataFromABI(args[3])
		if err != nil {
			return nil, &Revert{Reason: err.Error()}
		}
		if err := p.policy.PostRelayedCall(env, args[0].([]byte), args[1].(bool), args[2].(*big.Int), relayData); err != nil {
			return nil, err
		}
		return method.Outputs.Pack()

	case gsnevm.FunctionGetGasAndDataLimits:
		limits := p.policy.GasLimits()
		return method.Outputs.Pack(
			new(big.Int).SetUint64(limits.AcceptanceBudget),
			new(big.Int).SetUint64(limits.PreRelayedCallGasLimit),
			new(big.Int).SetUint64(limits.PostRelayedCallGasLimit),
			new(big.Int).SetUint64(limits.CalldataSizeLimit),
		)

	case gsnevm.FunctionTrustedForwarder:
		return method.Outputs.Pack(p.forwarder)

	case gsnevm.FunctionSetExpectedApprovalData:
		if err := p.onlyOwner(env); err != nil {
			return nil, err
		}
		approval, ok := p.policy.(*PreconfiguredApproval)
		if !ok {
			return nil, &Revert{Reason: "policy has no approval data"}
		}
		if err := env.UseGas(GasStorageWrite); err != nil {
			return nil, err
		}
		approval.SetExpectedApprovalData(args[0].([]byte))
		return method.Outputs.Pack()

	case gsnevm.FunctionWhitelistSender:
		if err := p.onlyOwner(env); err != nil {
			return nil, err
		}
		whitelist, ok := p.policy.(*Whitelist)
		if !ok {
			return nil, &Revert{Reason: "policy has no whitelist"}
		}
		if err := env.UseGas(GasStorageWrite); err != nil {
			return nil, err
		}
		whitelist.SetSender(args[0].(common.Address), args[1].(bool))
		return method.Outputs.Pack()
	}
	return nil, &Revert{Reason: "unknown method " + method.Name}
}

func (p *Paymaster) acceptRelayedCall(env Env, request gsn.RelayRequest, approvalData []byte, maxPossibleCharge *big.Int) ([]byte, error) {
	if request.RelayData.Forwarder != p.forwarder {
		return nil, &Revert{Reason: "Forwarder is not trusted"}
	}

	out, err := viewCall(env, p.hub, gsnevm.RelayHubABI, gsnevm.FunctionBalanceOf, env.GasLeft(), env.Self())
	if err != nil {
		return nil, &Revert{Reason: "failed to read deposit: " + err.Error()}
	}
	deposit := out[0].(*big.Int)
	if deposit.Cmp(maxPossibleCharge) < 0 {
		return nil, Revertf(gsn.ErrCodeInsufficientDeposit, "deposit %s below max possible charge %s", deposit, maxPossibleCharge)
	}

	return p.policy.AcceptRelayedCall(env, request, approvalData, maxPossibleCharge)
}

func (p *Paymaster) onlyHub(env Env) error {
	if env.Caller() != p.hub {
		return Revertf(gsn.ErrCodeUnauthorized, "caller is not the relay hub")
	}
	return nil
}

func (p *Paymaster) onlyOwner(env Env) error {
	if env.Caller() != p.owner {
		return Revertf(gsn.ErrCodeUnauthorized, "caller is not the paymaster owner")
	}
	return nil
}

// basePolicy carries the behavior shared by the reference policies.
type basePolicy struct {
	limits gsn.GasLimits
}

// DefaultGasLimits are the limits of the reference policies.
func DefaultGasLimits() gsn.GasLimits {
	return gsn.GasLimits{
		AcceptanceBudget:        gsnevm.DefaultAcceptanceBudget,
		PreRelayedCallGasLimit:  gsnevm.DefaultPreRelayedCallGasLimit,
		PostRelayedCallGasLimit: gsnevm.DefaultPostRelayedCallGasLimit,
		CalldataSizeLimit:       gsnevm.DefaultCalldataSizeLimit,
	}
}

func (b basePolicy) GasLimits() gsn.GasLimits {
	return b.limits
}

func (b basePolicy) PreRelayedCall(env Env, context []byte) error {
	return env.UseGas(GasComputation)
}

func (b basePolicy) PostRelayedCall(env Env, context []byte, success bool, gasUseWithoutPost *big.Int, relayData gsn.RelayData) error {
	return env.UseGas(GasComputation)
}

func (b basePolicy) Snapshot() func() {
	return func() {}
}

// AcceptEverything sponsors every request.
type AcceptEverything struct {
	basePolicy
}

// NewAcceptEverything creates the unconditional policy
func NewAcceptEverything() *AcceptEverything {
	return &AcceptEverything{basePolicy{limits: DefaultGasLimits()}}
}

func (a *AcceptEverything) Kind() PolicyKind { return PolicyAcceptEverything }

func (a *AcceptEverything) AcceptRelayedCall(env Env, request gsn.RelayRequest, approvalData []byte, maxPossibleCharge *big.Int) ([]byte, error) {
	if err := env.UseGas(GasComputation); err != nil {
		return nil, err
	}
	return []byte{}, nil
}

// PreconfiguredApproval sponsors requests whose approval data matches the
// expected bytes exactly.
type PreconfiguredApproval struct {
	basePolicy
	expected []byte
}

// NewPreconfiguredApproval creates an approval-gated policy
func NewPreconfiguredApproval(expected []byte) *PreconfiguredApproval {
	return &PreconfiguredApproval{
		basePolicy: basePolicy{limits: DefaultGasLimits()},
		expected:   append([]byte{}, expected...),
	}
}

func (a *PreconfiguredApproval) Kind() PolicyKind { return PolicyPreconfiguredApproval }

// SetExpectedApprovalData replaces the expected bytes
func (a *PreconfiguredApproval) SetExpectedApprovalData(expected []byte) {
	a.expected = append([]byte{}, expected...)
}

// ExpectedApprovalData returns a copy of the expected bytes
func (a *PreconfiguredApproval) ExpectedApprovalData() []byte {
	return append([]byte{}, a.expected...)
}

func (a *PreconfiguredApproval) AcceptRelayedCall(env Env, request gsn.RelayRequest, approvalData []byte, maxPossibleCharge *big.Int) ([]byte, error) {
	if err := env.UseGas(GasStorageRead); err != nil {
		return nil, err
	}
	if !bytes.Equal(approvalData, a.expected) {
		return nil, Revertf(gsn.ErrCodeApprovalRejected, "unexpected approvalData: '%s' instead of '%s'",
			renderBytes(approvalData), renderBytes(a.expected))
	}
	return []byte{}, nil
}

func (a *PreconfiguredApproval) Snapshot() func() {
	saved := append([]byte{}, a.expected...)
	return func() { a.expected = saved }
}

// Whitelist sponsors requests from listed senders only.
type Whitelist struct {
	basePolicy
	senders map[common.Address]bool
}

// NewWhitelist creates a sender whitelist policy
func NewWhitelist(senders ...common.Address) *Whitelist {
	w := &Whitelist{
		basePolicy: basePolicy{limits: DefaultGasLimits()},
		senders:    make(map[common.Address]bool),
	}
	for _, s := range senders {
		w.senders[s] = true
	}
	return w
}

func (w *Whitelist) Kind() PolicyKind { return PolicyWhitelist }

// SetSender adds or removes a sender
func (w *Whitelist) SetSender(sender common.Address, allowed bool) {
	if allowed {
		w.senders[sender] = true
		return
	}
	delete(w.senders, sender)
}

func (w *Whitelist) AcceptRelayedCall(env Env, request gsn.RelayRequest, approvalData []byte, maxPossibleCharge *big.Int) ([]byte, error) {
	if err := env.UseGas(GasStorageRead); err != nil {
		return nil, err
	}
	if !w.senders[request.From] {
		return nil, Revertf(gsn.ErrCodeApprovalRejected, "sender %s is not whitelisted", request.From.Hex())
	}
	return []byte{}, nil
}

func (w *Whitelist) Snapshot() func() {
	saved := make(map[common.Address]bool, len(w.senders))
	for k, v := range w.senders {
		saved[k] = v
	}
	return func() { w.senders = saved }
}

// renderBytes prints printable ASCII as text and anything else as hex.
func renderBytes(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return hexutil.Encode(b)
		}
	}
	return string(b)
}
