package recipient

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gsnrelay/gsn/go/contracts"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// ============================================================================
// Sample Recipient ABI
// ============================================================================

// ABIJSON is the recipient's interface
var ABIJSON = []byte(`[
	{
		"type": "function", "name": "emitMessage", "stateMutability": "nonpayable",
		"inputs": [{"name": "message", "type": "string"}],
		"outputs": []
	},
	{
		"type": "function", "name": "testRevert", "stateMutability": "nonpayable",
		"inputs": [],
		"outputs": []
	},
	{
		"type": "function", "name": "burnGas", "stateMutability": "nonpayable",
		"inputs": [{"name": "amount", "type": "uint256"}],
		"outputs": []
	},
	{
		"type": "function", "name": "returnData", "stateMutability": "nonpayable",
		"inputs": [{"name": "size", "type": "uint256"}],
		"outputs": [{"name": "", "type": "bytes"}]
	},
	{
		"type": "function", "name": "lastMessage", "stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}]
	},
	{
		"type": "event", "name": "SampleRecipientEmitted", "anonymous": false,
		"inputs": [
			{"name": "message", "type": "string", "indexed": false},
			{"name": "realSender", "type": "address", "indexed": false},
			{"name": "msgSender", "type": "address", "indexed": false},
			{"name": "origin", "type": "address", "indexed": false}
		]
	}
]`)

// ABI is the parsed recipient interface
var ABI = gsnevm.MustParseABI(ABIJSON)

// Emitted is a decoded SampleRecipientEmitted event
type Emitted struct {
	Message    string
	RealSender common.Address
	MsgSender  common.Address
	Origin     common.Address
}

// ============================================================================
// Sample Recipient
// ============================================================================

// Recipient is a forwarder-aware target contract. Calls arriving through
// the trusted forwarder are attributed to the address appended to the call data.
type Recipient struct {
	trustedForwarder common.Address
	lastMessage      string
}

// New creates a recipient trusting forwarder
func New(forwarder common.Address) *Recipient {
	return &Recipient{trustedForwarder: forwarder}
}

func (r *Recipient) Snapshot() func() {
	saved := r.lastMessage
	return func() { r.lastMessage = saved }
}

// Run dispatches an ABI call
func (r *Recipient) Run(env contracts.Env, input []byte) ([]byte, error) {
	sender := env.Caller()
	if sender == r.trustedForwarder && len(input) >= 4+gsnevm.AddressLength {
		sender = common.BytesToAddress(input[len(input)-gsnevm.AddressLength:])
		input = input[:len(input)-gsnevm.AddressLength]
	}

	method, args, err := gsnevm.UnpackCall(ABI, input)
	if err != nil {
		return nil, &contracts.Revert{Reason: err.Error()}
	}

	switch method.Name {
	case "emitMessage":
		if err := env.UseGas(contracts.GasStorageWrite); err != nil {
			return nil, err
		}
		r.lastMessage = args[0].(string)
		event := ABI.Events["SampleRecipientEmitted"]
		data, err := event.Inputs.Pack(r.lastMessage, sender, env.Caller(), env.Origin())
		if err != nil {
			return nil, err
		}
		if err := env.EmitLog([]common.Hash{event.ID}, data); err != nil {
			return nil, err
		}
		return method.Outputs.Pack()

	case "testRevert":
		return nil, &contracts.Revert{Reason: "always fail"}

	case "burnGas":
		if err := env.UseGas(args[0].(*big.Int).Uint64()); err != nil {
			return nil, err
		}
		return method.Outputs.Pack()

	case "returnData":
		return method.Outputs.Pack(make([]byte, args[0].(*big.Int).Uint64()))

	case "lastMessage":
		return method.Outputs.Pack(r.lastMessage)
	}
	return nil, &contracts.Revert{Reason: "unknown method " + method.Name}
}

// ParseEmitted decodes the data of a SampleRecipientEmitted log
func ParseEmitted(data []byte) (*Emitted, error) {
	values, err := ABI.Events["SampleRecipientEmitted"].Inputs.Unpack(data)
	if err != nil {
		return nil, err
	}
	return &Emitted{
		Message:    values[0].(string),
		RealSender: values[1].(common.Address),
		MsgSender:  values[2].(common.Address),
		Origin:     values[3].(common.Address),
	}, nil
}

// EventID is the topic of SampleRecipientEmitted
func EventID() common.Hash {
	return ABI.Events["SampleRecipientEmitted"].ID
}

// EmittedIn decodes every SampleRecipientEmitted log in logs.
func EmittedIn(logs []*types.Log) []*Emitted {
	var out []*Emitted
	for _, l := range logs {
		if len(l.Topics) == 0 || l.Topics[0] != EventID() {
			continue
		}
		if ev, err := ParseEmitted(l.Data); err == nil {
			out = append(out, ev)
		}
	}
	return out
}
