package evm

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	gsn "github.com/gsnrelay/gsn/go"
)

// RelayRequestFromABI converts an unpacked request tuple into a RelayRequest.
func RelayRequestFromABI(v interface{}) (gsn.RelayRequest, error) {
	var out gsn.RelayRequest
	if err := convert(v, &out); err != nil {
		return gsn.RelayRequest{}, fmt.Errorf("invalid relay request tuple: %w", err)
	}
	return out, nil
}

// RelayDataFromABI converts an unpacked relay data tuple into RelayData.
func RelayDataFromABI(v interface{}) (gsn.RelayData, error) {
	var out gsn.RelayData
	if err := convert(v, &out); err != nil {
		return gsn.RelayData{}, fmt.Errorf("invalid relay data tuple: %w", err)
	}
	return out, nil
}

func convert(v interface{}, out interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	abi.ConvertType(v, out)
	return nil
}

type relayDataTuple struct {
	GasPrice      *big.Int
	PctRelayFee   *big.Int
	BaseRelayFee  *big.Int
	RelayWorker   common.Address
	Paymaster     common.Address
	Forwarder     common.Address
	PaymasterData []byte
	ClientId      *big.Int
}

type relayRequestTuple struct {
	From       common.Address
	To         common.Address
	Value      *big.Int
	Gas        *big.Int
	Nonce      *big.Int
	Data       []byte
	ValidUntil *big.Int
	RelayData  relayDataTuple
}

func toRelayDataTuple(d gsn.RelayData) relayDataTuple {
	return relayDataTuple{
		GasPrice:      d.GasPrice,
		PctRelayFee:   d.PctRelayFee,
		BaseRelayFee:  d.BaseRelayFee,
		RelayWorker:   d.RelayWorker,
		Paymaster:     d.Paymaster,
		Forwarder:     d.Forwarder,
		PaymasterData: append([]byte{}, d.PaymasterData...),
		ClientId:      d.ClientId,
	}
}

func toRelayRequestTuple(r gsn.RelayRequest) relayRequestTuple {
	return relayRequestTuple{
		From:       r.From,
		To:         r.To,
		Value:      r.Value,
		Gas:        r.Gas,
		Nonce:      r.Nonce,
		Data:       append([]byte{}, r.Data...),
		ValidUntil: r.ValidUntil,
		RelayData:  toRelayDataTuple(r.RelayData),
	}
}

// Pack encodes a call to name. RelayRequest and RelayData arguments are
// normalized and lowered to tuples carrying plain []byte, the only bytes
// representation the ABI encoder accepts.
func Pack(contractABI abi.ABI, name string, args ...interface{}) ([]byte, error) {
	lowered := make([]interface{}, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case gsn.RelayRequest:
			r := v.Clone()
			r.Normalize()
			lowered[i] = toRelayRequestTuple(r)
		case *gsn.RelayRequest:
			r := v.Clone()
			r.Normalize()
			lowered[i] = toRelayRequestTuple(r)
		case gsn.RelayData:
			r := gsn.RelayRequest{RelayData: v}
			r = r.Clone()
			r.Normalize()
			lowered[i] = toRelayDataTuple(r.RelayData)
		default:
			lowered[i] = arg
		}
	}
	return contractABI.Pack(name, lowered...)
}

// RelayCallArgs are the decoded arguments of RelayHub.relayCall.
type RelayCallArgs struct {
	Request          gsn.RelayRequest
	Signature        []byte
	ApprovalData     []byte
	ExternalGasLimit *big.Int
}

// PackRelayCall encodes a relayCall invocation.
func PackRelayCall(request gsn.RelayRequest, signature, approvalData []byte, externalGasLimit uint64) ([]byte, error) {
	if approvalData == nil {
		approvalData = []byte{}
	}
	return Pack(RelayHubABI, FunctionRelayCall, request, signature, approvalData, new(big.Int).SetUint64(externalGasLimit))
}

// relayCallGasMargin absorbs the intrinsic gas difference between the draft
// and final encodings of the external gas limit.
const relayCallGasMargin = 1000

// PackRelayCallWithLimit encodes relayCall for a worker transaction and
// returns the transaction gas limit, which is also the encoded external
// gas limit.
func PackRelayCallWithLimit(request gsn.RelayRequest, signature, approvalData []byte, limits gsn.GasLimits) ([]byte, uint64, error) {
	maxGas := MaxPossibleGas(request.Gas.Uint64(), limits.AcceptanceBudget, limits.PreRelayedCallGasLimit, limits.PostRelayedCallGasLimit)
	draft, err := PackRelayCall(request, signature, approvalData, maxGas)
	if err != nil {
		return nil, 0, err
	}
	gasLimit := maxGas + IntrinsicGas(draft) + relayCallGasMargin
	data, err := PackRelayCall(request, signature, approvalData, gasLimit)
	if err != nil {
		return nil, 0, err
	}
	return data, gasLimit, nil
}

// UnpackRelayCall decodes relayCall calldata (selector included).
func UnpackRelayCall(data []byte) (*RelayCallArgs, error) {
	method, args, err := UnpackCall(RelayHubABI, data)
	if err != nil {
		return nil, err
	}
	if method.Name != FunctionRelayCall {
		return nil, fmt.Errorf("not a relayCall: %s", method.Name)
	}
	request, err := RelayRequestFromABI(args[0])
	if err != nil {
		return nil, err
	}
	return &RelayCallArgs{
		Request:          request,
		Signature:        args[1].([]byte),
		ApprovalData:     args[2].([]byte),
		ExternalGasLimit: args[3].(*big.Int),
	}, nil
}

// UnpackCall resolves the method addressed by data and decodes its inputs.
func UnpackCall(contractABI abi.ABI, data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	method, err := contractABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unpack %s arguments: %w", method.Name, err)
	}
	return method, args, nil
}

// IsCallTo reports whether data invokes one of the named methods of contractABI.
func IsCallTo(contractABI abi.ABI, data []byte, names ...string) bool {
	if len(data) < 4 {
		return false
	}
	for _, name := range names {
		method, ok := contractABI.Methods[name]
		if ok && bytes.Equal(method.ID, data[:4]) {
			return true
		}
	}
	return false
}

// TransactionRelayed is the decoded hub event for a relayed call.
type TransactionRelayed struct {
	RelayManager common.Address
	RelayWorker  common.Address
	From         common.Address
	To           common.Address
	Paymaster    common.Address
	Selector     [4]byte
	Status       gsn.RelayCallStatus
	Charge       *big.Int
}

// TransactionResult carries the status and return data of a relayed call.
type TransactionResult struct {
	Status      gsn.RelayCallStatus
	ReturnValue []byte
}

// RelayServerRegistered is the registration event relays emit.
type RelayServerRegistered struct {
	RelayManager common.Address
	BaseRelayFee *big.Int
	PctRelayFee  *big.Int
	RelayURL     string
	BlockNumber  uint64
}

// ParseTransactionRelayed decodes a TransactionRelayed log.
func ParseTransactionRelayed(log types.Log) (*TransactionRelayed, error) {
	event := RelayHubABI.Events[EventTransactionRelayed]
	if len(log.Topics) != 4 || log.Topics[0] != event.ID {
		return nil, fmt.Errorf("not a %s log", EventTransactionRelayed)
	}
	values, err := event.Inputs.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", EventTransactionRelayed, err)
	}
	return &TransactionRelayed{
		RelayManager: common.BytesToAddress(log.Topics[1].Bytes()),
		RelayWorker:  common.BytesToAddress(log.Topics[2].Bytes()),
		From:         common.BytesToAddress(log.Topics[3].Bytes()),
		To:           values[0].(common.Address),
		Paymaster:    values[1].(common.Address),
		Selector:     values[2].([4]byte),
		Status:       gsn.RelayCallStatus(values[3].(uint8)),
		Charge:       values[4].(*big.Int),
	}, nil
}

// ParseTransactionResult decodes a TransactionResult log.
func ParseTransactionResult(log types.Log) (*TransactionResult, error) {
	event := RelayHubABI.Events[EventTransactionResult]
	if len(log.Topics) != 1 || log.Topics[0] != event.ID {
		return nil, fmt.Errorf("not a %s log", EventTransactionResult)
	}
	values, err := event.Inputs.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", EventTransactionResult, err)
	}
	return &TransactionResult{
		Status:      gsn.RelayCallStatus(values[0].(uint8)),
		ReturnValue: values[1].([]byte),
	}, nil
}

// ParseRelayServerRegistered decodes a RelayServerRegistered log.
func ParseRelayServerRegistered(log types.Log) (*RelayServerRegistered, error) {
	event := RelayHubABI.Events[EventRelayServerRegistered]
	if len(log.Topics) != 2 || log.Topics[0] != event.ID {
		return nil, fmt.Errorf("not a %s log", EventRelayServerRegistered)
	}
	values, err := event.Inputs.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", EventRelayServerRegistered, err)
	}
	return &RelayServerRegistered{
		RelayManager: common.BytesToAddress(log.Topics[1].Bytes()),
		BaseRelayFee: values[0].(*big.Int),
		PctRelayFee:  values[1].(*big.Int),
		RelayURL:     values[2].(string),
		BlockNumber:  log.BlockNumber,
	}, nil
}

// AddressTopic encodes an address as an indexed event topic.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
