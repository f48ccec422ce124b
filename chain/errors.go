package chain

import (
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"

	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// Transaction pool errors. The texts match the node errors clients already
// recognize.
var (
	ErrNonceTooLow          = errors.New("nonce too low")
	ErrAlreadyKnown         = errors.New("already known")
	ErrReplaceUnderpriced   = errors.New("replacement transaction underpriced")
	ErrInsufficientFunds    = errors.New("insufficient funds for gas * price + value")
	ErrIntrinsicGas         = errors.New("intrinsic gas too low")
	ErrGasLimit             = errors.New("exceeds block gas limit")
	ErrInvalidSender        = errors.New("invalid sender")
	ErrContractCreation     = errors.New("contract creation is not supported")
	ErrUnderpriced          = errors.New("transaction underpriced")
	ErrMaxCallDepthExceeded = errors.New("max call depth exceeded")
)

// RevertError is returned by calls and gas estimations that revert. It
// carries the revert payload the way a JSON-RPC node does.
type RevertError struct {
	reason string
	data   []byte
}

func newRevertError(data []byte, err error) *RevertError {
	reason, ok := gsnevm.DecodeRevert(data)
	if !ok {
		reason = err.Error()
	}
	return &RevertError{reason: reason, data: data}
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.reason
}

// ErrorCode is the JSON-RPC code of a revert
func (e *RevertError) ErrorCode() int {
	return 3
}

// ErrorData returns the hex encoded revert payload
func (e *RevertError) ErrorData() interface{} {
	return hexutil.Encode(e.data)
}

// Reason is the decoded revert reason
func (e *RevertError) Reason() string {
	return e.reason
}
