package gsn

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RelayData carries the relay-side parameters of a request. Field order
// matches the on-chain tuple layout.
type RelayData struct {
	GasPrice      *big.Int       `json:"gasPrice"`
	PctRelayFee   *big.Int       `json:"pctRelayFee"`
	BaseRelayFee  *big.Int       `json:"baseRelayFee"`
	RelayWorker   common.Address `json:"relayWorker"`
	Paymaster     common.Address `json:"paymaster"`
	Forwarder     common.Address `json:"forwarder"`
	PaymasterData hexutil.Bytes  `json:"paymasterData"`
	ClientId      *big.Int       `json:"clientId"`
}

// RelayRequest is the signed description of a call to be executed on behalf
// of From. Gas is the gas limit granted to the target call. ValidUntil is a
// unix timestamp; zero disables expiry.
type RelayRequest struct {
	From       common.Address `json:"from"`
	To         common.Address `json:"to"`
	Value      *big.Int       `json:"value"`
	Gas        *big.Int       `json:"gas"`
	Nonce      *big.Int       `json:"nonce"`
	Data       hexutil.Bytes  `json:"data"`
	ValidUntil *big.Int       `json:"validUntil"`
	RelayData  RelayData      `json:"relayData"`
}

// Normalize replaces nil numeric fields with zero so the request can be
// ABI-encoded and hashed.
func (r *RelayRequest) Normalize() {
	for _, p := range []**big.Int{
		&r.Value, &r.Gas, &r.Nonce, &r.ValidUntil,
		&r.RelayData.GasPrice, &r.RelayData.PctRelayFee, &r.RelayData.BaseRelayFee, &r.RelayData.ClientId,
	} {
		if *p == nil {
			*p = new(big.Int)
		}
	}
	if r.Data == nil {
		r.Data = hexutil.Bytes{}
	}
	if r.RelayData.PaymasterData == nil {
		r.RelayData.PaymasterData = hexutil.Bytes{}
	}
}

// Clone returns a deep copy of the request.
func (r RelayRequest) Clone() RelayRequest {
	c := r
	c.Value = cloneBig(r.Value)
	c.Gas = cloneBig(r.Gas)
	c.Nonce = cloneBig(r.Nonce)
	c.ValidUntil = cloneBig(r.ValidUntil)
	c.Data = append(hexutil.Bytes{}, r.Data...)
	c.RelayData.GasPrice = cloneBig(r.RelayData.GasPrice)
	c.RelayData.PctRelayFee = cloneBig(r.RelayData.PctRelayFee)
	c.RelayData.BaseRelayFee = cloneBig(r.RelayData.BaseRelayFee)
	c.RelayData.ClientId = cloneBig(r.RelayData.ClientId)
	c.RelayData.PaymasterData = append(hexutil.Bytes{}, r.RelayData.PaymasterData...)
	return c
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// RelayMetadata travels next to a signed request. ApprovalData is not covered
// by the signature.
type RelayMetadata struct {
	Signature       hexutil.Bytes  `json:"signature"`
	ApprovalData    hexutil.Bytes  `json:"approvalData"`
	RelayHubAddress common.Address `json:"relayHubAddress"`
	RelayMaxNonce   uint64         `json:"relayMaxNonce"`
}

// RelayTransactionRequest is the body a client submits to a relay daemon.
type RelayTransactionRequest struct {
	RelayRequest RelayRequest  `json:"relayRequest"`
	Metadata     RelayMetadata `json:"metadata"`
}

// RelayTransactionResponse is returned by a relay daemon for an accepted
// request. SignedTx is the RLP encoding of the worker transaction.
type RelayTransactionResponse struct {
	SignedTx hexutil.Bytes `json:"signedTx"`
	TxHash   common.Hash   `json:"txHash"`
}

// PingResponse is what a relay daemon advertises about itself.
type PingResponse struct {
	RelayWorkerAddress  common.Address `json:"relayWorkerAddress"`
	RelayManagerAddress common.Address `json:"relayManagerAddress"`
	RelayHubAddress     common.Address `json:"relayHubAddress"`
	MinGasPrice         *big.Int       `json:"minGasPrice"`
	PctRelayFee         *big.Int       `json:"pctRelayFee"`
	BaseRelayFee        *big.Int       `json:"baseRelayFee"`
	MaxAcceptanceBudget uint64         `json:"maxAcceptanceBudget"`
	ChainID             *big.Int       `json:"chainId"`
	Ready               bool           `json:"ready"`
	Version             string         `json:"version"`
}

// RelayInfo is a relay discovered from its on-chain registration.
type RelayInfo struct {
	RelayManager    common.Address
	URL             string
	PctRelayFee     *big.Int
	BaseRelayFee    *big.Int
	RegisteredBlock uint64
}

// GasLimits are the limits a paymaster declares for the calls the hub makes
// into it.
type GasLimits struct {
	AcceptanceBudget        uint64 `json:"acceptanceBudget"`
	PreRelayedCallGasLimit  uint64 `json:"preRelayedCallGasLimit"`
	PostRelayedCallGasLimit uint64 `json:"postRelayedCallGasLimit"`
	CalldataSizeLimit       uint64 `json:"calldataSizeLimit"`
}

// RelayCallStatus is the outcome reported by the hub for a relayed call.
type RelayCallStatus uint8

const (
	StatusOK RelayCallStatus = iota
	StatusRelayedCallFailed
	StatusPrePaymasterReverted
	StatusPostPaymasterReverted
)

func (s RelayCallStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRelayedCallFailed:
		return "RelayedCallFailed"
	case StatusPrePaymasterReverted:
		return "PrePaymasterReverted"
	case StatusPostPaymasterReverted:
		return "PostPaymasterReverted"
	default:
		return "Unknown"
	}
}

// CalculateCharge returns baseRelayFee + gasUsed*gasPrice*(100+pctRelayFee)/100.
func CalculateCharge(gasUsed *big.Int, relayData RelayData) *big.Int {
	charge := new(big.Int).Mul(gasUsed, valueOrZero(relayData.GasPrice))
	charge.Mul(charge, new(big.Int).Add(big.NewInt(100), valueOrZero(relayData.PctRelayFee)))
	charge.Div(charge, big.NewInt(100))
	return charge.Add(charge, valueOrZero(relayData.BaseRelayFee))
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
