package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	gsn "github.com/gsnrelay/gsn/go"
)

// TypedDataDomain represents the EIP-712 domain
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// eip712DomainType is the domain layout used by the forwarder.
var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// HashTypedData returns the EIP-712 digest
// keccak256(0x19 0x01 || domainSeparator || hashStruct(message)).
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	all := apitypes.Types{"EIP712Domain": eip712DomainType}
	for name, fields := range types {
		converted := make([]apitypes.Type, 0, len(fields))
		for _, f := range fields {
			converted = append(converted, apitypes.Type{Name: f.Name, Type: f.Type})
		}
		all[name] = converted
	}

	digest, _, err := apitypes.TypedDataAndHash(apitypes.TypedData{
		Types:       all,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", primaryType, err)
	}
	return digest, nil
}

// RelayRequestTypes returns the EIP-712 types of a relay request. Every
// field that affects execution or payment is covered.
func RelayRequestTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"RelayRequest": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "gas", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "data", Type: "bytes"},
			{Name: "validUntil", Type: "uint256"},
			{Name: "relayData", Type: "RelayData"},
		},
		"RelayData": {
			{Name: "gasPrice", Type: "uint256"},
			{Name: "pctRelayFee", Type: "uint256"},
			{Name: "baseRelayFee", Type: "uint256"},
			{Name: "relayWorker", Type: "address"},
			{Name: "paymaster", Type: "address"},
			{Name: "forwarder", Type: "address"},
			{Name: "paymasterData", Type: "bytes"},
			{Name: "clientId", Type: "uint256"},
		},
	}
}

// RelayRequestDomain returns the signing domain for requests verified by forwarder.
func RelayRequestDomain(chainID *big.Int, forwarder common.Address) TypedDataDomain {
	return TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           chainID,
		VerifyingContract: forwarder.Hex(),
	}
}

// RelayRequestMessage converts a request to its EIP-712 message form.
func RelayRequestMessage(request gsn.RelayRequest) map[string]interface{} {
	r := request.Clone()
	r.Normalize()
	return map[string]interface{}{
		"from":       r.From.Hex(),
		"to":         r.To.Hex(),
		"value":      r.Value,
		"gas":        r.Gas,
		"nonce":      r.Nonce,
		"data":       []byte(r.Data),
		"validUntil": r.ValidUntil,
		"relayData": map[string]interface{}{
			"gasPrice":      r.RelayData.GasPrice,
			"pctRelayFee":   r.RelayData.PctRelayFee,
			"baseRelayFee":  r.RelayData.BaseRelayFee,
			"relayWorker":   r.RelayData.RelayWorker.Hex(),
			"paymaster":     r.RelayData.Paymaster.Hex(),
			"forwarder":     r.RelayData.Forwarder.Hex(),
			"paymasterData": []byte(r.RelayData.PaymasterData),
			"clientId":      r.RelayData.ClientId,
		},
	}
}

// HashRelayRequest returns the digest a sender signs for request. The domain
// is bound to request.RelayData.Forwarder.
func HashRelayRequest(request gsn.RelayRequest, chainID *big.Int) ([]byte, error) {
	return HashTypedData(
		RelayRequestDomain(chainID, request.RelayData.Forwarder),
		RelayRequestTypes(),
		"RelayRequest",
		RelayRequestMessage(request),
	)
}

// RecoverSigner returns the address that produced a 65-byte [R || S || V]
// signature over digest. V may be 0/1 or 27/28.
func RecoverSigner(digest []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return common.Address{}, fmt.Errorf("invalid signature values")
	}
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// RecoverRelayRequestSigner recovers the signer of a relay request.
func RecoverRelayRequestSigner(request gsn.RelayRequest, signature []byte, chainID *big.Int) (common.Address, error) {
	digest, err := HashRelayRequest(request, chainID)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverSigner(digest, signature)
}
