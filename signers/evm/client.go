package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// Signer holds an ECDSA key and signs relay requests and transactions with it.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSignerFromPrivateKey creates a signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//
// Returns:
//
//	Signer ready for relay request and transaction signing
//	Error if private key is invalid
func NewSignerFromPrivateKey(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(privateKey), nil
}

// NewSigner wraps an existing private key.
func NewSigner(privateKey *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewSigner(privateKey), nil
}

// Address returns the Ethereum address of the signer.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTypedData signs EIP-712 typed data.
//
// Returns:
//
//	65-byte signature (r, s, v) with v in {27, 28}
//	Error if signing fails
func (s *Signer) SignTypedData(
	ctx context.Context,
	domain gsnevm.TypedDataDomain,
	types map[string][]gsnevm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	digest, err := gsnevm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}
	return s.signDigest(digest)
}

// SignRelayRequest signs request for the forwarder named in its relay data.
func (s *Signer) SignRelayRequest(ctx context.Context, request gsn.RelayRequest, chainID *big.Int) ([]byte, error) {
	if request.From != s.address {
		return nil, fmt.Errorf("request sender %s does not match signer %s", request.From.Hex(), s.address.Hex())
	}
	return s.SignTypedData(
		ctx,
		gsnevm.RelayRequestDomain(chainID, request.RelayData.Forwarder),
		gsnevm.RelayRequestTypes(),
		"RelayRequest",
		gsnevm.RelayRequestMessage(request),
	)
}

func (s *Signer) signDigest(digest []byte) ([]byte, error) {
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return signature, nil
}

// SignTx signs a transaction for chainID.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// NewLegacyTx builds and signs a legacy transaction.
func (s *Signer) NewLegacyTx(chainID *big.Int, nonce uint64, to common.Address, value *big.Int, gas uint64, gasPrice *big.Int, data []byte) (*types.Transaction, error) {
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	return s.SignTx(tx, chainID)
}
