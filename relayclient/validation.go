package relayclient

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// expectedRelayTx is what a relay's signed transaction must carry.
type expectedRelayTx struct {
	chainID      *big.Int
	worker       common.Address
	hub          common.Address
	request      gsn.RelayRequest
	signature    []byte
	approvalData []byte
	maxNonce     uint64
}

// validateRelayTransaction decodes the transaction a relay returned and
// checks it is the worker's relayCall of exactly the submitted request.
func validateRelayTransaction(raw []byte, want expectedRelayTx) (*types.Transaction, error) {
	invalid := func(format string, args ...interface{}) error {
		return gsn.NewRelayError(gsn.ErrCodeInvalidRelayTx, fmt.Sprintf(format, args...), nil)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, invalid("failed to decode signed transaction: %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(want.chainID), tx)
	if err != nil {
		return nil, invalid("failed to recover transaction sender: %v", err)
	}
	if sender != want.worker {
		return nil, invalid("transaction signed by %s, expected worker %s", sender.Hex(), want.worker.Hex())
	}
	if tx.To() == nil || *tx.To() != want.hub {
		return nil, invalid("transaction is not addressed to hub %s", want.hub.Hex())
	}
	if tx.Nonce() > want.maxNonce {
		return nil, invalid("transaction nonce %d is above relayMaxNonce %d", tx.Nonce(), want.maxNonce)
	}

	call, err := gsnevm.UnpackRelayCall(tx.Data())
	if err != nil {
		return nil, invalid("transaction is not a relayCall: %v", err)
	}
	got, err := gsnevm.HashRelayRequest(call.Request, want.chainID)
	if err != nil {
		return nil, invalid("failed to hash relayed request: %v", err)
	}
	expected, err := gsnevm.HashRelayRequest(want.request, want.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to hash request: %w", err)
	}
	switch {
	case !bytes.Equal(got, expected):
		return nil, invalid("relayed request differs from the signed request")
	case !bytes.Equal(call.Signature, want.signature):
		return nil, invalid("relayed signature differs from the submitted signature")
	case !bytes.Equal(call.ApprovalData, want.approvalData):
		return nil, invalid("relayed approval data differs from the submitted approval data")
	}
	return tx, nil
}
