package gsn

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ValidateRelayRequest performs basic validation on a relay request
func ValidateRelayRequest(r RelayRequest) error {
	if r.From == (common.Address{}) {
		return fmt.Errorf("relay request sender is required")
	}
	if r.To == (common.Address{}) {
		return fmt.Errorf("relay request target is required")
	}
	if r.Gas == nil || r.Gas.Sign() <= 0 {
		return fmt.Errorf("relay request gas must be positive")
	}
	if r.Nonce == nil || r.Nonce.Sign() < 0 {
		return fmt.Errorf("relay request nonce is required")
	}
	if r.RelayData.GasPrice == nil || r.RelayData.GasPrice.Sign() < 0 {
		return fmt.Errorf("relay request gas price is required")
	}
	if r.RelayData.Paymaster == (common.Address{}) {
		return fmt.Errorf("relay request paymaster is required")
	}
	if r.RelayData.Forwarder == (common.Address{}) {
		return fmt.Errorf("relay request forwarder is required")
	}
	if r.RelayData.RelayWorker == (common.Address{}) {
		return fmt.Errorf("relay request worker is required")
	}
	return nil
}

// ValidateRelayTransactionRequest validates a submission before it is processed
func ValidateRelayTransactionRequest(r RelayTransactionRequest) error {
	if err := ValidateRelayRequest(r.RelayRequest); err != nil {
		return err
	}
	if len(r.Metadata.Signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(r.Metadata.Signature))
	}
	if r.Metadata.RelayHubAddress == (common.Address{}) {
		return fmt.Errorf("relay hub address is required")
	}
	return nil
}
