package relayclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// waitForReceipt polls for hash until it is mined or timeout elapses.
func waitForReceipt(ctx context.Context, backend gsn.Backend, clk clock.Clock, hash common.Hash, timeout, interval time.Duration) (*types.Receipt, error) {
	return waitForAnyReceipt(ctx, backend, clk, []common.Hash{hash}, timeout, interval)
}

// waitForAnyReceipt polls hashes until one of them is mined or timeout
// elapses, and returns the first receipt found.
func waitForAnyReceipt(ctx context.Context, backend gsn.Backend, clk clock.Clock, hashes []common.Hash, timeout, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := clk.Now().Add(timeout)
	for {
		for _, hash := range hashes {
			receipt, err := backend.TransactionReceipt(ctx, hash)
			if err == nil {
				return receipt, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				return nil, fmt.Errorf("failed to read receipt of %s: %w", hash.Hex(), err)
			}
		}
		if !clk.Now().Before(deadline) {
			return nil, gsn.NewRelayError(gsn.ErrCodeTimeout,
				fmt.Sprintf("%s not mined within %s", describeHashes(hashes), timeout),
				map[string]interface{}{"txHashes": hexHashes(hashes)})
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clk.After(interval):
		}
	}
}

func hexHashes(hashes []common.Hash) []string {
	out := make([]string, len(hashes))
	for i, hash := range hashes {
		out[i] = hash.Hex()
	}
	return out
}

func describeHashes(hashes []common.Hash) string {
	if len(hashes) == 1 {
		return "transaction " + hashes[0].Hex()
	}
	return fmt.Sprintf("none of %d transactions", len(hashes))
}

// RelayedCallOutcome is the hub's report of a relayed call read from a receipt.
type RelayedCallOutcome struct {
	Relayed *gsnevm.TransactionRelayed
	Result  *gsnevm.TransactionResult
}

// ParseRelayedCall extracts the hub events of a relayCall receipt.
func ParseRelayedCall(receipt *types.Receipt, hub common.Address) (*RelayedCallOutcome, error) {
	outcome := &RelayedCallOutcome{}
	for _, l := range receipt.Logs {
		if l.Address != hub {
			continue
		}
		if relayed, err := gsnevm.ParseTransactionRelayed(*l); err == nil {
			outcome.Relayed = relayed
			continue
		}
		if result, err := gsnevm.ParseTransactionResult(*l); err == nil {
			outcome.Result = result
		}
	}
	if outcome.Relayed == nil {
		return nil, gsn.NewRelayError(gsn.ErrCodeInvalidRelayTx,
			fmt.Sprintf("receipt %s has no %s event", receipt.TxHash.Hex(), gsnevm.EventTransactionRelayed), nil)
	}
	return outcome, nil
}

// relayedCallError turns a relayCall receipt into the caller's error. A
// relayed call that did not succeed is reported with its revert reason.
func relayedCallError(receipt *types.Receipt, hub common.Address) error {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return gsn.NewRelayError(gsn.ErrCodeRelayRejected,
			fmt.Sprintf("relay transaction %s reverted", receipt.TxHash.Hex()),
			map[string]interface{}{"txHash": receipt.TxHash.Hex()})
	}
	outcome, err := ParseRelayedCall(receipt, hub)
	if err != nil {
		return err
	}
	if outcome.Relayed.Status == gsn.StatusOK {
		return nil
	}

	reason := "no reason given"
	if outcome.Result != nil && len(outcome.Result.ReturnValue) > 0 {
		if decoded, ok := gsnevm.DecodeRevert(outcome.Result.ReturnValue); ok {
			reason = decoded
		} else {
			reason = hexutil.Encode(outcome.Result.ReturnValue)
		}
	}
	message := "relayed call reverted: " + reason
	if outcome.Relayed.Status != gsn.StatusRelayedCallFailed {
		message = fmt.Sprintf("relayed call failed with %s: %s", outcome.Relayed.Status, reason)
	}
	return gsn.NewRelayError(gsn.ErrCodeRelayedCallFailed, message, map[string]interface{}{
		"txHash": receipt.TxHash.Hex(),
		"status": outcome.Relayed.Status.String(),
	})
}
