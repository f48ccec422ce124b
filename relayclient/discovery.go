package relayclient

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// DiscoverRelays lists relays registered on hub within the last window
// blocks, newest registration first. A manager that registered more than
// once is listed with its latest registration.
func DiscoverRelays(ctx context.Context, backend gsn.Backend, hub common.Address, window uint64) ([]gsn.RelayInfo, error) {
	head, err := backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read block number: %w", err)
	}
	var from uint64
	if window > 0 && head > window {
		from = head - window
	}

	logs, err := backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{hub},
		Topics:    [][]common.Hash{{gsnevm.RelayHubABI.Events[gsnevm.EventRelayServerRegistered].ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read relay registrations: %w", err)
	}

	latest := make(map[common.Address]gsn.RelayInfo)
	for _, l := range logs {
		registered, err := gsnevm.ParseRelayServerRegistered(l)
		if err != nil {
			continue
		}
		if prev, ok := latest[registered.RelayManager]; ok && prev.RegisteredBlock > registered.BlockNumber {
			continue
		}
		latest[registered.RelayManager] = gsn.RelayInfo{
			RelayManager:    registered.RelayManager,
			URL:             registered.RelayURL,
			PctRelayFee:     registered.PctRelayFee,
			BaseRelayFee:    registered.BaseRelayFee,
			RegisteredBlock: registered.BlockNumber,
		}
	}

	relays := make([]gsn.RelayInfo, 0, len(latest))
	for _, info := range latest {
		relays = append(relays, info)
	}
	sort.SliceStable(relays, func(i, j int) bool {
		if relays[i].RegisteredBlock != relays[j].RegisteredBlock {
			return relays[i].RegisteredBlock > relays[j].RegisteredBlock
		}
		return relays[i].URL < relays[j].URL
	})
	return relays, nil
}
