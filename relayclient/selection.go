package relayclient

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

const (
	pingCacheSize = 256
	pingCacheTTL  = 30 * time.Second
)

// Candidate is a relay that answered its ping and passed the selection
// policy.
type Candidate struct {
	Info      gsn.RelayInfo
	Ping      *gsn.PingResponse
	Preferred bool
}

// RelaySelector finds, pings and ranks relays.
type RelaySelector struct {
	backend   gsn.Backend
	transport gsn.RelayTransport
	views     *gsnevm.Views
	cfg       gsn.Config
	logger    *zap.Logger

	pings    *expirable.LRU[string, *gsn.PingResponse]
	failures *expirable.LRU[string, string]
}

// NewRelaySelector creates a selector for cfg.RelayHubAddress.
func NewRelaySelector(backend gsn.Backend, transport gsn.RelayTransport, cfg gsn.Config, logger *zap.Logger) *RelaySelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	cooldown := cfg.FailedRelayCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &RelaySelector{
		backend:   backend,
		transport: transport,
		views:     gsnevm.NewViews(backend, cfg.RelayHubAddress),
		cfg:       cfg,
		logger:    logger,
		pings:     expirable.NewLRU[string, *gsn.PingResponse](pingCacheSize, nil, pingCacheTTL),
		failures:  expirable.NewLRU[string, string](pingCacheSize, nil, cooldown),
	}
}

// MarkFailed keeps url out of selection for the failure cooldown.
func (s *RelaySelector) MarkFailed(url, reason string) {
	s.failures.Add(url, reason)
	s.pings.Remove(url)
	s.logger.Debug("relay in cooldown", zap.String("url", url), zap.String("reason", reason))
}

// InCooldown reports whether url failed recently.
func (s *RelaySelector) InCooldown(url string) bool {
	_, ok := s.failures.Get(url)
	return ok
}

type pinged struct {
	info      gsn.RelayInfo
	preferred bool
	ping      *gsn.PingResponse
	err       error
}

// Candidates pings every known relay and returns the acceptable ones,
// preferred relays first, then cheapest for gas, then most recently
// registered. skipped maps each rejected relay URL to the reason.
func (s *RelaySelector) Candidates(ctx context.Context, gas uint64) ([]Candidate, map[string]string, error) {
	discovered, err := DiscoverRelays(ctx, s.backend, s.cfg.RelayHubAddress, s.cfg.RelayLookupWindowBlocks)
	if err != nil {
		return nil, nil, err
	}

	skipped := make(map[string]string)
	seen := make(map[string]bool)
	var targets []pinged
	add := func(info gsn.RelayInfo, preferred bool) {
		if info.URL == "" || seen[info.URL] {
			return
		}
		seen[info.URL] = true
		if reason, ok := s.failures.Get(info.URL); ok {
			skipped[info.URL] = "in failure cooldown: " + reason
			return
		}
		targets = append(targets, pinged{info: info, preferred: preferred})
	}
	for _, url := range s.cfg.PreferredRelays {
		add(gsn.RelayInfo{URL: url}, true)
	}
	for _, info := range discovered {
		add(info, false)
	}

	concurrency := s.cfg.PingConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	p := pool.NewWithResults[pinged]().WithContext(ctx).WithMaxGoroutines(concurrency)
	for _, target := range targets {
		p.Go(func(ctx context.Context) (pinged, error) {
			target.ping, target.err = s.ping(ctx, target.info.URL)
			return target, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, nil, err
	}

	var candidates []Candidate
	for _, result := range results {
		if result.err != nil {
			skipped[result.info.URL] = result.err.Error()
			s.MarkFailed(result.info.URL, result.err.Error())
			continue
		}
		if reason := s.reject(ctx, result.ping); reason != "" {
			skipped[result.info.URL] = reason
			continue
		}
		candidates = append(candidates, Candidate{Info: result.info, Ping: result.ping, Preferred: result.preferred})
	}
	sortCandidates(candidates, gas)
	return candidates, skipped, nil
}

func (s *RelaySelector) ping(ctx context.Context, url string) (*gsn.PingResponse, error) {
	if cached, ok := s.pings.Get(url); ok {
		return cached, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RelayTimeout)
	defer cancel()
	ping, err := s.transport.GetPingResponse(ctx, url)
	if err != nil {
		return nil, err
	}
	s.pings.Add(url, ping)
	return ping, nil
}

// reject applies the client policy to a ping. It returns the reason a relay
// is unacceptable, or "".
func (s *RelaySelector) reject(ctx context.Context, ping *gsn.PingResponse) string {
	switch {
	case !ping.Ready:
		return "relay is not ready"
	case ping.RelayHubAddress != s.cfg.RelayHubAddress:
		return fmt.Sprintf("relay serves hub %s", ping.RelayHubAddress.Hex())
	case ping.PctRelayFee == nil || ping.PctRelayFee.Cmp(big.NewInt(s.cfg.PctRelayFee)) > 0:
		return fmt.Sprintf("pctRelayFee %v is above the accepted %d", ping.PctRelayFee, s.cfg.PctRelayFee)
	case s.cfg.BaseRelayFee != nil && (ping.BaseRelayFee == nil || ping.BaseRelayFee.Cmp(s.cfg.BaseRelayFee) > 0):
		return fmt.Sprintf("baseRelayFee %v is above the accepted %s", ping.BaseRelayFee, s.cfg.BaseRelayFee)
	case s.cfg.MaxGasPrice != nil && ping.MinGasPrice != nil && ping.MinGasPrice.Cmp(s.cfg.MaxGasPrice) > 0:
		return fmt.Sprintf("minGasPrice %s is above the accepted %s", ping.MinGasPrice, s.cfg.MaxGasPrice)
	}

	if s.cfg.UnstakeDelay > 0 && s.cfg.StakeManagerAddress != (common.Address{}) {
		info, err := s.views.StakeInfo(ctx, s.cfg.StakeManagerAddress, ping.RelayManagerAddress)
		if err != nil {
			return "failed to read stake: " + err.Error()
		}
		if info.UnstakeDelay < s.cfg.UnstakeDelay {
			return fmt.Sprintf("unstake delay %d is below the required %d", info.UnstakeDelay, s.cfg.UnstakeDelay)
		}
	}
	return ""
}

// effectiveCost is what relaying gas through the relay costs at its
// minimum price.
func effectiveCost(ping *gsn.PingResponse, gas uint64) *big.Int {
	return gsn.CalculateCharge(new(big.Int).SetUint64(gas), gsn.RelayData{
		GasPrice:     ping.MinGasPrice,
		PctRelayFee:  ping.PctRelayFee,
		BaseRelayFee: ping.BaseRelayFee,
	})
}

func sortCandidates(candidates []Candidate, gas uint64) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Preferred != b.Preferred {
			return a.Preferred
		}
		if c := effectiveCost(a.Ping, gas).Cmp(effectiveCost(b.Ping, gas)); c != 0 {
			return c < 0
		}
		return a.Info.RegisteredBlock > b.Info.RegisteredBlock
	})
}
