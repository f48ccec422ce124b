package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gsnrelay/gsn/go/contracts"
)

// DeployOptions parameterize a network deployment.
type DeployOptions struct {
	MinimumStake        *big.Int
	MinimumUnstakeDelay uint64
	MaxWorkerCount      int
}

// Deployment holds the addresses and instances of a deployed network.
type Deployment struct {
	StakeManager     common.Address
	Forwarder        common.Address
	RelayHub         common.Address
	Penalizer        common.Address
	StakeManagerCode *contracts.StakeManager
	ForwarderCode    *contracts.Forwarder
	RelayHubCode     *contracts.RelayHub
	PenalizerCode    *contracts.Penalizer
}

// DeployGSN installs the stake manager, forwarder, hub and penalizer and
// authorizes the penalizer to confiscate stakes.
func DeployGSN(s *Simulated, opts DeployOptions) *Deployment {
	if opts.MinimumStake == nil {
		opts.MinimumStake = big.NewInt(1)
	}
	d := &Deployment{}

	d.StakeManagerCode = contracts.NewStakeManager()
	d.StakeManager = s.Deploy(d.StakeManagerCode)

	d.ForwarderCode = contracts.NewForwarder()
	d.Forwarder = s.Deploy(d.ForwarderCode)

	d.RelayHubCode = contracts.NewRelayHub(contracts.HubConfig{
		StakeManager:        d.StakeManager,
		MinimumStake:        opts.MinimumStake,
		MinimumUnstakeDelay: opts.MinimumUnstakeDelay,
		MaxWorkerCount:      opts.MaxWorkerCount,
	})
	d.RelayHub = s.Deploy(d.RelayHubCode)

	d.PenalizerCode = contracts.NewPenalizer(d.RelayHub, d.StakeManager)
	d.Penalizer = s.Deploy(d.PenalizerCode)

	s.mu.Lock()
	d.StakeManagerCode.AuthorizePenalizer(d.Penalizer)
	s.mu.Unlock()
	return d
}

// DeployPaymaster installs a paymaster owned by owner that trusts the
// deployment's forwarder.
func (d *Deployment) DeployPaymaster(s *Simulated, owner common.Address, policy contracts.Policy) (common.Address, *contracts.Paymaster) {
	pm := contracts.NewPaymaster(owner, d.RelayHub, d.Forwarder, policy)
	return s.Deploy(pm), pm
}
