package contracts

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// Penalizer accepts proofs of relay worker misbehavior and has the stake
// manager hand the offending manager's stake to the reporter.
type Penalizer struct {
	hub          common.Address
	stakeManager common.Address
}

// NewPenalizer creates a penalizer for workers registered at hub.
func NewPenalizer(hub, stakeManager common.Address) *Penalizer {
	return &Penalizer{hub: hub, stakeManager: stakeManager}
}

func (p *Penalizer) Snapshot() func() {
	return func() {}
}

// Run dispatches an ABI call.
func (p *Penalizer) Run(env Env, input []byte) ([]byte, error) {
	method, args, err := dispatch(gsnevm.PenalizerABI, input)
	if err != nil {
		return nil, err
	}
	if err := rejectValue(env, method); err != nil {
		return nil, err
	}

	switch method.Name {
	case gsnevm.FunctionPenalizeRepeatedNonce:
		if err := p.penalizeRepeatedNonce(env, args[0].([]byte), args[1].([]byte)); err != nil {
			return nil, err
		}
	case gsnevm.FunctionPenalizeIllegalTx:
		if err := p.penalizeIllegalTransaction(env, args[0].([]byte)); err != nil {
			return nil, err
		}
	default:
		return nil, &Revert{Reason: "unknown method " + method.Name}
	}
	return method.Outputs.Pack()
}

// penalizeRepeatedNonce punishes two different transactions signed by the
// same worker with the same nonce. Re-pricing the same call is not an offense.
func (p *Penalizer) penalizeRepeatedNonce(env Env, rawTx1, rawTx2 []byte) error {
	tx1, sender1, err := p.decode(env, rawTx1)
	if err != nil {
		return err
	}
	tx2, sender2, err := p.decode(env, rawTx2)
	if err != nil {
		return err
	}

	if sender1 != sender2 {
		return Revertf(gsn.ErrCodeInvalidProof, "different signers %s and %s", sender1.Hex(), sender2.Hex())
	}
	if tx1.Nonce() != tx2.Nonce() {
		return Revertf(gsn.ErrCodeInvalidProof, "different nonces %d and %d", tx1.Nonce(), tx2.Nonce())
	}
	if sameCall(tx1, tx2) {
		return Revertf(gsn.ErrCodeInvalidProof, "transactions carry the same call")
	}
	return p.penalize(env, sender1)
}

// penalizeIllegalTransaction punishes a worker transaction that is neither
// a relayCall nor a hub withdrawal.
func (p *Penalizer) penalizeIllegalTransaction(env Env, rawTx []byte) error {
	tx, sender, err := p.decode(env, rawTx)
	if err != nil {
		return err
	}
	if tx.To() != nil && *tx.To() == p.hub &&
		gsnevm.IsCallTo(gsnevm.RelayHubABI, tx.Data(), gsnevm.FunctionRelayCall, gsnevm.FunctionWithdraw) {
		return Revertf(gsn.ErrCodeInvalidProof, "legal relay transaction")
	}
	return p.penalize(env, sender)
}

func (p *Penalizer) decode(env Env, raw []byte) (*types.Transaction, common.Address, error) {
	if err := env.UseGas(GasEcrecover + uint64(len(raw))*GasLogData); err != nil {
		return nil, common.Address{}, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, common.Address{}, Revertf(gsn.ErrCodeInvalidProof, "malformed transaction: %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(env.ChainID()), tx)
	if err != nil {
		return nil, common.Address{}, Revertf(gsn.ErrCodeInvalidProof, "bad transaction signature: %v", err)
	}
	return tx, sender, nil
}

func (p *Penalizer) penalize(env Env, worker common.Address) error {
	out, err := viewCall(env, p.hub, gsnevm.RelayHubABI, gsnevm.FunctionWorkerToManager, viewCallGas, worker)
	if err != nil {
		return &Revert{Reason: "worker lookup failed: " + err.Error()}
	}
	manager := out[0].(common.Address)
	if manager == (common.Address{}) {
		return Revertf(gsn.ErrCodeInvalidProof, "%s is not a relay worker", worker.Hex())
	}

	input, err := gsnevm.StakeManagerABI.Pack(gsnevm.FunctionPenalize, manager, env.Caller())
	if err != nil {
		return &Revert{Reason: err.Error()}
	}
	if ret, err := env.Call(p.stakeManager, nil, input, env.GasLeft()); err != nil {
		return RevertWithData(revertPayload(ret, err))
	}
	return nil
}

func sameCall(a, b *types.Transaction) bool {
	if (a.To() == nil) != (b.To() == nil) {
		return false
	}
	if a.To() != nil && *a.To() != *b.To() {
		return false
	}
	return bigEqual(a.Value(), b.Value()) && bytes.Equal(a.Data(), b.Data())
}

func bigEqual(a, b *big.Int) bool {
	return bigOrZero(a).Cmp(bigOrZero(b)) == 0
}

func revertPayload(data []byte, err error) []byte {
	if len(data) > 0 {
		return data
	}
	return gsnevm.EncodeRevert(ReasonOf(data, err))
}
