package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

const (
	statusPrefixPre  = "PrePaymasterReverted"
	statusPrefixPost = "PostPaymasterReverted"

	// gas granted to paymaster limit reads and stake checks
	viewCallGas = 30000
	// gas the inner call keeps for its own bookkeeping
	innerCallOverhead = 10000
)

// HubConfig holds the hub's deployment parameters.
type HubConfig struct {
	StakeManager        common.Address
	MinimumStake        *big.Int
	MinimumUnstakeDelay uint64
	MaxWorkerCount      int
}

// RelayHub registers staked relays, runs relayed calls through the
// forwarder and settles their cost between paymaster deposits and worker
// balances.
type RelayHub struct {
	cfg             HubConfig
	balances        map[common.Address]*big.Int
	workerToManager map[common.Address]common.Address
	workerCount     map[common.Address]int
}

// NewRelayHub creates a hub.
func NewRelayHub(cfg HubConfig) *RelayHub {
	if cfg.MinimumStake == nil {
		cfg.MinimumStake = big.NewInt(1)
	}
	if cfg.MaxWorkerCount == 0 {
		cfg.MaxWorkerCount = 10
	}
	return &RelayHub{
		cfg:             cfg,
		balances:        make(map[common.Address]*big.Int),
		workerToManager: make(map[common.Address]common.Address),
		workerCount:     make(map[common.Address]int),
	}
}

func (h *RelayHub) Snapshot() func() {
	balances := copyBigMap(h.balances)
	workers := make(map[common.Address]common.Address, len(h.workerToManager))
	for k, v := range h.workerToManager {
		workers[k] = v
	}
	counts := make(map[common.Address]int, len(h.workerCount))
	for k, v := range h.workerCount {
		counts[k] = v
	}
	return func() {
		h.balances = balances
		h.workerToManager = workers
		h.workerCount = counts
	}
}

// Run dispatches an ABI call.
func (h *RelayHub) Run(env Env, input []byte) ([]byte, error) {
	method, args, err := dispatch(gsnevm.RelayHubABI, input)
	if err != nil {
		return nil, err
	}
	if err := rejectValue(env, method); err != nil {
		return nil, err
	}

	switch method.Name {
	case gsnevm.FunctionRelayCall:
		request, err := gsnevm.RelayRequestFromABI(args[0])
		if err != nil {
			return nil, &Revert{Reason: err.Error()}
		}
		accepted, ret, err := h.relayCall(env, request, args[1].([]byte), args[2].([]byte), u64(args[3].(*big.Int)))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(accepted, ret)

	case gsnevm.FunctionInnerRelayCall:
		request, err := gsnevm.RelayRequestFromABI(args[0])
		if err != nil {
			return nil, &Revert{Reason: err.Error()}
		}
		status, ret, err := h.innerRelayCall(env, request, args[1].([]byte), args[2].([]byte),
			args[3].(*big.Int), u64(args[4].(*big.Int)), u64(args[5].(*big.Int)))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(uint8(status), ret)

	case gsnevm.FunctionDepositFor:
		if err := h.depositFor(env, args[0].(common.Address)); err != nil {
			return nil, err
		}
		return method.Outputs.Pack()

	case gsnevm.FunctionBalanceOf:
		if err := env.UseGas(GasStorageRead); err != nil {
			return nil, err
		}
		return method.Outputs.Pack(h.balanceOf(args[0].(common.Address)))

	case gsnevm.FunctionWithdraw:
		if err := h.withdraw(env, args[0].(*big.Int), args[1].(common.Address)); err != nil {
			return nil, err
		}
		return method.Outputs.Pack()

	case gsnevm.FunctionAddRelayWorkers:
		if err := h.addRelayWorkers(env, args[0].([]common.Address)); err != nil {
			return nil, err
		}
		return method.Outputs.Pack()

	case gsnevm.FunctionRegisterRelayServer:
		if err := h.registerRelayServer(env, args[0].(*big.Int), args[1].(*big.Int), args[2].(string)); err != nil {
			return nil, err
		}
		return method.Outputs.Pack()

	case gsnevm.FunctionCalculateCharge:
		relayData, err := gsnevm.RelayDataFromABI(args[1])
		if err != nil {
			return nil, &Revert{Reason: err.Error()}
		}
		return method.Outputs.Pack(gsn.CalculateCharge(args[0].(*big.Int), relayData))

	case gsnevm.FunctionWorkerToManager:
		if err := env.UseGas(GasStorageRead); err != nil {
			return nil, err
		}
		return method.Outputs.Pack(h.workerToManager[args[0].(common.Address)])

	case gsnevm.FunctionIsRelayManagerStaked:
		staked, err := h.isManagerStaked(env, args[0].(common.Address))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(staked)

	case gsnevm.FunctionGetConfiguration:
		return method.Outputs.Pack(
			new(big.Int).Set(h.cfg.MinimumStake),
			new(big.Int).SetUint64(h.cfg.MinimumUnstakeDelay),
			h.cfg.StakeManager,
		)
	}
	return nil, &Revert{Reason: "unknown method " + method.Name}
}

func (h *RelayHub) balanceOf(addr common.Address) *big.Int {
	if b, ok := h.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (h *RelayHub) isManagerStaked(env Env, manager common.Address) (bool, error) {
	out, err := viewCall(env, h.cfg.StakeManager, gsnevm.StakeManagerABI, gsnevm.FunctionIsRelayManagerStaked, viewCallGas,
		manager, h.cfg.MinimumStake, new(big.Int).SetUint64(h.cfg.MinimumUnstakeDelay))
	if err != nil {
		return false, &Revert{Reason: "stake check failed: " + err.Error()}
	}
	return out[0].(bool), nil
}

func (h *RelayHub) depositFor(env Env, target common.Address) error {
	if err := env.UseGas(GasStorageRead + GasStorageWrite); err != nil {
		return err
	}
	if env.Value().Sign() == 0 {
		return &Revert{Reason: "deposit must be positive"}
	}
	h.balances[target] = new(big.Int).Add(h.balanceOf(target), env.Value())
	return emit(env, gsnevm.RelayHubABI, gsnevm.EventDeposited,
		[]common.Hash{gsnevm.AddressTopic(target), gsnevm.AddressTopic(env.Caller())},
		new(big.Int).Set(env.Value()))
}

func (h *RelayHub) withdraw(env Env, amount *big.Int, dest common.Address) error {
	if err := env.UseGas(GasStorageRead + GasStorageWrite); err != nil {
		return err
	}
	account := env.Caller()
	balance := h.balanceOf(account)
	if balance.Cmp(amount) < 0 {
		return &Revert{Reason: "insufficient balance"}
	}
	h.balances[account] = balance.Sub(balance, amount)
	if _, err := env.Call(dest, amount, nil, 0); err != nil {
		return &Revert{Reason: "withdrawal transfer failed"}
	}
	return emit(env, gsnevm.RelayHubABI, gsnevm.EventWithdrawn,
		[]common.Hash{gsnevm.AddressTopic(account), gsnevm.AddressTopic(dest)}, new(big.Int).Set(amount))
}

func (h *RelayHub) addRelayWorkers(env Env, workers []common.Address) error {
	manager := env.Caller()
	staked, err := h.isManagerStaked(env, manager)
	if err != nil {
		return err
	}
	if !staked {
		return Revertf(gsn.ErrCodeRelayNotRegistered, "relay manager %s is not staked", manager.Hex())
	}
	if err := env.UseGas(uint64(len(workers)) * GasStorageWrite); err != nil {
		return err
	}
	for _, w := range workers {
		if existing, ok := h.workerToManager[w]; ok {
			if existing != manager {
				return &Revert{Reason: "relay worker " + w.Hex() + " belongs to another manager"}
			}
			continue
		}
		h.workerToManager[w] = manager
		h.workerCount[manager]++
	}
	if h.workerCount[manager] > h.cfg.MaxWorkerCount {
		return &Revert{Reason: "too many workers"}
	}
	return emit(env, gsnevm.RelayHubABI, gsnevm.EventRelayWorkersAdded,
		[]common.Hash{gsnevm.AddressTopic(manager)}, workers, big.NewInt(int64(h.workerCount[manager])))
}

func (h *RelayHub) registerRelayServer(env Env, baseRelayFee, pctRelayFee *big.Int, url string) error {
	manager := env.Caller()
	staked, err := h.isManagerStaked(env, manager)
	if err != nil {
		return err
	}
	if !staked {
		return Revertf(gsn.ErrCodeRelayNotRegistered, "relay manager %s is not staked", manager.Hex())
	}
	if h.workerCount[manager] == 0 {
		return Revertf(gsn.ErrCodeRelayNotRegistered, "relay manager %s has no workers", manager.Hex())
	}
	return emit(env, gsnevm.RelayHubABI, gsnevm.EventRelayServerRegistered,
		[]common.Hash{gsnevm.AddressTopic(manager)}, baseRelayFee, pctRelayFee, url)
}

// relayCall runs the relayed request. Everything before the inner call
// reverts the whole transaction; after it the worker is always paid.
func (h *RelayHub) relayCall(env Env, request gsn.RelayRequest, signature, approvalData []byte, externalGasLimit uint64) (bool, []byte, error) {
	initialGas := env.GasLeft()
	request.Normalize()

	if err := env.UseGas(2 * GasStorageRead); err != nil {
		return false, nil, err
	}
	worker := env.Caller()
	if env.Origin() != worker {
		return false, nil, Revertf(gsn.ErrCodeUnauthorized, "relay worker must be an externally owned account")
	}
	manager, ok := h.workerToManager[worker]
	if !ok {
		return false, nil, Revertf(gsn.ErrCodeRelayNotRegistered, "unknown relay worker %s", worker.Hex())
	}
	staked, err := h.isManagerStaked(env, manager)
	if err != nil {
		return false, nil, err
	}
	if !staked {
		return false, nil, Revertf(gsn.ErrCodeRelayNotRegistered, "relay manager %s is not staked", manager.Hex())
	}
	if request.RelayData.RelayWorker != worker {
		return false, nil, Revertf(gsn.ErrCodeUnauthorized, "request names worker %s", request.RelayData.RelayWorker.Hex())
	}
	if env.GasPrice().Cmp(request.RelayData.GasPrice) < 0 {
		return false, nil, &Revert{Reason: "transaction gas price below request gas price"}
	}

	if err := h.verifyRequest(env, request, signature); err != nil {
		return false, nil, err
	}

	limits, err := h.paymasterLimits(env, request.RelayData.Paymaster)
	if err != nil {
		return false, nil, err
	}
	if uint64(len(request.Data)) > limits.CalldataSizeLimit {
		return false, nil, Revertf(gsn.ErrCodeRejectedByPaymaster, "call data exceeds %d bytes", limits.CalldataSizeLimit)
	}

	maxPossibleGas := gsnevm.MaxPossibleGas(u64(request.Gas), limits.AcceptanceBudget, limits.PreRelayedCallGasLimit, limits.PostRelayedCallGasLimit)
	if externalGasLimit < maxPossibleGas || initialGas < maxPossibleGas {
		return false, nil, Revertf(gsn.ErrCodeInsufficientGas, "max possible gas %d, external limit %d, gas left %d",
			maxPossibleGas, externalGasLimit, initialGas)
	}
	var intrinsic uint64
	if externalGasLimit > initialGas {
		intrinsic = externalGasLimit - initialGas
	}
	maxPossibleCharge := requestCharge(intrinsic+maxPossibleGas+gsnevm.ChargeOverhead, request.RelayData)

	acceptInput, err := gsnevm.Pack(gsnevm.PaymasterABI, gsnevm.FunctionAcceptRelayedCall, request, signature, approvalData, maxPossibleCharge)
	if err != nil {
		return false, nil, &Revert{Reason: err.Error()}
	}
	ret, err := env.Call(request.RelayData.Paymaster, nil, acceptInput, limits.AcceptanceBudget)
	if err != nil {
		return false, nil, Revertf(gsn.ErrCodeRejectedByPaymaster, "%s", ReasonOf(ret, err))
	}
	accepted, err := gsnevm.PaymasterABI.Unpack(gsnevm.FunctionAcceptRelayedCall, ret)
	if err != nil {
		return false, nil, Revertf(gsn.ErrCodeRejectedByPaymaster, "malformed acceptance: %v", err)
	}
	paymasterContext := accepted[0].([]byte)

	if deposit := h.balanceOf(request.RelayData.Paymaster); deposit.Cmp(maxPossibleCharge) < 0 {
		return false, nil, Revertf(gsn.ErrCodeInsufficientDeposit, "paymaster deposit %s below max possible charge %s", deposit, maxPossibleCharge)
	}

	gasUsedBefore := new(big.Int).SetUint64(intrinsic + initialGas - env.GasLeft())
	innerInput, err := gsnevm.Pack(gsnevm.RelayHubABI, gsnevm.FunctionInnerRelayCall, request, signature, paymasterContext, gasUsedBefore,
		new(big.Int).SetUint64(limits.PreRelayedCallGasLimit), new(big.Int).SetUint64(limits.PostRelayedCallGasLimit))
	if err != nil {
		return false, nil, &Revert{Reason: err.Error()}
	}
	innerGas := limits.PreRelayedCallGasLimit + limits.PostRelayedCallGasLimit + u64(request.Gas) + gsnevm.ForwarderOverhead + innerCallOverhead

	var (
		status      gsn.RelayCallStatus
		returnValue []byte
	)
	ret, err = env.Call(env.Self(), nil, innerInput, innerGas)
	if err == nil {
		out, unpackErr := gsnevm.RelayHubABI.Unpack(gsnevm.FunctionInnerRelayCall, ret)
		if unpackErr != nil {
			return false, nil, &Revert{Reason: unpackErr.Error()}
		}
		status = gsn.RelayCallStatus(out[0].(uint8))
		returnValue = out[1].([]byte)
	} else {
		reason := ReasonOf(ret, err)
		switch {
		case strings.HasPrefix(reason, statusPrefixPre):
			status = gsn.StatusPrePaymasterReverted
		case strings.HasPrefix(reason, statusPrefixPost):
			status = gsn.StatusPostPaymasterReverted
		default:
			// forwarder rejected the request: nobody pays
			if len(ret) > 0 {
				return false, nil, RevertWithData(ret)
			}
			return false, nil, &Revert{Reason: reason}
		}
		returnValue = gsnevm.EncodeRevert(reason)
	}

	gasUsed := intrinsic + (initialGas - env.GasLeft()) + gsnevm.ChargeOverhead
	charge := requestCharge(gasUsed, request.RelayData)
	if charge.Cmp(maxPossibleCharge) > 0 {
		charge = maxPossibleCharge
	}
	if deposit := h.balanceOf(request.RelayData.Paymaster); charge.Cmp(deposit) > 0 {
		charge = deposit
	}
	if err := h.settle(env, request, manager, worker, status, charge, returnValue); err != nil {
		return false, nil, err
	}
	return true, returnValue, nil
}

// innerRelayCall brackets the forwarded call with the paymaster hooks. A
// revert here rolls back everything it did, including the forwarded call.
func (h *RelayHub) innerRelayCall(env Env, request gsn.RelayRequest, signature, paymasterContext []byte, gasUsedBefore *big.Int, preGasLimit, postGasLimit uint64) (gsn.RelayCallStatus, []byte, error) {
	if env.Caller() != env.Self() {
		return 0, nil, Revertf(gsn.ErrCodeUnauthorized, "innerRelayCall is internal")
	}
	initialGas := env.GasLeft()
	request.Normalize()
	paymaster := request.RelayData.Paymaster

	preInput, err := gsnevm.PaymasterABI.Pack(gsnevm.FunctionPreRelayedCall, paymasterContext)
	if err != nil {
		return 0, nil, &Revert{Reason: err.Error()}
	}
	if ret, err := env.Call(paymaster, nil, preInput, preGasLimit); err != nil {
		return 0, nil, &Revert{Reason: statusPrefixPre + ": " + ReasonOf(ret, err)}
	}

	forwardInput, err := gsnevm.Pack(gsnevm.ForwarderABI, gsnevm.FunctionVerifyAndForward, request, signature)
	if err != nil {
		return 0, nil, &Revert{Reason: err.Error()}
	}
	ret, err := env.Call(request.RelayData.Forwarder, nil, forwardInput, u64(request.Gas)+gsnevm.ForwarderOverhead)
	if err != nil {
		if len(ret) > 0 {
			return 0, nil, RevertWithData(ret)
		}
		return 0, nil, Revertf(gsn.ErrCodeInsufficientGas, "forwarder: %v", err)
	}
	out, err := gsnevm.ForwarderABI.Unpack(gsnevm.FunctionVerifyAndForward, ret)
	if err != nil {
		return 0, nil, &Revert{Reason: err.Error()}
	}
	success := out[0].(bool)
	returnValue := out[1].([]byte)

	gasUseWithoutPost := new(big.Int).Add(gasUsedBefore, new(big.Int).SetUint64(initialGas-env.GasLeft()))
	postInput, err := gsnevm.Pack(gsnevm.PaymasterABI, gsnevm.FunctionPostRelayedCall, paymasterContext, success, gasUseWithoutPost, request.RelayData)
	if err != nil {
		return 0, nil, &Revert{Reason: err.Error()}
	}
	if ret, err := env.Call(paymaster, nil, postInput, postGasLimit); err != nil {
		return 0, nil, &Revert{Reason: statusPrefixPost + ": " + ReasonOf(ret, err)}
	}

	if !success {
		return gsn.StatusRelayedCallFailed, returnValue, nil
	}
	return gsn.StatusOK, returnValue, nil
}

// verifyRequest has the forwarder check signature, nonce and expiry.
func (h *RelayHub) verifyRequest(env Env, request gsn.RelayRequest, signature []byte) error {
	input, err := gsnevm.Pack(gsnevm.ForwarderABI, gsnevm.FunctionVerify, request, signature)
	if err != nil {
		return &Revert{Reason: err.Error()}
	}
	if ret, err := env.Call(request.RelayData.Forwarder, nil, input, gsnevm.ForwarderOverhead); err != nil {
		return RevertWithData(revertPayload(ret, err))
	}
	return nil
}

func (h *RelayHub) paymasterLimits(env Env, paymaster common.Address) (gsn.GasLimits, error) {
	out, err := viewCall(env, paymaster, gsnevm.PaymasterABI, gsnevm.FunctionGetGasAndDataLimits, viewCallGas)
	if err != nil {
		return gsn.GasLimits{}, Revertf(gsn.ErrCodeRejectedByPaymaster, "failed to read paymaster limits: %v", err)
	}
	return gsn.GasLimits{
		AcceptanceBudget:        u64(out[0].(*big.Int)),
		PreRelayedCallGasLimit:  u64(out[1].(*big.Int)),
		PostRelayedCallGasLimit: u64(out[2].(*big.Int)),
		CalldataSizeLimit:       u64(out[3].(*big.Int)),
	}, nil
}

func (h *RelayHub) settle(env Env, request gsn.RelayRequest, manager, worker common.Address, status gsn.RelayCallStatus, charge *big.Int, returnValue []byte) error {
	paymaster := request.RelayData.Paymaster
	h.balances[paymaster] = new(big.Int).Sub(h.balanceOf(paymaster), charge)
	h.balances[worker] = new(big.Int).Add(h.balanceOf(worker), charge)

	var selector [4]byte
	copy(selector[:], request.Data)

	if err := emit(env, gsnevm.RelayHubABI, gsnevm.EventTransactionRelayed,
		[]common.Hash{gsnevm.AddressTopic(manager), gsnevm.AddressTopic(worker), gsnevm.AddressTopic(request.From)},
		request.To, paymaster, selector, uint8(status), new(big.Int).Set(charge)); err != nil {
		return err
	}
	if len(returnValue) > gsnevm.MaxResultLength {
		returnValue = returnValue[:gsnevm.MaxResultLength]
	}
	return emit(env, gsnevm.RelayHubABI, gsnevm.EventTransactionResult, nil, uint8(status), returnValue)
}
