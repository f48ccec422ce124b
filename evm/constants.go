package evm

const (
	// EIP-712 domain of relay requests. The verifying contract is the forwarder.
	DomainName    = "GSN Relayed Transaction"
	DomainVersion = "2"

	// Function names
	FunctionRelayCall               = "relayCall"
	FunctionInnerRelayCall          = "innerRelayCall"
	FunctionDepositFor              = "depositFor"
	FunctionBalanceOf               = "balanceOf"
	FunctionWithdraw                = "withdraw"
	FunctionAddRelayWorkers         = "addRelayWorkers"
	FunctionRegisterRelayServer     = "registerRelayServer"
	FunctionCalculateCharge         = "calculateCharge"
	FunctionWorkerToManager         = "workerToManager"
	FunctionIsRelayManagerStaked    = "isRelayManagerStaked"
	FunctionGetConfiguration        = "getConfiguration"
	FunctionGetNonce                = "getNonce"
	FunctionVerify                  = "verify"
	FunctionVerifyAndForward        = "verifyAndForward"
	FunctionStake                   = "stake"
	FunctionUnstake                 = "unstake"
	FunctionPenalize                = "penalize"
	FunctionGetStakeInfo            = "getStakeInfo"
	FunctionPenalizeRepeatedNonce   = "penalizeRepeatedNonce"
	FunctionPenalizeIllegalTx       = "penalizeIllegalTransaction"
	FunctionAcceptRelayedCall       = "acceptRelayedCall"
	FunctionPreRelayedCall          = "preRelayedCall"
	FunctionPostRelayedCall         = "postRelayedCall"
	FunctionGetGasAndDataLimits     = "getGasAndDataLimits"
	FunctionTrustedForwarder        = "trustedForwarder"
	FunctionSetExpectedApprovalData = "setExpectedApprovalData"
	FunctionWhitelistSender         = "whitelistSender"

	// Event names
	EventTransactionRelayed    = "TransactionRelayed"
	EventTransactionResult     = "TransactionResult"
	EventDeposited             = "Deposited"
	EventWithdrawn             = "Withdrawn"
	EventRelayServerRegistered = "RelayServerRegistered"
	EventRelayWorkersAdded     = "RelayWorkersAdded"
	EventStakeAdded            = "StakeAdded"
	EventStakeUnlocked         = "StakeUnlocked"
	EventStakeWithdrawn        = "StakeWithdrawn"
	EventStakePenalized        = "StakePenalized"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// RelayCallOverhead is the gas the hub reserves for its own bookkeeping
	// and forwarder verification on top of the paymaster limits and the
	// request gas.
	RelayCallOverhead = 60000

	// ForwarderOverhead is the gas the hub grants the forwarder beyond the
	// request gas for signature and nonce checks.
	ForwarderOverhead = 20000

	// ChargeOverhead covers gas spent by the hub after it measures usage.
	ChargeOverhead = 15000

	// MaxResultLength bounds the return data logged in TransactionResult so
	// settlement fits in ChargeOverhead whatever the target returned.
	MaxResultLength = 1024

	// Intrinsic transaction gas
	TxGas            = 21000
	TxDataNonZeroGas = 16
	TxDataZeroGas    = 4

	// Default paymaster limits
	DefaultAcceptanceBudget        = 50000
	DefaultPreRelayedCallGasLimit  = 50000
	DefaultPostRelayedCallGasLimit = 50000
	DefaultCalldataSizeLimit       = 10500

	// AddressLength is the size of the sender suffix appended to forwarded calls.
	AddressLength = 20
)

// MaxPossibleGas is the most gas a relayed call may consume inside the hub.
func MaxPossibleGas(requestGas uint64, acceptanceBudget, preGasLimit, postGasLimit uint64) uint64 {
	return RelayCallOverhead + acceptanceBudget + preGasLimit + requestGas + postGasLimit
}

// IntrinsicGas returns the gas charged for a transaction before execution.
func IntrinsicGas(data []byte) uint64 {
	gas := uint64(TxGas)
	for _, b := range data {
		if b == 0 {
			gas += TxDataZeroGas
		} else {
			gas += TxDataNonZeroGas
		}
	}
	return gas
}
